package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantdesk/layoutsync/identity"
	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

// fakeBackend scripts reads and records writes for restoration tests.
type fakeBackend struct {
	mu      sync.Mutex
	rec     layout.Record
	readErr error
	writes  []layout.Record
}

func (b *fakeBackend) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return layout.Record{}, b.readErr
	}
	return b.rec, nil
}

func (b *fakeBackend) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, rec)
	return nil
}

func (b *fakeBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func testRecord(version int64, writerID string) layout.Record {
	return layout.Record{
		Tabs: []layout.TabConfig{
			{ID: "alpha", Name: "Alpha", Kind: layout.TabStatic, Components: []layout.ComponentInstance{}, Position: 0},
		},
		ActiveTabID: "alpha",
		UpdatedAt:   "2026-08-26T10:00:00Z",
		Version:     version,
		WriterID:    writerID,
	}
}

func newOrchestratorCache(t *testing.T) *persist.DiskCache {
	t.Helper()
	cache, err := persist.NewDiskCache(t.TempDir(), persist.DiskCacheOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	return cache
}

func authSignal(key string) identity.Signal {
	return identity.Signal{IdentityKey: key, Authenticated: true, StableSince: time.Now()}
}

func TestResolveRemoteWinsAndRefreshesCache(t *testing.T) {
	remote := &fakeBackend{rec: testRecord(7, "device-b")}
	cache := newOrchestratorCache(t)
	orch := NewOrchestrator(OrchestratorOptions{Remote: remote, Cache: cache})

	res := orch.Resolve(context.Background(), authSignal("user-1"))
	if res.Snapshot.Origin != layout.OriginRemote {
		t.Fatalf("origin = %q, want remote", res.Snapshot.Origin)
	}
	if res.Version != 7 {
		t.Fatalf("version = %d, want 7", res.Version)
	}

	// Refresh-on-read must leave a fresh synced cache entry behind.
	entry, err := cache.ReadEntry("user-1")
	if err != nil {
		t.Fatalf("cache not refreshed: %v", err)
	}
	if entry.PendingSync || entry.Record.Version != 7 {
		t.Fatalf("unexpected cache entry: %+v", entry)
	}
}

func TestResolveFallsBackToCacheWhenRemoteUnavailable(t *testing.T) {
	remote := &fakeBackend{readErr: persist.ErrUnavailable}
	cache := newOrchestratorCache(t)
	if err := cache.Write(context.Background(), "user-1", testRecord(4, "device-a")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	orch := NewOrchestrator(OrchestratorOptions{Remote: remote, Cache: cache})

	res := orch.Resolve(context.Background(), authSignal("user-1"))
	if res.Snapshot.Origin != layout.OriginLocal {
		t.Fatalf("origin = %q, want local", res.Snapshot.Origin)
	}
	if res.Version != 4 {
		t.Fatalf("version = %d, want 4", res.Version)
	}
}

func TestResolveFallsBackToDefaultsWhenAllTiersMiss(t *testing.T) {
	remote := &fakeBackend{readErr: persist.ErrUnavailable}
	orch := NewOrchestrator(OrchestratorOptions{Remote: remote, Cache: newOrchestratorCache(t)})

	res := orch.Resolve(context.Background(), authSignal("user-1"))
	if res.Snapshot.Origin != layout.OriginDefault {
		t.Fatalf("origin = %q, want default", res.Snapshot.Origin)
	}
	if res.Version != 0 {
		t.Fatalf("defaults version = %d, want 0", res.Version)
	}
	if len(res.Snapshot.Tabs) == 0 {
		t.Fatal("defaults snapshot has no tabs")
	}
}

func TestResolveDefaultsAreIdempotent(t *testing.T) {
	orch := NewOrchestrator(OrchestratorOptions{})
	sig := identity.Signal{StableSince: time.Now()}

	first := orch.Resolve(context.Background(), sig)
	second := orch.Resolve(context.Background(), sig)
	if first.Snapshot.UpdatedAt != second.Snapshot.UpdatedAt {
		t.Fatalf("defaults restoration is not idempotent: %q vs %q", first.Snapshot.UpdatedAt, second.Snapshot.UpdatedAt)
	}
	if len(first.Snapshot.Tabs) != len(second.Snapshot.Tabs) {
		t.Fatal("defaults restoration is not idempotent")
	}
}

func TestResolveUnauthenticatedUsesAnonymousCacheSlot(t *testing.T) {
	cache := newOrchestratorCache(t)
	if err := cache.Write(context.Background(), "", testRecord(2, "device-a")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	// Remote configured but unauthenticated sessions must never consult it.
	remote := &fakeBackend{readErr: errors.New("must not be called")}
	orch := NewOrchestrator(OrchestratorOptions{Remote: remote, Cache: cache})

	res := orch.Resolve(context.Background(), identity.Signal{StableSince: time.Now()})
	if res.Snapshot.Origin != layout.OriginLocal {
		t.Fatalf("origin = %q, want local", res.Snapshot.Origin)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}
}

func TestResolvePendingCacheEntryOutranksRemote(t *testing.T) {
	// Scenario: the device cached v3 pending-sync while offline; the remote
	// still holds v2. Boot must restore v3 and schedule a re-push.
	remote := &fakeBackend{rec: testRecord(2, "device-b")}
	cache := newOrchestratorCache(t)
	pending := persist.CacheEntry{Record: testRecord(3, "device-a"), PendingSync: true}
	if err := cache.WriteEntry("user-1", pending); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	orch := NewOrchestrator(OrchestratorOptions{Remote: remote, Cache: cache})

	res := orch.Resolve(context.Background(), authSignal("user-1"))
	if res.Version != 3 {
		t.Fatalf("version = %d, want pending local 3", res.Version)
	}
	if res.Snapshot.Origin != layout.OriginLocal {
		t.Fatalf("origin = %q, want local", res.Snapshot.Origin)
	}
	if res.Repush == nil || res.Repush.Version != 3 {
		t.Fatalf("expected re-push of v3, got %+v", res.Repush)
	}
}

func TestResolveSyncedCacheEntryNeverOutranksRemote(t *testing.T) {
	remote := &fakeBackend{rec: testRecord(2, "device-b")}
	cache := newOrchestratorCache(t)
	// Higher version but already synced: a leftover from another device's
	// session, the reachable remote stays authoritative.
	if err := cache.Write(context.Background(), "user-1", testRecord(3, "device-a")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	orch := NewOrchestrator(OrchestratorOptions{Remote: remote, Cache: cache})

	res := orch.Resolve(context.Background(), authSignal("user-1"))
	if res.Snapshot.Origin != layout.OriginRemote || res.Version != 2 {
		t.Fatalf("reachable remote must win over a synced cache entry, got %+v", res)
	}
	if res.Repush != nil {
		t.Fatal("no re-push expected")
	}
}

func TestRestoreTimesOutIdentityWaitAndBoots(t *testing.T) {
	orch := NewOrchestrator(OrchestratorOptions{IdentityWait: 10 * time.Millisecond})
	signals := make(chan identity.Signal) // never delivers

	res, err := orch.Restore(context.Background(), signals)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.Signal.Authenticated || !res.Signal.Degraded {
		t.Fatalf("timeout must yield a degraded unauthenticated boot, got %+v", res.Signal)
	}
	if res.Snapshot.Origin != layout.OriginDefault {
		t.Fatalf("origin = %q, want default", res.Snapshot.Origin)
	}
}

func TestRestoreCancelledReturnsError(t *testing.T) {
	orch := NewOrchestrator(OrchestratorOptions{IdentityWait: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := orch.Restore(ctx, make(chan identity.Signal)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
