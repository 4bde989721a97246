package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

// stubProvider is a mutable identity provider for engine tests.
type stubProvider struct {
	mu         sync.Mutex
	identities []string
	onChange   func()
}

func (p *stubProvider) ActiveIdentities(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.identities...), nil
}

func (p *stubProvider) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *stubProvider) setIdentities(ids ...string) {
	p.mu.Lock()
	p.identities = ids
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Quiescence == 0 {
		opts.Quiescence = 5 * time.Millisecond
	}
	if opts.IdentityWait == 0 {
		opts.IdentityWait = time.Second
	}
	if opts.Debounce == 0 {
		opts.Debounce = 5 * time.Millisecond
	}
	e := NewEngine(opts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		e.Close()
		cancel()
	})
	return e
}

func waitReady(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state := e.State(); state == StateReady || state == StateMutating {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never became ready, state=%q", e.State())
}

func waitOrigin(t *testing.T, e *Engine, origin layout.Origin) layout.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		if snap.Origin == origin {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("snapshot never reached origin %q (have %q)", origin, e.Snapshot().Origin)
	return layout.Snapshot{}
}

func layoutServer(t *testing.T, rec layout.Record) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rec)
		case http.MethodPut:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEngineBootsDefaultsWithoutProvider(t *testing.T) {
	e := startEngine(t, Options{WriterID: "device-a"})
	waitReady(t, e)

	snap := e.Snapshot()
	if snap.Origin != layout.OriginDefault {
		t.Fatalf("origin = %q, want default", snap.Origin)
	}
	if len(snap.Tabs) == 0 || snap.ActiveTabID == "" {
		t.Fatalf("defaults snapshot incomplete: %+v", snap)
	}
}

func TestEngineQueuesPreReadyMutations(t *testing.T) {
	e := startEngine(t, Options{WriterID: "device-a"})

	// Issued while the engine may still be awaiting identity; either
	// queued and replayed or applied directly once ready.
	if err := e.AddTab(layout.TabConfig{ID: "watchlist", Name: "Watchlist", Kind: layout.TabDynamic}); err != nil {
		t.Fatalf("AddTab: %v", err)
	}
	waitReady(t, e)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		for _, tab := range snap.Tabs {
			if tab.ID == "watchlist" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queued mutation never replayed: %+v", e.Snapshot().Tabs)
}

func TestEngineRestoresFromRemote(t *testing.T) {
	srv := layoutServer(t, testRecord(7, "device-b"))
	provider := &stubProvider{identities: []string{"user-1"}}

	e := startEngine(t, Options{
		Provider:  provider,
		RemoteURL: srv.URL,
		CacheDir:  t.TempDir(),
		WriterID:  "device-a",
	})
	waitReady(t, e)

	snap := waitOrigin(t, e, layout.OriginRemote)
	if snap.IdentityKey != "user-1" {
		t.Fatalf("identity = %q, want user-1", snap.IdentityKey)
	}
	if snap.ActiveTabID != "alpha" {
		t.Fatalf("remote layout not restored: %+v", snap)
	}
}

func TestEngineMutationsReachLocalCache(t *testing.T) {
	dir := t.TempDir()
	e := startEngine(t, Options{WriterID: "device-a", CacheDir: dir})
	waitReady(t, e)

	if err := e.AddTab(layout.TabConfig{ID: "news", Name: "News", Kind: layout.TabDynamic}); err != nil {
		t.Fatalf("AddTab: %v", err)
	}

	inspector, err := persist.NewDiskCache(dir, persist.DiskCacheOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := inspector.ReadEntry("")
		if err == nil {
			for _, tab := range entry.Record.Tabs {
				if tab.ID == "news" {
					if entry.PendingSync {
						t.Fatal("local-only session must not be pending-sync")
					}
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("mutation never reached the local cache")
}

func TestEngineAppliesWinningExternalRecord(t *testing.T) {
	notifications := make(chan string, 1)
	e := startEngine(t, Options{
		WriterID: "device-a",
		Notify:   func(msg string) { notifications <- msg },
	})
	waitReady(t, e)

	incoming := testRecord(50, "device-b")
	e.applyExternal(incoming)

	snap := e.Snapshot()
	if snap.ActiveTabID != "alpha" {
		t.Fatalf("external record not applied: %+v", snap)
	}
	select {
	case msg := <-notifications:
		if msg == "" {
			t.Fatal("empty notification")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for external replacement")
	}
}

func TestEngineIgnoresLosingExternalRecord(t *testing.T) {
	notifications := make(chan string, 1)
	e := startEngine(t, Options{
		WriterID: "device-z",
		Notify:   func(msg string) { notifications <- msg },
	})
	waitReady(t, e)
	if err := e.AddTab(layout.TabConfig{ID: "mine", Kind: layout.TabStatic}); err != nil {
		t.Fatalf("AddTab: %v", err)
	}

	// Version 0 always loses to the mutated local document.
	e.applyExternal(testRecord(0, "device-a"))

	snap := e.Snapshot()
	found := false
	for _, tab := range snap.Tabs {
		if tab.ID == "mine" {
			found = true
		}
	}
	if !found {
		t.Fatalf("losing external record clobbered local state: %+v", snap.Tabs)
	}
	select {
	case msg := <-notifications:
		t.Fatalf("unexpected notification %q for a losing record", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineReRestoresWhenAuthLandsAfterBoot(t *testing.T) {
	srv := layoutServer(t, testRecord(7, "device-b"))
	provider := &stubProvider{} // boots unauthenticated

	notifications := make(chan string, 1)
	e := startEngine(t, Options{
		Provider:  provider,
		RemoteURL: srv.URL,
		CacheDir:  t.TempDir(),
		WriterID:  "device-a",
		Notify:    func(msg string) { notifications <- msg },
	})
	waitReady(t, e)
	if got := e.Snapshot().Origin; got != layout.OriginDefault {
		t.Fatalf("expected defaults boot, got origin %q", got)
	}
	replaced := make(chan layout.Event, 4)
	e.store.OnChange(func(ev layout.Event) {
		if ev.Type == layout.EventReplaced {
			replaced <- ev
		}
	})

	// Credentials restore asynchronously after the UI is already up.
	provider.setIdentities("user-1")

	snap := waitOrigin(t, e, layout.OriginRemote)
	if snap.IdentityKey != "user-1" || len(snap.Tabs) == 0 {
		t.Fatalf("re-restoration incomplete: %+v", snap)
	}

	// Subscribers rendered the defaults layout already, so the swap must
	// announce itself instead of landing silently.
	select {
	case ev := <-replaced:
		if !ev.External {
			t.Fatalf("replacement event not marked external: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no replaced event for the re-restored layout")
	}
	select {
	case msg := <-notifications:
		if msg == "" {
			t.Fatal("empty notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for the re-restored layout")
	}
}
