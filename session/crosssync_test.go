package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

func startCrossSync(t *testing.T, opts CrossSyncOptions) chan layout.Record {
	t.Helper()
	applied := make(chan layout.Record, 4)
	opts.Apply = func(rec layout.Record) { applied <- rec }
	if opts.IdentityKey == "" {
		opts.IdentityKey = "user-1"
	}
	if opts.WriterID == "" {
		opts.WriterID = "device-a"
	}
	cs := NewCrossSync(opts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := cs.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		cs.Close()
	})
	return applied
}

func awaitRecord(t *testing.T, ch <-chan layout.Record) layout.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for applied record")
		return layout.Record{}
	}
}

func TestCrossSyncObservesCacheWritesFromOtherWriters(t *testing.T) {
	cache := newSchedulerCache(t)
	applied := startCrossSync(t, CrossSyncOptions{Cache: cache})

	// Simulate another process on the same device updating the cache.
	entry := persist.CacheEntry{Record: testRecord(5, "device-b")}
	if err := cache.WriteEntry("user-1", entry); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	rec := awaitRecord(t, applied)
	if rec.Version != 5 || rec.WriterID != "device-b" {
		t.Fatalf("unexpected applied record: %+v", rec)
	}
}

func TestCrossSyncIgnoresOwnWrites(t *testing.T) {
	cache := newSchedulerCache(t)
	applied := startCrossSync(t, CrossSyncOptions{Cache: cache})

	if err := cache.WriteEntry("user-1", persist.CacheEntry{Record: testRecord(2, "device-a")}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	select {
	case rec := <-applied:
		t.Fatalf("self-originated write must not loop back: %+v", rec)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCrossSyncIgnoresOtherIdentities(t *testing.T) {
	cache := newSchedulerCache(t)
	applied := startCrossSync(t, CrossSyncOptions{Cache: cache})

	if err := cache.WriteEntry("user-2", persist.CacheEntry{Record: testRecord(3, "device-b")}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	select {
	case rec := <-applied:
		t.Fatalf("write for another identity leaked through: %+v", rec)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCrossSyncConsumesRemoteChangeFeed(t *testing.T) {
	pushed := testRecord(8, "device-b")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = wsjson.Write(r.Context(), conn, pushed)
		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	applied := startCrossSync(t, CrossSyncOptions{EventsURL: wsURL})

	rec := awaitRecord(t, applied)
	if rec.Version != 8 || rec.WriterID != "device-b" {
		t.Fatalf("unexpected record from change feed: %+v", rec)
	}
}
