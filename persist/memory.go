package persist

import (
	"context"
	"strings"
	"sync"

	"github.com/quantdesk/layoutsync/layout"
)

// MemoryBackend is the in-process record store used by tests and as the
// reference daemon's default tier. It stores records verbatim; version
// arbitration is the caller's concern.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]layout.Record
	history map[string][]layout.Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: map[string]layout.Record{},
		history: map[string][]layout.Record{},
	}
}

func (b *MemoryBackend) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[identityKey]
	if !ok {
		return layout.Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (b *MemoryBackend) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	if strings.TrimSpace(identityKey) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.records[identityKey]; ok {
		// Superseded versions are retained for audit, mirroring the remote
		// store contract.
		b.history[identityKey] = append(b.history[identityKey], prev)
	}
	b.records[identityKey] = cloneRecord(rec)
	return nil
}

// History returns superseded records oldest-first.
func (b *MemoryBackend) History(identityKey string) []layout.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]layout.Record, 0, len(b.history[identityKey]))
	for _, rec := range b.history[identityKey] {
		out = append(out, cloneRecord(rec))
	}
	return out
}

func cloneRecord(rec layout.Record) layout.Record {
	cloned := rec
	cloned.Tabs = layout.CloneTabs(rec.Tabs)
	return cloned
}
