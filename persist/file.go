package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quantdesk/layoutsync/layout"
)

// FileBackend keeps every identity's current record in one JSON document,
// written atomically. It serves small single-node daemon deployments where
// Postgres is overkill.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

type fileBackendState struct {
	Records map[string]layout.Record   `json:"records"`
	History map[string][]layout.Record `json:"history,omitempty"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return layout.Record{}, err
	}
	rec, ok := state.Records[identityKey]
	if !ok {
		return layout.Record{}, ErrNotFound
	}
	return rec, nil
}

func (b *FileBackend) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	if strings.TrimSpace(identityKey) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return err
	}
	if prev, ok := state.Records[identityKey]; ok {
		if state.History == nil {
			state.History = map[string][]layout.Record{}
		}
		state.History[identityKey] = append(state.History[identityKey], prev)
	}
	state.Records[identityKey] = rec
	return b.saveLocked(state)
}

func (b *FileBackend) loadLocked() (fileBackendState, error) {
	state := fileBackendState{Records: map[string]layout.Record{}}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	if state.Records == nil {
		state.Records = map[string]layout.Record{}
	}
	return state, nil
}

func (b *FileBackend) saveLocked(state fileBackendState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
