package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantdesk/layoutsync/layout"
)

var (
	// ErrNotFound means the backend is healthy but holds no record for the
	// identity -- a legitimate "new user" signal, not a failure.
	ErrNotFound = errors.New("layout not found")
	// ErrUnavailable covers timeouts and network/server failures; the
	// restoration chain falls through to the next tier.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRejected means the backend refused the identity's credentials.
	ErrRejected = errors.New("auth rejected")
	// ErrStale marks a cache entry older than the freshness TTL. The entry
	// is ignored, not deleted.
	ErrStale = errors.New("cache entry stale")
	// ErrCorrupt marks a malformed or schema-invalid stored record; it is
	// treated as a miss, never a crash.
	ErrCorrupt = errors.New("record corrupt")

	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionConflict = errors.New("version conflict")
)

// AnonymousKey is the fixed cache identity for unauthenticated sessions.
const AnonymousKey = "anonymous"

// VersionConflictError is returned by a write that lost whole-document
// arbitration; Current carries the record the backend kept.
type VersionConflictError struct {
	Current layout.Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: backend holds version %d from writer %s", e.Current.Version, e.Current.WriterID)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Backend is the uniform read/write contract over every persistence tier.
// Read returns ErrNotFound for an empty slot and ErrUnavailable when the
// tier cannot answer; the two are never conflated.
type Backend interface {
	Read(ctx context.Context, identityKey string) (layout.Record, error)
	Write(ctx context.Context, identityKey string, rec layout.Record) error
}

// CacheKey maps an identity to its device-local storage key. Empty
// identities share the fixed anonymous slot.
func CacheKey(identityKey string) string {
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" {
		identityKey = AnonymousKey
	}
	return "layout:" + identityKey
}
