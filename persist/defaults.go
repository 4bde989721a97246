package persist

import (
	"context"

	"github.com/quantdesk/layoutsync/layout"
)

// DefaultWriterID tags the bootstrap record so arbitration always yields
// to a real writer.
const DefaultWriterID = "defaults"

// defaultsUpdatedAt is deliberately constant: the bootstrap snapshot is
// fixed, so two restorations with no intervening changes produce
// byte-identical results.
const defaultsUpdatedAt = "1970-01-01T00:00:00Z"

// DefaultsBackend is the terminal persistence tier: it never fails and
// always serves the fixed bootstrap layout.
type DefaultsBackend struct{}

func NewDefaultsBackend() *DefaultsBackend {
	return &DefaultsBackend{}
}

func (b *DefaultsBackend) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	return DefaultRecord(identityKey), nil
}

// Write is accepted and discarded; defaults are immutable.
func (b *DefaultsBackend) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	return nil
}

// DefaultTab is the single static tab substituted whenever a layout would
// otherwise end up empty.
func DefaultTab() layout.TabConfig {
	return layout.TabConfig{
		ID:   "overview",
		Name: "Overview",
		Kind: layout.TabStatic,
		Components: []layout.ComponentInstance{
			{
				ID:           "welcome",
				Type:         "welcome-panel",
				GridPosition: layout.GridPosition{X: 0, Y: 0, W: 12, H: 8},
			},
		},
		Position: 0,
	}
}

// DefaultRecord is the bootstrap layout served when no persisted record is
// reachable. Version zero loses arbitration against any saved record.
func DefaultRecord(identityKey string) layout.Record {
	return layout.Record{
		IdentityKey: identityKey,
		Tabs:        []layout.TabConfig{DefaultTab()},
		ActiveTabID: "overview",
		UpdatedAt:   defaultsUpdatedAt,
		Version:     0,
		WriterID:    DefaultWriterID,
	}
}
