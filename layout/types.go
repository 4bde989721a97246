package layout

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrInvariant = errors.New("invariant violation")
)

// InvariantError reports a mutation that would leave the layout in an
// inconsistent state. It is surfaced synchronously to the caller; it is
// never downgraded to a fallback.
type InvariantError struct {
	Op     string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariant
}

func invariantErr(op, format string, args ...any) error {
	return &InvariantError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Origin tags a restored snapshot with the backend that supplied it.
type Origin string

const (
	OriginRemote  Origin = "remote"
	OriginLocal   Origin = "local"
	OriginDefault Origin = "default"
)

type TabKind string

const (
	TabStatic  TabKind = "static"
	TabDynamic TabKind = "dynamic"
)

type GridPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ComponentInstance is owned exclusively by its parent tab and is deleted
// with it.
type ComponentInstance struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	GridPosition GridPosition   `json:"gridPosition"`
	Props        map[string]any `json:"props,omitempty"`
}

type TabConfig struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Kind       TabKind             `json:"kind"`
	Components []ComponentInstance `json:"components"`
	EditMode   bool                `json:"editMode,omitempty"`
	Position   int                 `json:"position"`
}

// Snapshot is the immutable result of one restoration attempt. The store
// derives its live working copy from it; the value itself is never mutated.
type Snapshot struct {
	IdentityKey string      `json:"identityKey"`
	Tabs        []TabConfig `json:"tabs"`
	ActiveTabID string      `json:"activeTabId"`
	UpdatedAt   string      `json:"updatedAt"`
	Origin      Origin      `json:"origin"`
}

// Record is the wire/storage form of a snapshot. Version and WriterID
// drive whole-document last-writer-wins arbitration.
type Record struct {
	IdentityKey string      `json:"identityKey,omitempty"`
	Tabs        []TabConfig `json:"tabs"`
	ActiveTabID string      `json:"activeTabId"`
	UpdatedAt   string      `json:"updatedAt"`
	Version     int64       `json:"version"`
	WriterID    string      `json:"writerId"`
}

// SnapshotFromRecord tags a stored record with the backend it came from.
func SnapshotFromRecord(identityKey string, rec Record, origin Origin) Snapshot {
	return Snapshot{
		IdentityKey: identityKey,
		Tabs:        CloneTabs(rec.Tabs),
		ActiveTabID: rec.ActiveTabID,
		UpdatedAt:   rec.UpdatedAt,
		Origin:      origin,
	}
}

func CloneTabs(tabs []TabConfig) []TabConfig {
	if tabs == nil {
		return nil
	}
	out := make([]TabConfig, len(tabs))
	for i, tab := range tabs {
		out[i] = cloneTab(tab)
	}
	return out
}

func cloneTab(tab TabConfig) TabConfig {
	cloned := tab
	cloned.Components = make([]ComponentInstance, len(tab.Components))
	for i, comp := range tab.Components {
		cloned.Components[i] = cloneComponent(comp)
	}
	return cloned
}

func cloneComponent(comp ComponentInstance) ComponentInstance {
	cloned := comp
	if comp.Props != nil {
		cloned.Props = make(map[string]any, len(comp.Props))
		for key, value := range comp.Props {
			cloned.Props[key] = value
		}
	}
	return cloned
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
