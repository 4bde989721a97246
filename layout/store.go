package layout

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// EventType describes a committed store change.
type EventType string

const (
	EventTabAdded         EventType = "tab.added"
	EventTabRemoved       EventType = "tab.removed"
	EventTabsReordered    EventType = "tabs.reordered"
	EventActiveTabChanged EventType = "tab.activated"
	EventComponentUpsert  EventType = "component.upserted"
	EventComponentRemoved EventType = "component.removed"
	EventEditModeChanged  EventType = "tab.editmode"
	EventReplaced         EventType = "layout.replaced"
)

// Event is emitted synchronously after every committed mutation. External
// is true when the change originated outside this browsing context and the
// store was replaced wholesale; subscribers surface that to the user as a
// "layout updated elsewhere" notification.
type Event struct {
	Type     EventType
	TabID    string
	Version  int64
	WriterID string
	External bool
}

type StoreOptions struct {
	WriterID string
	// DefaultTab supplies the substitute tab when the last tab is removed.
	DefaultTab func() TabConfig
	Logger     zerolog.Logger
}

// Store owns the canonical in-memory tab sequence for one session. It is
// the single writer for layout state within a browsing context; all
// mutations go through its methods and are atomic with respect to each
// other.
type Store struct {
	mu          sync.Mutex
	identityKey string
	origin      Origin
	tabs        []TabConfig
	activeTabID string
	version     int64
	writerID    string
	updatedAt   string
	defaultTab  func() TabConfig
	handlers    []func(Event)
	logger      zerolog.Logger
}

func NewStore(opts StoreOptions) *Store {
	writerID := strings.TrimSpace(opts.WriterID)
	if writerID == "" {
		writerID = "local"
	}
	defaultTab := opts.DefaultTab
	if defaultTab == nil {
		defaultTab = func() TabConfig {
			return TabConfig{ID: "overview", Name: "Overview", Kind: TabStatic, Components: []ComponentInstance{}}
		}
	}
	return &Store{
		writerID:   writerID,
		defaultTab: defaultTab,
		logger:     opts.Logger,
	}
}

// OnChange registers a handler invoked synchronously after each committed
// mutation. Handlers must not mutate the store re-entrantly.
func (s *Store) OnChange(handler func(Event)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Seed initializes the store from a restoration snapshot. The seeded
// version starts at the persisted record's version carried by the caller;
// zero for defaults.
func (s *Store) Seed(snapshot Snapshot, version int64) {
	s.mu.Lock()
	s.seedLocked(snapshot, version)
	s.mu.Unlock()
}

// Reset reseeds the store from a post-boot restoration attempt. Unlike
// Seed it announces the wholesale replacement to subscribers, since the
// UI has already rendered the previous layout by then.
func (s *Store) Reset(snapshot Snapshot, version int64) {
	s.mu.Lock()
	s.seedLocked(snapshot, version)
	event := Event{Type: EventReplaced, Version: s.version, WriterID: s.writerID, External: true}
	handlers := append([]func(Event){}, s.handlers...)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (s *Store) seedLocked(snapshot Snapshot, version int64) {
	s.identityKey = snapshot.IdentityKey
	s.origin = snapshot.Origin
	s.tabs = CloneTabs(snapshot.Tabs)
	if len(s.tabs) == 0 {
		s.tabs = []TabConfig{s.defaultTab()}
	}
	renumber(s.tabs)
	s.activeTabID = snapshot.ActiveTabID
	if s.findTab(s.activeTabID) < 0 {
		s.activeTabID = s.tabs[0].ID
	}
	s.version = version
	s.updatedAt = snapshot.UpdatedAt
	if s.updatedAt == "" {
		s.updatedAt = nowStamp()
	}
}

// Replace swaps the whole layout for an arbitrated record. Used when the
// conflict resolver decides an incoming record wins.
func (s *Store) Replace(rec Record, external bool) {
	s.mu.Lock()
	if rec.IdentityKey != "" {
		s.identityKey = rec.IdentityKey
	}
	if external {
		s.origin = OriginRemote
	} else {
		s.origin = OriginLocal
	}
	s.tabs = CloneTabs(rec.Tabs)
	if len(s.tabs) == 0 {
		s.tabs = []TabConfig{s.defaultTab()}
	}
	renumber(s.tabs)
	s.activeTabID = rec.ActiveTabID
	if s.findTab(s.activeTabID) < 0 {
		s.activeTabID = s.tabs[0].ID
	}
	s.version = rec.Version
	s.updatedAt = rec.UpdatedAt
	if s.updatedAt == "" {
		s.updatedAt = nowStamp()
	}
	event := Event{Type: EventReplaced, Version: s.version, WriterID: rec.WriterID, External: external}
	handlers := append([]func(Event){}, s.handlers...)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (s *Store) IdentityKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityKey
}

func (s *Store) Origin() Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns a deep copy of the current layout.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		IdentityKey: s.identityKey,
		Tabs:        CloneTabs(s.tabs),
		ActiveTabID: s.activeTabID,
		UpdatedAt:   s.updatedAt,
		Origin:      s.origin,
	}
}

// Record returns the wire form of the current layout for persistence.
func (s *Store) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		IdentityKey: s.identityKey,
		Tabs:        CloneTabs(s.tabs),
		ActiveTabID: s.activeTabID,
		UpdatedAt:   s.updatedAt,
		Version:     s.version,
		WriterID:    s.writerID,
	}
}

func (s *Store) AddTab(tab TabConfig) error {
	s.mu.Lock()
	if strings.TrimSpace(tab.ID) == "" {
		s.mu.Unlock()
		return invariantErr("addTab", "tab id is required")
	}
	if s.findTab(tab.ID) >= 0 {
		s.mu.Unlock()
		return invariantErr("addTab", "duplicate tab id %q", tab.ID)
	}
	seen := map[string]struct{}{}
	for _, comp := range tab.Components {
		if strings.TrimSpace(comp.ID) == "" {
			s.mu.Unlock()
			return invariantErr("addTab", "component id is required")
		}
		if _, dup := seen[comp.ID]; dup {
			s.mu.Unlock()
			return invariantErr("addTab", "duplicate component id %q", comp.ID)
		}
		seen[comp.ID] = struct{}{}
	}
	cloned := cloneTab(tab)
	if cloned.Components == nil {
		cloned.Components = []ComponentInstance{}
	}
	s.tabs = append(s.tabs, cloned)
	renumber(s.tabs)
	s.commitLocked(Event{Type: EventTabAdded, TabID: tab.ID})
	return nil
}

// RemoveTab deletes a tab and, cascading, every component it owns.
// Removing the last tab substitutes the defaults tab so the layout is
// never empty.
func (s *Store) RemoveTab(id string) error {
	s.mu.Lock()
	idx := s.findTab(id)
	if idx < 0 {
		s.mu.Unlock()
		return invariantErr("removeTab", "unknown tab id %q", id)
	}
	s.tabs = append(s.tabs[:idx], s.tabs[idx+1:]...)
	if len(s.tabs) == 0 {
		substitute := s.defaultTab()
		s.logger.Debug().Str("tab", substitute.ID).Msg("last tab removed, substituting default")
		s.tabs = []TabConfig{substitute}
	}
	renumber(s.tabs)
	if s.activeTabID == id {
		next := idx
		if next >= len(s.tabs) {
			next = len(s.tabs) - 1
		}
		s.activeTabID = s.tabs[next].ID
	}
	s.commitLocked(Event{Type: EventTabRemoved, TabID: id})
	return nil
}

// ReorderTabs accepts a permutation of the current tab ids and re-assigns
// dense positions in the given order.
func (s *Store) ReorderTabs(ids []string) error {
	s.mu.Lock()
	if len(ids) != len(s.tabs) {
		s.mu.Unlock()
		return invariantErr("reorderTabs", "expected %d tab ids, got %d", len(s.tabs), len(ids))
	}
	reordered := make([]TabConfig, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			s.mu.Unlock()
			return invariantErr("reorderTabs", "duplicate tab id %q", id)
		}
		seen[id] = struct{}{}
		idx := s.findTab(id)
		if idx < 0 {
			s.mu.Unlock()
			return invariantErr("reorderTabs", "unknown tab id %q", id)
		}
		reordered = append(reordered, s.tabs[idx])
	}
	s.tabs = reordered
	renumber(s.tabs)
	s.commitLocked(Event{Type: EventTabsReordered})
	return nil
}

func (s *Store) SetActiveTab(id string) error {
	s.mu.Lock()
	if s.findTab(id) < 0 {
		s.mu.Unlock()
		return invariantErr("setActiveTab", "unknown tab id %q", id)
	}
	s.activeTabID = id
	s.commitLocked(Event{Type: EventActiveTabChanged, TabID: id})
	return nil
}

func (s *Store) UpsertComponent(tabID string, comp ComponentInstance) error {
	s.mu.Lock()
	idx := s.findTab(tabID)
	if idx < 0 {
		s.mu.Unlock()
		return invariantErr("upsertComponent", "unknown tab id %q", tabID)
	}
	if strings.TrimSpace(comp.ID) == "" {
		s.mu.Unlock()
		return invariantErr("upsertComponent", "component id is required")
	}
	if comp.GridPosition.W <= 0 || comp.GridPosition.H <= 0 {
		s.mu.Unlock()
		return invariantErr("upsertComponent", "component %q has non-positive grid size", comp.ID)
	}
	tab := s.tabs[idx]
	replaced := false
	for i := range tab.Components {
		if tab.Components[i].ID == comp.ID {
			tab.Components[i] = cloneComponent(comp)
			replaced = true
			break
		}
	}
	if !replaced {
		tab.Components = append(tab.Components, cloneComponent(comp))
	}
	s.tabs[idx] = tab
	s.commitLocked(Event{Type: EventComponentUpsert, TabID: tabID})
	return nil
}

func (s *Store) RemoveComponent(tabID, componentID string) error {
	s.mu.Lock()
	idx := s.findTab(tabID)
	if idx < 0 {
		s.mu.Unlock()
		return invariantErr("removeComponent", "unknown tab id %q", tabID)
	}
	tab := s.tabs[idx]
	for i := range tab.Components {
		if tab.Components[i].ID == componentID {
			tab.Components = append(tab.Components[:i], tab.Components[i+1:]...)
			s.tabs[idx] = tab
			s.commitLocked(Event{Type: EventComponentRemoved, TabID: tabID})
			return nil
		}
	}
	s.mu.Unlock()
	return invariantErr("removeComponent", "unknown component id %q in tab %q", componentID, tabID)
}

func (s *Store) SetEditMode(tabID string, on bool) error {
	s.mu.Lock()
	idx := s.findTab(tabID)
	if idx < 0 {
		s.mu.Unlock()
		return invariantErr("setEditMode", "unknown tab id %q", tabID)
	}
	s.tabs[idx].EditMode = on
	s.commitLocked(Event{Type: EventEditModeChanged, TabID: tabID})
	return nil
}

// commitLocked bumps the version, stamps the mutation, and dispatches the
// change event outside the lock. Callers hold s.mu.
func (s *Store) commitLocked(event Event) {
	s.version++
	s.updatedAt = nowStamp()
	event.Version = s.version
	event.WriterID = s.writerID
	handlers := append([]func(Event){}, s.handlers...)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (s *Store) findTab(id string) int {
	for i := range s.tabs {
		if s.tabs[i].ID == id {
			return i
		}
	}
	return -1
}

// renumber keeps positions a dense zero-based sequence in slice order.
func renumber(tabs []TabConfig) {
	for i := range tabs {
		tabs[i].Position = i
	}
}
