package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantdesk/layoutsync/identity"
	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

// State is the engine lifecycle phase. Mutations arriving before Ready
// are queued and replayed in arrival order once restoration completes.
type State string

const (
	StateBooting          State = "booting"
	StateAwaitingIdentity State = "awaiting-identity"
	StateRestoring        State = "restoring"
	StateReady            State = "ready"
	StateMutating         State = "mutating"
)

type Options struct {
	// Provider reports the active identity. Nil means identity can never
	// be established and the session runs unauthenticated.
	Provider identity.Provider
	// RemoteURL is the base URL of the remote layout store. Empty
	// disables the remote tier.
	RemoteURL   string
	RemoteToken string
	// EventsURL subscribes to the remote change feed when set.
	EventsURL string
	// CacheDir holds the local cache. Empty disables the cache tier.
	CacheDir string
	CacheTTL time.Duration
	// WriterID distinguishes this context in conflict arbitration.
	// Defaults to a random UUID.
	WriterID     string
	Quiescence   time.Duration
	IdentityWait time.Duration
	Debounce     time.Duration
	Logger       zerolog.Logger
	// Notify surfaces user-facing messages, e.g. when another context
	// replaces the layout.
	Notify func(message string)
	// OnPendingChange reports transitions of the unsynced-changes
	// indicator.
	OnPendingChange func(pending bool)
}

// Engine ties the identity monitor, restoration orchestrator, layout
// store, write-back scheduler and cross-context sync into one session.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	store   *layout.Store
	monitor *identity.Monitor
	orch    *Orchestrator
	cache   *persist.DiskCache
	remote  persist.Backend

	mu         sync.Mutex
	state      State
	signal     identity.Signal
	sched      *Scheduler
	cross      *CrossSync
	queued     []func(*layout.Store) error
	reRestored bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(opts Options) *Engine {
	if opts.WriterID == "" {
		opts.WriterID = uuid.NewString()
	}
	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		state:  StateBooting,
		done:   make(chan struct{}),
	}
	e.store = layout.NewStore(layout.StoreOptions{
		WriterID:   opts.WriterID,
		DefaultTab: persist.DefaultTab,
		Logger:     opts.Logger,
	})
	e.store.OnChange(e.onStoreChange)
	return e
}

// Start brings the session up. It returns once the background
// restoration has been launched; callers observe readiness via State or
// by issuing mutations, which queue until restoration completes.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.opts.CacheDir != "" {
		cache, err := persist.NewDiskCache(e.opts.CacheDir, persist.DiskCacheOptions{
			TTL:    e.opts.CacheTTL,
			Logger: e.logger,
		})
		if err != nil {
			cancel()
			return err
		}
		e.cache = cache
	}
	if e.opts.RemoteURL != "" {
		e.remote = persist.NewRemoteBackend(e.opts.RemoteURL, e.opts.RemoteToken, persist.RemoteOptions{
			Logger: e.logger,
		})
	}
	e.monitor = identity.NewMonitor(e.opts.Provider, identity.MonitorOptions{
		Quiescence: e.opts.Quiescence,
		Logger:     e.logger,
	})
	e.orch = NewOrchestrator(OrchestratorOptions{
		Remote:       e.remote,
		Cache:        e.cache,
		IdentityWait: e.opts.IdentityWait,
		Logger:       e.logger,
	})

	e.setState(StateAwaitingIdentity)
	signals := e.monitor.Observe(ctx)
	go e.run(ctx, signals)
	return nil
}

func (e *Engine) run(ctx context.Context, signals <-chan identity.Signal) {
	defer close(e.done)

	res, err := e.orch.Restore(ctx, signals)
	if err != nil {
		// Canceled before any tier resolved; nothing was applied.
		e.logger.Debug().Err(err).Msg("restoration aborted")
		return
	}
	e.setState(StateRestoring)
	e.adopt(ctx, res, false)
	e.replayQueued()
	e.setState(StateReady)
	e.logger.Info().
		Str("identity", res.Snapshot.IdentityKey).
		Str("origin", string(res.Snapshot.Origin)).
		Int64("version", res.Version).
		Msg("session restored")

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			e.maybeReRestore(ctx, sig)
		}
	}
}

// maybeReRestore handles authentication landing after the session
// already booted on defaults or cache. The upgrade runs at most once
// per session; later flips only update the tracked signal.
func (e *Engine) maybeReRestore(ctx context.Context, sig identity.Signal) {
	e.mu.Lock()
	wasAuth := e.signal.Authenticated
	done := e.reRestored
	e.signal = sig
	e.mu.Unlock()

	if wasAuth || !sig.Authenticated || done {
		return
	}
	e.logger.Info().Str("identity", sig.IdentityKey).Msg("identity established after boot, re-restoring")
	res := e.orch.Resolve(ctx, sig)
	e.mu.Lock()
	e.reRestored = true
	e.mu.Unlock()
	e.teardownSync()
	e.adopt(ctx, res, true)
}

// adopt installs a restoration result: seeds the store and wires the
// write-back and cross-context plumbing for the resolved identity.
// announce marks a post-boot replacement, which must reach store
// subscribers and the user rather than land silently.
func (e *Engine) adopt(ctx context.Context, res RestoreResult, announce bool) {
	if announce {
		e.store.Reset(res.Snapshot, res.Version)
		e.notify("Layout restored from your account")
	} else {
		e.store.Seed(res.Snapshot, res.Version)
	}

	remote := e.remote
	if !res.Signal.Authenticated {
		// Anonymous sessions persist locally only.
		remote = nil
	}
	sched := NewScheduler(SchedulerOptions{
		Remote:          remote,
		Cache:           e.cache,
		IdentityKey:     res.Snapshot.IdentityKey,
		Debounce:        e.opts.Debounce,
		Logger:          e.logger,
		OnConflict:      e.applyExternal,
		OnPendingChange: e.opts.OnPendingChange,
	})

	eventsURL := ""
	if res.Signal.Authenticated {
		eventsURL = e.opts.EventsURL
	}
	cross := NewCrossSync(CrossSyncOptions{
		Cache:       e.cache,
		IdentityKey: res.Snapshot.IdentityKey,
		WriterID:    e.opts.WriterID,
		EventsURL:   eventsURL,
		Token:       e.opts.RemoteToken,
		Logger:      e.logger,
		Apply:       e.applyExternal,
	})
	if e.cache != nil || eventsURL != "" {
		if err := cross.Start(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("cross-context sync unavailable")
			cross = nil
		}
	} else {
		cross = nil
	}

	e.mu.Lock()
	e.signal = res.Signal
	e.sched = sched
	e.cross = cross
	e.mu.Unlock()

	if res.Repush != nil {
		// Local edits outran the remote while it was unreachable; push
		// the arbitrated winner back immediately.
		sched.Schedule(*res.Repush)
		sched.Flush()
	}
}

func (e *Engine) teardownSync() {
	e.mu.Lock()
	sched := e.sched
	cross := e.cross
	e.sched = nil
	e.cross = nil
	e.mu.Unlock()
	if sched != nil {
		sched.Flush()
		sched.Close()
	}
	if cross != nil {
		cross.Close()
	}
}

func (e *Engine) replayQueued() {
	e.mu.Lock()
	queued := e.queued
	e.queued = nil
	e.mu.Unlock()
	for _, fn := range queued {
		if err := fn(e.store); err != nil {
			e.logger.Warn().Err(err).Msg("queued mutation rejected on replay")
		}
	}
}

// onStoreChange schedules write-back for locally-originated mutations.
// Wholesale replacements are either externally sourced or explicitly
// re-pushed by their own path, so they never re-enter the scheduler
// here.
func (e *Engine) onStoreChange(ev layout.Event) {
	if ev.External || ev.Type == layout.EventReplaced {
		return
	}
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return
	}
	sched.Schedule(e.store.Record())
}

// applyExternal arbitrates an externally-originated record against the
// current layout and swaps it in if it wins.
func (e *Engine) applyExternal(rec layout.Record) {
	local := e.store.Record()
	winner, incomingWon := layout.Merge(local, rec)
	if !incomingWon {
		e.logger.Debug().
			Int64("localVersion", local.Version).
			Int64("incomingVersion", rec.Version).
			Msg("external record lost arbitration")
		return
	}
	e.store.Replace(winner, true)
	e.notify("Layout updated in another window")
}

func (e *Engine) notify(message string) {
	if e.opts.Notify != nil {
		e.opts.Notify(message)
	}
}

// Mutate runs fn against the layout store. Before the session is Ready
// the mutation is queued and replayed, in order, after restoration; the
// queued form always returns nil since validation happens at replay.
func (e *Engine) Mutate(fn func(*layout.Store) error) error {
	e.mu.Lock()
	if e.state != StateReady && e.state != StateMutating {
		e.queued = append(e.queued, fn)
		e.mu.Unlock()
		return nil
	}
	e.state = StateMutating
	e.mu.Unlock()

	err := fn(e.store)

	e.mu.Lock()
	e.state = StateReady
	e.mu.Unlock()
	return err
}

func (e *Engine) AddTab(tab layout.TabConfig) error {
	return e.Mutate(func(s *layout.Store) error { return s.AddTab(tab) })
}

func (e *Engine) RemoveTab(id string) error {
	return e.Mutate(func(s *layout.Store) error { return s.RemoveTab(id) })
}

func (e *Engine) ReorderTabs(ids []string) error {
	return e.Mutate(func(s *layout.Store) error { return s.ReorderTabs(ids) })
}

func (e *Engine) SetActiveTab(id string) error {
	return e.Mutate(func(s *layout.Store) error { return s.SetActiveTab(id) })
}

func (e *Engine) UpsertComponent(tabID string, comp layout.ComponentInstance) error {
	return e.Mutate(func(s *layout.Store) error { return s.UpsertComponent(tabID, comp) })
}

func (e *Engine) RemoveComponent(tabID, componentID string) error {
	return e.Mutate(func(s *layout.Store) error { return s.RemoveComponent(tabID, componentID) })
}

func (e *Engine) SetEditMode(tabID string, on bool) error {
	return e.Mutate(func(s *layout.Store) error { return s.SetEditMode(tabID, on) })
}

func (e *Engine) Snapshot() layout.Snapshot {
	return e.store.Snapshot()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingSync reports whether local changes have not yet been confirmed
// by the remote store.
func (e *Engine) PendingSync() bool {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return false
	}
	return sched.PendingSync()
}

// Flush forces any debounced write-back to run now and waits for it.
func (e *Engine) Flush() {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched != nil {
		sched.Flush()
	}
}

// Close flushes pending writes and stops all background work.
func (e *Engine) Close() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.teardownSync()
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}
