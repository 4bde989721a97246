package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

const (
	DefaultDebounce          = 750 * time.Millisecond
	DefaultWriteAttempts     = 3
	defaultWriteBaseDelay    = 100 * time.Millisecond
	defaultWriteMaxDelay     = 2 * time.Second
	defaultRemoteWriteBudget = 10 * time.Second
)

type SchedulerOptions struct {
	// Remote is nil for anonymous sessions; the cache is then the only
	// write target.
	Remote      persist.Backend
	Cache       *persist.DiskCache
	IdentityKey string
	Debounce    time.Duration
	// MaxAttempts bounds remote retries per flush before the record is
	// left pending-sync.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      zerolog.Logger
	// OnConflict receives the remote's current record when a write loses
	// version arbitration.
	OnConflict func(current layout.Record)
	// OnPendingChange observes the pending-sync indicator for the UI's
	// non-blocking "changes pending sync" affordance.
	OnPendingChange func(pending bool)
}

// Scheduler debounces bursts of store mutations into one remote write,
// while the local cache absorbs every mutation immediately. A remote
// failure never blocks further edits: after the retry budget the record
// stays pending-sync and the next write or next boot reconciles it.
type Scheduler struct {
	remote      persist.Backend
	cache       *persist.DiskCache
	identityKey string
	debounce    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      zerolog.Logger
	onConflict  func(layout.Record)
	onPending   func(bool)

	mu       sync.Mutex
	timer    *time.Timer
	queued   layout.Record
	hasWork  bool
	pending  bool
	closed   bool
	closedCh chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultWriteAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultWriteBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultWriteMaxDelay
	}
	return &Scheduler{
		remote:      opts.Remote,
		cache:       opts.Cache,
		identityKey: opts.IdentityKey,
		debounce:    debounce,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      opts.Logger,
		onConflict:  opts.OnConflict,
		onPending:   opts.OnPendingChange,
		closedCh:    make(chan struct{}),
	}
}

// Schedule persists the record to the local cache immediately and arms the
// debounce window for the remote write.
func (s *Scheduler) Schedule(rec layout.Record) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cache != nil {
		entry := persist.CacheEntry{Record: rec, PendingSync: s.remote != nil}
		if err := s.cache.WriteEntry(s.identityKey, entry); err != nil {
			s.logger.Warn().Err(err).Msg("local cache write failed")
		}
	}
	if s.remote == nil {
		s.mu.Unlock()
		return
	}
	s.queued = rec
	s.hasWork = true
	s.setPendingLocked(true)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
	s.mu.Unlock()
}

// Flush short-circuits the debounce window and pushes any queued record
// now. Used on shutdown and for boot-time re-pushes of pending records.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.fire()
	s.wg.Wait()
}

// PendingSync reports whether local edits are awaiting remote
// confirmation.
func (s *Scheduler) PendingSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.closedCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.hasWork || s.remote == nil {
		s.mu.Unlock()
		return
	}
	rec := s.queued
	s.hasWork = false
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRemoteWriteBudget)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.remote.Write(ctx, s.identityKey, rec)
		if err == nil {
			s.confirm(rec)
			return
		}
		var conflict *persist.VersionConflictError
		if errors.As(err, &conflict) {
			// Arbitration loss is not retryable; hand the remote's
			// current record to the resolver.
			s.mu.Lock()
			s.setPendingLocked(false)
			s.mu.Unlock()
			if s.onConflict != nil {
				s.onConflict(conflict.Current)
			}
			return
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		delay := s.backoff(attempt)
		select {
		case <-time.After(delay):
		case <-s.closedCh:
			return
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = s.maxAttempts
		}
	}
	// Record stays pending-sync in the cache; the next successful write
	// or the next boot's restoration pass reconciles it.
	s.logger.Warn().
		Err(lastErr).
		Int64("version", rec.Version).
		Int("attempts", s.maxAttempts).
		Msg("remote write-back exhausted retries, record marked pending-sync")
}

func (s *Scheduler) confirm(rec layout.Record) {
	if s.cache != nil {
		if err := s.cache.MarkSynced(s.identityKey, rec.Version); err != nil && !errors.Is(err, persist.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("failed to clear pending-sync flag")
		}
	}
	s.mu.Lock()
	// A newer mutation may have been queued while this flush ran; keep
	// the indicator on until that one confirms too.
	if !s.hasWork {
		s.setPendingLocked(false)
	}
	s.mu.Unlock()
	s.logger.Debug().Int64("version", rec.Version).Msg("remote write-back confirmed")
}

func (s *Scheduler) setPendingLocked(pending bool) {
	if s.pending == pending {
		return
	}
	s.pending = pending
	if s.onPending != nil {
		go s.onPending(pending)
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}
