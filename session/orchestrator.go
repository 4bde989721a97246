// Package session ties the identity monitor, persistence tiers, and
// layout store into the boot-time restoration engine.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/layoutsync/identity"
	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

// DefaultIdentityWait bounds the stability wait so a hung identity
// provider cannot stall restoration indefinitely.
const DefaultIdentityWait = 5 * time.Second

// RestoreResult is the single canonical outcome of one boot's restoration
// pass. Exactly one is produced per boot.
type RestoreResult struct {
	Snapshot layout.Snapshot
	// Version seeds the store's optimistic-concurrency counter.
	Version int64
	Signal  identity.Signal
	// Repush carries a fresh pending-sync cache record that beat the
	// remote store in arbitration and must be pushed back immediately.
	Repush *layout.Record
}

type OrchestratorOptions struct {
	// Remote is nil when no cross-device authority is configured.
	Remote persist.Backend
	// Cache is nil when device-local caching is disabled.
	Cache        *persist.DiskCache
	IdentityWait time.Duration
	Logger       zerolog.Logger
}

// Orchestrator resolves, once per boot, which persisted layout is active.
// Every backend failure is downgraded to a fallback decision; restoration
// itself never fails, it only degrades toward defaults.
type Orchestrator struct {
	remote       persist.Backend
	cache        *persist.DiskCache
	defaults     *persist.DefaultsBackend
	identityWait time.Duration
	logger       zerolog.Logger
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	identityWait := opts.IdentityWait
	if identityWait <= 0 {
		identityWait = DefaultIdentityWait
	}
	return &Orchestrator{
		remote:       opts.Remote,
		cache:        opts.Cache,
		defaults:     persist.NewDefaultsBackend(),
		identityWait: identityWait,
		logger:       opts.Logger,
	}
}

// Restore awaits the first stable identity signal on signals, then walks
// the persistence tiers in strict priority order. It returns an error only
// when ctx is cancelled mid-restoration, in which case no layout has been
// populated (all-or-nothing per boot).
func (o *Orchestrator) Restore(ctx context.Context, signals <-chan identity.Signal) (RestoreResult, error) {
	waitTimer := time.NewTimer(o.identityWait)
	defer waitTimer.Stop()

	var signal identity.Signal
	select {
	case sig, ok := <-signals:
		if !ok {
			return RestoreResult{}, errors.New("identity signal stream closed before stability")
		}
		signal = sig
	case <-waitTimer.C:
		// The provider never resolved within its budget; proceed
		// unauthenticated rather than hanging the boot.
		o.logger.Warn().Dur("wait", o.identityWait).Msg("identity stability wait timed out")
		signal = identity.Signal{StableSince: time.Now(), Degraded: true}
	case <-ctx.Done():
		return RestoreResult{}, ctx.Err()
	}

	result := o.Resolve(ctx, signal)
	if ctx.Err() != nil {
		return RestoreResult{}, ctx.Err()
	}
	return result, nil
}

// Resolve runs the fallback chain for an already-stabilized signal. It is
// also the entry point for the defensive re-restoration performed when
// authentication completes after a defaults boot.
func (o *Orchestrator) Resolve(ctx context.Context, signal identity.Signal) RestoreResult {
	identityKey := signal.IdentityKey
	if !signal.Authenticated {
		identityKey = ""
	}

	if signal.Authenticated && o.remote != nil {
		if result, ok := o.tryRemote(ctx, identityKey, signal); ok {
			return result
		}
	}

	if rec, ok := o.tryCache(ctx, identityKey); ok {
		return RestoreResult{
			Snapshot: layout.SnapshotFromRecord(identityKey, rec, layout.OriginLocal),
			Version:  rec.Version,
			Signal:   signal,
		}
	}

	rec, _ := o.defaults.Read(ctx, identityKey)
	o.logger.Info().Str("identity", identityKey).Msg("restoring defaults layout")
	return RestoreResult{
		Snapshot: layout.SnapshotFromRecord(identityKey, rec, layout.OriginDefault),
		Version:  rec.Version,
		Signal:   signal,
	}
}

func (o *Orchestrator) tryRemote(ctx context.Context, identityKey string, signal identity.Signal) (RestoreResult, bool) {
	rec, err := o.remote.Read(ctx, identityKey)
	switch {
	case err == nil:
		// Refresh-on-read keeps the device cache aligned with the
		// cross-device authority.
		if o.cache != nil {
			if result, adopted := o.reconcilePending(identityKey, rec, signal); adopted {
				return result, true
			}
			if writeErr := o.cache.Write(ctx, identityKey, rec); writeErr != nil {
				o.logger.Warn().Err(writeErr).Msg("failed to refresh local cache from remote")
			}
		}
		return RestoreResult{
			Snapshot: layout.SnapshotFromRecord(identityKey, rec, layout.OriginRemote),
			Version:  rec.Version,
			Signal:   signal,
		}, true
	case errors.Is(err, persist.ErrNotFound):
		// New user on the remote side. The device cache may still hold
		// unsynced edits from a previous boot, so fall through.
		o.logger.Info().Str("identity", identityKey).Msg("no remote layout for identity")
		return RestoreResult{}, false
	case errors.Is(err, persist.ErrRejected):
		o.logger.Warn().Err(err).Msg("remote store rejected credentials, falling back")
		return RestoreResult{}, false
	default:
		o.logger.Warn().Err(err).Msg("remote store unavailable, falling back")
		return RestoreResult{}, false
	}
}

// reconcilePending arbitrates a reachable remote record against a fresh
// pending-sync cache entry. Unacknowledged local edits with a higher
// version must win over the remote record they were about to supersede;
// a plain cache entry never outranks a reachable remote.
func (o *Orchestrator) reconcilePending(identityKey string, remoteRec layout.Record, signal identity.Signal) (RestoreResult, bool) {
	entry, err := o.cache.ReadEntry(identityKey)
	if err != nil || !entry.PendingSync || !o.cache.IsFresh(entry) {
		return RestoreResult{}, false
	}
	winner, remoteWon := layout.Merge(entry.Record, remoteRec)
	if remoteWon {
		return RestoreResult{}, false
	}
	o.logger.Info().
		Int64("localVersion", entry.Record.Version).
		Int64("remoteVersion", remoteRec.Version).
		Msg("pending local edits outrank remote record, re-pushing")
	repush := winner
	return RestoreResult{
		Snapshot: layout.SnapshotFromRecord(identityKey, winner, layout.OriginLocal),
		Version:  winner.Version,
		Signal:   signal,
		Repush:   &repush,
	}, true
}

func (o *Orchestrator) tryCache(ctx context.Context, identityKey string) (layout.Record, bool) {
	if o.cache == nil {
		return layout.Record{}, false
	}
	rec, err := o.cache.Read(ctx, identityKey)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, persist.ErrStale):
		o.logger.Info().Str("identity", identityKey).Msg("local cache entry is stale, ignoring")
	case errors.Is(err, persist.ErrCorrupt):
		o.logger.Warn().Str("identity", identityKey).Err(err).Msg("local cache entry is corrupt, ignoring")
	case errors.Is(err, persist.ErrNotFound):
	default:
		o.logger.Warn().Err(err).Msg("local cache read failed")
	}
	return layout.Record{}, false
}
