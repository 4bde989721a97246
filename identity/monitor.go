// Package identity wraps the identity-provider client behind a debounced,
// stabilized signal so callers never act on the provider's premature
// startup state.
package identity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Signal is the monitor's stabilized view of the provider. A value is
// considered stable once two consecutive samples separated by the
// quiescence window agree. Degraded marks a best-known value emitted after
// the bounded retry budget ran out without agreement.
type Signal struct {
	IdentityKey   string
	Authenticated bool
	StableSince   time.Time
	Degraded      bool
}

// Provider is the identity-SDK boundary. Tokens are never interpreted
// here; only the presence of an active identity matters.
type Provider interface {
	// ActiveIdentities lists currently authenticated identity keys. An
	// error means the SDK itself is unavailable (never initialized), a
	// fatal-for-this-boot but recoverable condition.
	ActiveIdentities(ctx context.Context) ([]string, error)
	// OnChange registers a callback fired whenever provider state flips,
	// e.g. asynchronous credential restoration completing after the UI
	// has rendered.
	OnChange(func())
}

const (
	DefaultQuiescence = 100 * time.Millisecond
	// DefaultMaxCycles bounds re-sampling when consecutive samples keep
	// disagreeing.
	DefaultMaxCycles = 2
)

type MonitorOptions struct {
	Quiescence time.Duration
	MaxCycles  int
	Logger     zerolog.Logger
}

type Monitor struct {
	provider   Provider
	quiescence time.Duration
	maxCycles  int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewMonitor(provider Provider, opts MonitorOptions) *Monitor {
	quiescence := opts.Quiescence
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	maxCycles := opts.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Monitor{
		provider:   provider,
		quiescence: quiescence,
		maxCycles:  maxCycles,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

type sample struct {
	identityKey   string
	authenticated bool
	ok            bool
}

// Observe emits a stabilized signal, then a fresh one after every provider
// change notification, until ctx is done. The channel is closed on ctx
// cancellation. The first emission never reports unauthenticated as final
// before the quiescence protocol has run: the provider is sampled once at
// call time and again after the quiescence window, and a signal is emitted
// only once both samples agree (or the bounded retry budget is spent).
func (m *Monitor) Observe(ctx context.Context) <-chan Signal {
	out := make(chan Signal, 1)
	changed := make(chan struct{}, 1)
	if m.provider != nil {
		m.provider.OnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}
	go func() {
		defer close(out)
		for {
			signal, ok := m.stabilize(ctx)
			if !ok {
				return
			}
			select {
			case out <- signal:
			case <-ctx.Done():
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *Monitor) stabilize(ctx context.Context) (Signal, bool) {
	if m.provider == nil {
		// SDK never initialized: one delay, no retries, then the
		// unauthenticated signal.
		if err := sleepCtx(ctx, m.quiescence); err != nil {
			return Signal{}, false
		}
		m.logger.Warn().Msg("identity provider unavailable, reporting unauthenticated")
		return Signal{StableSince: m.now(), Degraded: true}, true
	}

	prev := m.sample(ctx)
	if !prev.ok {
		if err := sleepCtx(ctx, m.quiescence); err != nil {
			return Signal{}, false
		}
		m.logger.Warn().Msg("identity provider errored, reporting unauthenticated")
		return Signal{StableSince: m.now(), Degraded: true}, true
	}

	for cycle := 0; cycle < m.maxCycles; cycle++ {
		if err := sleepCtx(ctx, m.quiescence); err != nil {
			return Signal{}, false
		}
		next := m.sample(ctx)
		if next.ok && next == prev {
			return Signal{
				IdentityKey:   next.identityKey,
				Authenticated: next.authenticated,
				StableSince:   m.now(),
			}, true
		}
		if next.ok {
			prev = next
		}
	}
	// Samples never settled; emit the best-known value and flag the
	// reduced confidence.
	m.logger.Warn().
		Str("identity", prev.identityKey).
		Bool("authenticated", prev.authenticated).
		Msg("identity signal did not stabilize within retry budget")
	return Signal{
		IdentityKey:   prev.identityKey,
		Authenticated: prev.authenticated,
		StableSince:   m.now(),
		Degraded:      true,
	}, true
}

func (m *Monitor) sample(ctx context.Context) sample {
	identities, err := m.provider.ActiveIdentities(ctx)
	if err != nil {
		return sample{}
	}
	if len(identities) == 0 {
		return sample{ok: true}
	}
	return sample{identityKey: identities[0], authenticated: true, ok: true}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
