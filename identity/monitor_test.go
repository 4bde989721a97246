package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProvider scripts a sequence of ActiveIdentities answers; the final
// answer repeats once the script runs out.
type fakeProvider struct {
	mu       sync.Mutex
	script   [][]string
	errs     []error
	calls    int
	onChange func()
}

func (p *fakeProvider) ActiveIdentities(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	return p.script[idx], nil
}

func (p *fakeProvider) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *fakeProvider) fireChange() {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func observeOne(t *testing.T, signals <-chan Signal) Signal {
	t.Helper()
	select {
	case sig := <-signals:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stabilized signal")
		return Signal{}
	}
}

func newTestMonitor(p Provider) *Monitor {
	return NewMonitor(p, MonitorOptions{Quiescence: 5 * time.Millisecond})
}

func TestObserveEmitsStableAuthenticatedSignal(t *testing.T) {
	provider := &fakeProvider{script: [][]string{{"user-1"}}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sig := observeOne(t, newTestMonitor(provider).Observe(ctx))
	if !sig.Authenticated || sig.IdentityKey != "user-1" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if sig.Degraded {
		t.Fatal("agreeing samples must not be degraded")
	}
	if sig.StableSince.IsZero() {
		t.Fatal("StableSince not stamped")
	}
}

func TestObserveWaitsOutPrematureUnauthenticatedSample(t *testing.T) {
	// First sample reports no identity (startup race); second and third
	// agree on user-1. The monitor must not emit the premature state.
	provider := &fakeProvider{script: [][]string{{}, {"user-1"}, {"user-1"}}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sig := observeOne(t, newTestMonitor(provider).Observe(ctx))
	if !sig.Authenticated || sig.IdentityKey != "user-1" {
		t.Fatalf("premature unauthenticated state leaked: %+v", sig)
	}
}

func TestObserveHoldsSignalThroughQuiescenceWindows(t *testing.T) {
	// A provider flipping unauthenticated -> authenticated inside the
	// first window costs two full windows before any signal lands: one
	// to catch the flip and one for the agreeing re-sample.
	const window = 50 * time.Millisecond
	provider := &fakeProvider{script: [][]string{{}, {"user-1"}, {"user-1"}}}
	monitor := NewMonitor(provider, MonitorOptions{Quiescence: window})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	start := time.Now()
	sig := observeOne(t, monitor.Observe(ctx))
	elapsed := time.Since(start)

	if !sig.Authenticated || sig.IdentityKey != "user-1" {
		t.Fatalf("premature state leaked: %+v", sig)
	}
	if elapsed < 2*window {
		t.Fatalf("signal emitted after %v, want at least %v", elapsed, 2*window)
	}
}

func TestObserveDegradedWhenSamplesNeverSettle(t *testing.T) {
	provider := &fakeProvider{script: [][]string{{"a"}, {"b"}, {"c"}, {"d"}}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sig := observeOne(t, newTestMonitor(provider).Observe(ctx))
	if !sig.Degraded {
		t.Fatalf("flapping samples must yield a degraded signal, got %+v", sig)
	}
	if !sig.Authenticated {
		t.Fatalf("best-known value should still carry the last sample: %+v", sig)
	}
}

func TestObserveProviderErrorReportsUnauthenticatedWithoutRetry(t *testing.T) {
	provider := &fakeProvider{
		script: [][]string{nil},
		errs:   []error{errors.New("sdk not initialized")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sig := observeOne(t, newTestMonitor(provider).Observe(ctx))
	if sig.Authenticated || !sig.Degraded {
		t.Fatalf("provider failure must report degraded unauthenticated, got %+v", sig)
	}
	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	if calls != 1 {
		t.Fatalf("provider failure must not be retried, got %d samples", calls)
	}
}

func TestObserveNilProviderReportsUnauthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sig := observeOne(t, newTestMonitor(nil).Observe(ctx))
	if sig.Authenticated || !sig.Degraded {
		t.Fatalf("nil provider must report degraded unauthenticated, got %+v", sig)
	}
}

func TestObserveReemitsAfterChangeNotification(t *testing.T) {
	provider := &fakeProvider{script: [][]string{{}}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	signals := newTestMonitor(provider).Observe(ctx)
	first := observeOne(t, signals)
	if first.Authenticated {
		t.Fatalf("expected unauthenticated first signal, got %+v", first)
	}

	// Credentials land asynchronously after boot.
	provider.mu.Lock()
	provider.script = [][]string{{"user-1"}}
	provider.calls = 0
	provider.mu.Unlock()
	provider.fireChange()

	second := observeOne(t, signals)
	if !second.Authenticated || second.IdentityKey != "user-1" {
		t.Fatalf("change notification did not refresh the signal: %+v", second)
	}
}

func TestObserveClosesOnCancel(t *testing.T) {
	provider := &fakeProvider{script: [][]string{{"user-1"}}}
	ctx, cancel := context.WithCancel(context.Background())

	signals := newTestMonitor(provider).Observe(ctx)
	observeOne(t, signals)
	cancel()

	select {
	case _, ok := <-signals:
		if ok {
			t.Fatal("expected channel close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
