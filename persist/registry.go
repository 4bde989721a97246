package persist

import (
	"fmt"
	"strings"
	"sync"
)

// BackendFactory builds a Backend from a DSN with the factory's scheme
// stripped of nothing -- the full DSN is passed through.
type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory maps a DSN scheme (e.g. "postgres") to a factory.
// Later registrations for the same scheme win.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// OpenBackend dispatches a DSN to its registered factory by scheme.
// Supported out of the box: mem:, file:, postgres://, http://, https://.
func OpenBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: backend dsn is required", ErrInvalidInput)
	}
	scheme := dsn
	if idx := strings.Index(dsn, ":"); idx >= 0 {
		scheme = dsn[:idx]
	}
	factory, ok := lookupBackendFactory(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend scheme %q", ErrInvalidInput, scheme)
	}
	return factory(dsn)
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func init() {
	RegisterBackendFactory("mem", func(string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	RegisterBackendFactory("file", func(dsn string) (Backend, error) {
		return NewFileBackend(strings.TrimPrefix(dsn, "file:"))
	})
	RegisterBackendFactory("postgres", func(dsn string) (Backend, error) {
		return NewPostgresBackend(dsn)
	})
	httpFactory := func(dsn string) (Backend, error) {
		return NewRemoteBackend(dsn, "", RemoteOptions{}), nil
	}
	RegisterBackendFactory("http", httpFactory)
	RegisterBackendFactory("https", httpFactory)
}
