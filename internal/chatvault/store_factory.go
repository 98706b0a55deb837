package chatvault

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(ctx context.Context, dsn string, opts StoreOptions) (Store, error)
type RestoreQueueFactory func(dsn string, capacity int) (RestoreQueue, error)

var factoryRegistry = struct {
	mu     sync.RWMutex
	stores map[string]StoreFactory
	queues map[string]RestoreQueueFactory
}{
	stores: map[string]StoreFactory{},
	queues: map[string]RestoreQueueFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.stores[scheme] = factory
}

func RegisterRestoreQueueFactory(scheme string, factory RestoreQueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.queues[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.stores[scheme]
	return factory, ok
}

func lookupRestoreQueueFactory(scheme string) (RestoreQueueFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.queues[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// OpenStore builds the canonical store named by dsn. A bare path or a
// file:// or sqlite:// URL selects sqlite, memory:// an in-memory sqlite
// database, and postgres:// a postgres server.
func OpenStore(ctx context.Context, dsn string, opts StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(ctx, dsn, opts)
	}
	switch scheme {
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLiteStore(ctx, path, opts)
	case "memory", "mem", "inmem":
		return OpenMemoryStore(ctx, opts)
	case "postgres", "postgresql":
		return OpenPostgresStore(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidConfig, scheme)
	}
}

func OpenRestoreQueue(dsn string, capacity int) (RestoreQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRestoreQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRestoreQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryRestoreQueue(capacity), nil
	default:
		return nil, fmt.Errorf("unsupported restore queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
