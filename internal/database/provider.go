package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options are the pool settings shared by all backends.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenFunc opens a backend from a driver DSN.
type OpenFunc func(ctx context.Context, dsn string, opts Options) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]OpenFunc)
)

// RegisterBackend registers a backend constructor under a URL scheme.
// Backend packages call this from init so the core never imports them.
func RegisterBackend(scheme string, open OpenFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[scheme] = open
}

// Backends returns the registered schemes.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend registered for scheme, applies pending migrations
// and returns it.
func Open(ctx context.Context, scheme, dsn string, opts Options) (Backend, error) {
	backendsMu.RLock()
	open, ok := backends[scheme]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("database backend %q not registered (have: %s)", scheme, strings.Join(Backends(), ", "))
	}

	b, err := open(ctx, dsn, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", scheme, err)
	}
	if err := b.Migrate(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrate %s backend: %w", scheme, err)
	}
	return b, nil
}
