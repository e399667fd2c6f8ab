// Package workspace owns the per-user gallery and encoding cache pairs and
// the background work that keeps caches current.
package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/facegallery/internal/embedder"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/logging"
)

// Workspace is one user's gallery and cache.
type Workspace struct {
	UserID  string
	Gallery *gallery.Store
	Cache   *facecache.Cache
}

// Rebuild brings the cache in line with the gallery.
func (w *Workspace) Rebuild(ctx context.Context, opts ...facecache.RebuildOption) (facecache.Result, error) {
	return w.Cache.Rebuild(ctx, w.Gallery, opts...)
}

// Options configures a Manager.
type Options struct {
	GalleryRoot  string
	Store        facecache.DocumentStore
	Embedder     embedder.Embedder
	Concurrency  int
	ImageTimeout time.Duration
	MaxImageSize int
}

type entry struct {
	ready chan struct{}
	ws    *Workspace
	err   error
}

// Manager hands out workspaces, opening each on first use. The map lock is
// only held for lookup and insertion; opening runs outside it.
type Manager struct {
	opts Options

	mu        sync.Mutex
	entries   map[string]*entry
	rebuilder RebuildRequester
}

// NewManager creates a workspace manager.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, entries: make(map[string]*entry)}
}

// SetRebuildRequester makes the manager ask r for a rebuild whenever it
// opens a workspace whose persisted cache had to be discarded.
func (m *Manager) SetRebuildRequester(r RebuildRequester) {
	m.mu.Lock()
	m.rebuilder = r
	m.mu.Unlock()
}

// Get returns the workspace of userID, opening its gallery and loading its
// persisted cache the first time. Concurrent first calls share one open.
func (m *Manager) Get(ctx context.Context, userID string) (*Workspace, error) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		m.entries[userID] = e
	}
	m.mu.Unlock()

	if !ok {
		e.ws, e.err = m.open(ctx, userID)
		if e.err != nil {
			m.mu.Lock()
			delete(m.entries, userID)
			m.mu.Unlock()
		}
		close(e.ready)
		return e.ws, e.err
	}

	select {
	case <-e.ready:
		return e.ws, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) open(ctx context.Context, userID string) (*Workspace, error) {
	g, err := gallery.Open(m.opts.GalleryRoot, userID)
	if err != nil {
		return nil, fmt.Errorf("open gallery: %w", err)
	}
	c := facecache.New(facecache.Options{
		UserID:       userID,
		Store:        m.opts.Store,
		Embedder:     m.opts.Embedder,
		Concurrency:  m.opts.Concurrency,
		ImageTimeout: m.opts.ImageTimeout,
		MaxImageSize: m.opts.MaxImageSize,
	})
	if err := c.Load(ctx); err != nil {
		return nil, fmt.Errorf("load encoding cache: %w", err)
	}
	if c.NeedsRebuild() {
		m.mu.Lock()
		r := m.rebuilder
		m.mu.Unlock()
		if r != nil {
			r.Schedule(userID)
			logging.Ctx(ctx).Info().Str("user", userID).Msg("scheduled full rebuild of discarded encoding cache")
		}
	}
	return &Workspace{UserID: userID, Gallery: g, Cache: c}, nil
}

// Users returns the users with an open workspace, sorted.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				users = append(users, id)
			}
		default:
		}
	}
	sort.Strings(users)
	return users
}
