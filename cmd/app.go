package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/kozaktomas/facegallery/internal/config"
	"github.com/kozaktomas/facegallery/internal/database"
	_ "github.com/kozaktomas/facegallery/internal/database/mariadb"
	_ "github.com/kozaktomas/facegallery/internal/database/postgres"
	_ "github.com/kozaktomas/facegallery/internal/database/sqlite"
	"github.com/kozaktomas/facegallery/internal/embedder"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/recognition"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

// app bundles the services a command works with. Close releases them.
type app struct {
	db      database.Backend
	store   facecache.DocumentStore
	emb     *embedder.Client
	manager *workspace.Manager
}

// openDatabase opens the backend selected by the DATABASE_URL scheme.
func openDatabase(ctx context.Context, c *config.Config) (database.Backend, error) {
	scheme, dsn, err := config.SplitDatabaseURL(c.Database.URL)
	if err != nil {
		return nil, facerr.Configuration("cmd.open_database", err)
	}
	db, err := database.Open(ctx, scheme, dsn, database.Options{
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxIdleConns: c.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// openCacheStore opens the document store holding persisted encoding caches.
func openCacheStore(c *config.Config) (facecache.DocumentStore, error) {
	switch c.Cache.Backend {
	case "badger":
		store, err := facecache.OpenBadgerStore(c.Cache.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file", "":
		store, err := facecache.NewFileStore(c.Cache.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, facerr.Configuration("cmd.open_cache_store", fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
}

func newEmbedder(c *config.Config) *embedder.Client {
	return embedder.NewClient(embedder.Options{
		URL:             c.Embedding.URL,
		Dim:             c.Embedding.Dim,
		Timeout:         c.Embedding.Timeout,
		RatePerSecond:   c.Embedding.RatePerSecond,
		Burst:           c.Embedding.Burst,
		BreakerFailures: c.Embedding.BreakerFailures,
	})
}

func newEngine(c *config.Config, emb embedder.Embedder) (*recognition.Engine, error) {
	return recognition.NewEngine(emb, recognition.Options{
		Threshold: c.Match.Threshold,
		Timeout:   c.Embedding.Timeout,
	})
}

// openApp wires the database, cache store, embedder and workspaces.
func openApp(ctx context.Context, c *config.Config) (*app, error) {
	db, err := openDatabase(ctx, c)
	if err != nil {
		return nil, err
	}
	store, err := openCacheStore(c)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	emb := newEmbedder(c)
	return &app{
		db:    db,
		store: store,
		emb:   emb,
		manager: workspace.NewManager(workspace.Options{
			GalleryRoot:  c.Gallery.Root,
			Store:        store,
			Embedder:     emb,
			Concurrency:  c.Embedding.Concurrency,
			ImageTimeout: c.Embedding.Timeout,
		}),
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.db.Close())
}

// userID resolves a username to the id that scopes its gallery.
func (a *app) userID(ctx context.Context, username string) (string, error) {
	acc, err := a.db.AccountByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		return "", fmt.Errorf("unknown user %q (create it with 'facegallery user register')", username)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return acc.ID, nil
}

// workspaceFor opens the workspace of the user named by --user.
func (a *app) workspaceFor(ctx context.Context, username string) (*workspace.Workspace, error) {
	id, err := a.userID(ctx, username)
	if err != nil {
		return nil, err
	}
	ws, err := a.manager.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	return ws, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}
