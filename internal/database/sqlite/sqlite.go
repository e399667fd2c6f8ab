// Package sqlite is the embedded single-node backend (modernc.org/sqlite,
// no cgo). URL form: sqlite://<path>, or sqlite://:memory: for tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/database/sqlstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	database.RegisterBackend("sqlite", func(ctx context.Context, dsn string, opts database.Options) (database.Backend, error) {
		return Open(ctx, dsn, opts)
	})
}

// Dialect returns the SQLite dialect.
func Dialect() sqlstore.Dialect {
	migrations, _ := fs.Sub(migrationsFS, "migrations")
	return sqlstore.Dialect{
		Name:       "sqlite",
		Migrations: migrations,
		UpsertSession: `
			INSERT INTO sessions (id, user_id, created_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				user_id = excluded.user_id,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at`,
		IsDuplicate: isDuplicate,
	}
}

func isDuplicate(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string, opts database.Options) (*sqlstore.Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)
	opts.MaxOpenConns = 1
	sqlstore.ConfigurePool(db, opts)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return sqlstore.New(db, Dialect()), nil
}
