// Package postgres is the networked backend (lib/pq). Query embeddings in
// the ledger are stored in a pgvector column.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/database/sqlstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	database.RegisterBackend("postgres", func(ctx context.Context, dsn string, opts database.Options) (database.Backend, error) {
		return NewPool(ctx, dsn, opts)
	})
}

// Dialect returns the PostgreSQL dialect.
func Dialect() sqlstore.Dialect {
	migrations, _ := fs.Sub(migrationsFS, "migrations")
	return sqlstore.Dialect{
		Name:       "postgres",
		Numbered:   true,
		Migrations: migrations,
		UpsertSession: `
			INSERT INTO sessions (id, user_id, created_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at`,
		IsDuplicate: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
		EncodeVector: func(v []float32) any {
			return pgvector.NewVector(v)
		},
		VectorScanner: func() (any, func() []float32) {
			var v nullVector
			return &v, func() []float32 {
				if !v.valid {
					return nil
				}
				return v.vec.Slice()
			}
		},
	}
}

// nullVector scans a nullable vector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

// NewPool creates a new PostgreSQL connection pool.
func NewPool(ctx context.Context, url string, opts database.Options) (*sqlstore.Store, error) {
	if url == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlstore.ConfigurePool(db, opts)

	// Verify connection.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return sqlstore.New(db, Dialect()), nil
}
