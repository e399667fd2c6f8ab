package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kozaktomas/facegallery/internal/database"
)

// Store implements database.Backend over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ database.Backend = (*Store)(nil)

// New wraps an open connection pool.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// ConfigurePool applies the shared pool settings.
func ConfigurePool(db *sql.DB, opts database.Options) {
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	lifetime := opts.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)
}

// DB returns the underlying sql.DB for direct access.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Name() string { return s.dialect.Name }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.Name, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

func (s *Store) Sessions() database.SessionStore { return &sessionRepository{s: s} }

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// utc drops the monotonic reading and sub-second precision so all
// backends compare and round-trip timestamps identically.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, a *database.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.CreatedAt = utc(a.CreatedAt)
	_, err := s.exec(ctx,
		"INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		a.ID, a.Username, a.PasswordHash, a.CreatedAt)
	if err != nil {
		if s.dialect.IsDuplicate != nil && s.dialect.IsDuplicate(err) {
			return fmt.Errorf("create account %q: %w", a.Username, database.ErrDuplicate)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *Store) AccountByUsername(ctx context.Context, username string) (*database.Account, error) {
	return s.account(ctx, "username", username)
}

func (s *Store) AccountByID(ctx context.Context, id string) (*database.Account, error) {
	return s.account(ctx, "id", id)
}

func (s *Store) account(ctx context.Context, column, value string) (*database.Account, error) {
	var a database.Account
	err := s.queryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE "+column+" = ?", value).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// Confirmations

func (s *Store) AppendConfirmation(ctx context.Context, c *database.Confirmation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.CreatedAt = utc(c.CreatedAt)
	bbox, err := json.Marshal(c.BBox)
	if err != nil {
		return fmt.Errorf("encode bbox: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO confirmations (
			id, user_id, face_index, bbox, person, image_id, distance, confidence,
			verdict, corrected_person, embedding, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.FaceIndex, string(bbox), c.Person, nullString(c.ImageID), c.Distance, c.Confidence,
		string(c.Verdict), nullString(c.CorrectedPerson), s.dialect.encodeVector(c.Embedding), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("append confirmation: %w", err)
	}
	return nil
}

func (s *Store) Confirmations(ctx context.Context, userID, person string, limit int) ([]database.Confirmation, error) {
	q := `
		SELECT id, user_id, face_index, bbox, person, image_id, distance, confidence,
			verdict, corrected_person, embedding, created_at
		FROM confirmations
		WHERE user_id = ?`
	args := []any{userID}
	if person != "" {
		q += " AND (person = ? OR corrected_person = ?)"
		args = append(args, person, person)
	}
	q += " ORDER BY seq DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query confirmations: %w", err)
	}
	defer rows.Close()

	var out []database.Confirmation
	for rows.Next() {
		var (
			c         database.Confirmation
			bbox      string
			imageID   sql.NullString
			corrected sql.NullString
			verdict   string
		)
		vecDest, vec := s.dialect.vectorScanner()
		if err := rows.Scan(&c.ID, &c.UserID, &c.FaceIndex, &bbox, &c.Person, &imageID, &c.Distance, &c.Confidence,
			&verdict, &corrected, vecDest, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		if bbox != "" && bbox != "null" {
			if err := json.Unmarshal([]byte(bbox), &c.BBox); err != nil {
				return nil, fmt.Errorf("decode bbox of %s: %w", c.ID, err)
			}
		}
		c.ImageID = imageID.String
		c.CorrectedPerson = corrected.String
		c.Verdict = database.Verdict(verdict)
		c.Embedding = vec()
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confirmations: %w", err)
	}
	return out, nil
}

func (s *Store) CountConfirmations(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM confirmations WHERE user_id = ?", userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count confirmations: %w", err)
	}
	return n, nil
}

// sessionRepository provides session storage on the same pool
type sessionRepository struct {
	s *Store
}

// Save stores a session in the database
func (r *sessionRepository) Save(ctx context.Context, sess database.StoredSession) error {
	_, err := r.s.exec(ctx, r.s.dialect.UpsertSession, sess.ID, sess.UserID, utc(sess.CreatedAt), utc(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, returns nil if not found or expired
func (r *sessionRepository) Get(ctx context.Context, sessionID string) (*database.StoredSession, error) {
	var sess database.StoredSession
	err := r.s.queryRow(ctx,
		"SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ? AND expires_at > ?",
		sessionID, utc(r.s.now())).
		Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	return &sess, nil
}

// Delete removes a session from the database
func (r *sessionRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.s.exec(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes all expired sessions and returns the count deleted
func (r *sessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.s.exec(ctx, "DELETE FROM sessions WHERE expires_at <= ?", utc(r.s.now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return count, nil
}
