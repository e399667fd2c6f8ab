package database

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("already exists")
)

// AccountStore persists user accounts
type AccountStore interface {
	// CreateAccount inserts a new account; ErrDuplicate if the username is taken
	CreateAccount(ctx context.Context, a *Account) error
	// AccountByUsername returns ErrNotFound for unknown usernames
	AccountByUsername(ctx context.Context, username string) (*Account, error)
	// AccountByID returns ErrNotFound for unknown ids
	AccountByID(ctx context.Context, id string) (*Account, error)
}

// ConfirmationStore is the append-only ledger table. There is deliberately
// no update or delete.
type ConfirmationStore interface {
	// AppendConfirmation inserts a record
	AppendConfirmation(ctx context.Context, c *Confirmation) error
	// Confirmations returns a user's records newest first. A non-empty person
	// filters on either the reported or the corrected person. limit <= 0 means no limit
	Confirmations(ctx context.Context, userID, person string, limit int) ([]Confirmation, error)
	// CountConfirmations returns the number of records of a user
	CountConfirmations(ctx context.Context, userID string) (int, error)
}

// SessionStore persists web sessions
type SessionStore interface {
	Save(ctx context.Context, s StoredSession) error
	// Get returns nil, nil for unknown or expired sessions
	Get(ctx context.Context, sessionID string) (*StoredSession, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Backend is one relational store behind all three interfaces.
type Backend interface {
	AccountStore
	ConfirmationStore
	Sessions() SessionStore
	Name() string
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
