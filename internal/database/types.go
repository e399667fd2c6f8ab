package database

import (
	"time"
)

// Account is a registered user. ID is the user_id that scopes every gallery,
// cache and ledger operation.
type Account struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Verdict is a human judgement on a match result.
type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
	VerdictRelabeled Verdict = "relabeled"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictCorrect, VerdictIncorrect, VerdictRelabeled:
		return true
	}
	return false
}

// Confirmation is an immutable ledger row: a match result plus the verdict.
type Confirmation struct {
	ID              string
	UserID          string
	FaceIndex       int
	BBox            []float64 // [x1, y1, x2, y2] in query pixels
	Person          string    // person reported by recognition, or "unknown"
	ImageID         string    // nearest reference image, may be empty
	Distance        float64
	Confidence      float64
	Verdict         Verdict
	CorrectedPerson string    // set for relabeled verdicts
	Embedding       []float32 // query face embedding, may be empty
	CreatedAt       time.Time
}

// StoredSession is a web session persisted across restarts.
type StoredSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}
