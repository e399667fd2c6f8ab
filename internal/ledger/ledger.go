// Package ledger records human verdicts on match results. Records are
// append-only and never feed back into matching; a relabel only changes the
// gallery and lets the next rebuild pick it up.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/metrics"
	"github.com/kozaktomas/facegallery/internal/recognition"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

var (
	// ErrInvalidVerdict is returned for verdicts Record does not accept.
	ErrInvalidVerdict = errors.New("invalid verdict")
	// ErrInvalidPerson is returned when a relabel names no usable person.
	ErrInvalidPerson = errors.New("invalid person")
)

// Ledger appends confirmations and applies relabels.
type Ledger struct {
	store      database.ConfirmationStore
	workspaces workspace.Opener
	rebuilds   workspace.RebuildRequester
}

// New creates a ledger. rebuilds may be nil, in which case relabels only
// invalidate and the next explicit rebuild recomputes.
func New(store database.ConfirmationStore, workspaces workspace.Opener, rebuilds workspace.RebuildRequester) *Ledger {
	return &Ledger{store: store, workspaces: workspaces, rebuilds: rebuilds}
}

// Record appends a correct or incorrect verdict for result and returns the
// record id.
func (l *Ledger) Record(ctx context.Context, userID string, result recognition.MatchResult, verdict database.Verdict) (string, error) {
	switch verdict {
	case database.VerdictCorrect, database.VerdictIncorrect:
	case database.VerdictRelabeled:
		return "", fmt.Errorf("%w: use relabel to name the correct person", ErrInvalidVerdict)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVerdict, verdict)
	}
	if result.Person == "" {
		return "", fmt.Errorf("%w: result has no person", ErrInvalidPerson)
	}

	c := newConfirmation(userID, result, verdict)
	if err := l.store.AppendConfirmation(ctx, c); err != nil {
		return "", fmt.Errorf("record confirmation: %w", err)
	}
	metrics.Confirmations.WithLabelValues(string(verdict)).Inc()
	logging.Ctx(ctx).Info().Str("user", userID).Str("id", c.ID).Str("person", result.Person).
		Str("verdict", string(verdict)).Msg("confirmation recorded")
	return c.ID, nil
}

// RelabelOption customizes a single relabel.
type RelabelOption func(*relabelOptions)

type relabelOptions struct {
	keepReference bool
}

// KeepReference records the relabel without touching the gallery. Use it
// when the reference image is filed correctly and only the query face was
// misidentified.
func KeepReference() RelabelOption {
	return func(o *relabelOptions) { o.keepReference = true }
}

// Relabel records that result should have been correctPerson. By default the
// reference image the result matched is treated as the mislabeled one: it is
// moved to correctPerson, its cache entry invalidated and a background
// rebuild requested. KeepReference skips the move.
//
// A result whose reference image has left the gallery since recognition
// yields facerr.ErrStaleSnapshotRace and records nothing.
func (l *Ledger) Relabel(ctx context.Context, userID string, result recognition.MatchResult, correctPerson string, opts ...RelabelOption) (string, error) {
	correctPerson = strings.Join(strings.Fields(correctPerson), " ")
	if correctPerson == "" || strings.EqualFold(correctPerson, constants.UnknownPerson) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPerson, correctPerson)
	}
	var o relabelOptions
	for _, opt := range opts {
		opt(&o)
	}

	var ws *workspace.Workspace
	if result.ImageID != "" && !o.keepReference {
		var err error
		if ws, err = l.workspaces.Get(ctx, userID); err != nil {
			return "", fmt.Errorf("relabel: %w", err)
		}
		if _, err := ws.Gallery.Image(ctx, result.ImageID); err != nil {
			if errors.Is(err, gallery.ErrImageNotFound) {
				return "", facerr.New(facerr.KindStaleSnapshotRace, "ledger.relabel", err).WithSubject(result.ImageID)
			}
			return "", fmt.Errorf("relabel: %w", err)
		}
	}

	c := newConfirmation(userID, result, database.VerdictRelabeled)
	c.CorrectedPerson = correctPerson
	if err := l.store.AppendConfirmation(ctx, c); err != nil {
		return "", fmt.Errorf("record relabel: %w", err)
	}
	metrics.Confirmations.WithLabelValues(string(database.VerdictRelabeled)).Inc()

	log := logging.Ctx(ctx).With().Str("user", userID).Str("id", c.ID).Str("from", result.Person).
		Str("to", correctPerson).Logger()
	if ws == nil {
		log.Info().Bool("keep_reference", o.keepReference).Msg("relabel recorded, gallery unchanged")
		return c.ID, nil
	}

	moved, err := ws.Gallery.MoveImage(ctx, result.ImageID, correctPerson)
	if err != nil {
		if errors.Is(err, gallery.ErrImageNotFound) {
			return c.ID, facerr.New(facerr.KindStaleSnapshotRace, "ledger.relabel", err).WithSubject(result.ImageID)
		}
		return c.ID, fmt.Errorf("move reference image: %w", err)
	}
	ws.Cache.Invalidate(moved.ID)
	if l.rebuilds != nil {
		l.rebuilds.Schedule(userID)
	}
	log.Info().Str("image_id", moved.ID).Msg("reference image relabeled")
	return c.ID, nil
}

// History returns a user's records newest first, optionally only those
// naming person. limit <= 0 uses the default.
func (l *Ledger) History(ctx context.Context, userID, person string, limit int) ([]database.Confirmation, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}
	records, err := l.store.Confirmations(ctx, userID, strings.TrimSpace(person), limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return records, nil
}

// All returns every record of a user newest first, for exports.
func (l *Ledger) All(ctx context.Context, userID, person string) ([]database.Confirmation, error) {
	records, err := l.store.Confirmations(ctx, userID, strings.TrimSpace(person), 0)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return records, nil
}

// Count returns the number of records of a user.
func (l *Ledger) Count(ctx context.Context, userID string) (int, error) {
	return l.store.CountConfirmations(ctx, userID)
}

func newConfirmation(userID string, r recognition.MatchResult, verdict database.Verdict) *database.Confirmation {
	person := r.Person
	if person == "" {
		person = constants.UnknownPerson
	}
	return &database.Confirmation{
		ID:         uuid.NewString(),
		UserID:     userID,
		FaceIndex:  r.FaceIndex,
		BBox:       r.BBox,
		Person:     person,
		ImageID:    r.ImageID,
		Distance:   r.Distance,
		Confidence: r.Confidence,
		Verdict:    verdict,
		Embedding:  r.Embedding,
	}
}
