package workspace

import (
	"context"
	"errors"
	"sync"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/metrics"
)

// Opener resolves a user's workspace.
type Opener interface {
	Get(ctx context.Context, userID string) (*Workspace, error)
}

// Scheduler rebuilds caches in the background. A user is queued at most
// once; requests arriving while a rebuild runs queue one more pass.
type Scheduler struct {
	workspaces Opener
	queue      chan string
	onDone     func(userID string, res facecache.Result, err error)

	mu      sync.Mutex
	pending map[string]struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// OnRebuilt registers a callback run after every background rebuild.
func OnRebuilt(fn func(userID string, res facecache.Result, err error)) SchedulerOption {
	return func(s *Scheduler) { s.onDone = fn }
}

// NewScheduler creates a scheduler. Run it with Serve, usually under a
// supervisor.
func NewScheduler(workspaces Opener, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		workspaces: workspaces,
		queue:      make(chan string, constants.RebuildQueueSize),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule requests a rebuild for userID without blocking. It reports
// whether a new request was queued; false means one is already pending or
// the queue is full.
func (s *Scheduler) Schedule(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[userID]; ok {
		return false
	}
	select {
	case s.queue <- userID:
		s.pending[userID] = struct{}{}
		metrics.RebuildQueuePending.Set(float64(len(s.pending)))
		return true
	default:
		logging.Warn().Str("user", userID).Msg("rebuild queue full, dropping request")
		return false
	}
}

// Pending returns the number of queued users.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Serve processes queued rebuilds until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case userID := <-s.queue:
			s.mu.Lock()
			delete(s.pending, userID)
			metrics.RebuildQueuePending.Set(float64(len(s.pending)))
			s.mu.Unlock()
			s.run(ctx, userID)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, userID string) {
	ctx = logging.ContextWithCorrelationID(ctx, logging.NewCorrelationID())
	log := logging.Ctx(ctx)

	var res facecache.Result
	ws, err := s.workspaces.Get(ctx, userID)
	if err == nil {
		res, err = ws.Rebuild(ctx)
	}

	switch {
	case err == nil:
		log.Info().Str("user", userID).Int("updated", res.Updated).Int("removed", res.Removed).
			Int("moved", res.Moved).Int("failed", res.Failed).Msg("background rebuild finished")
	case errors.Is(err, context.Canceled):
		log.Debug().Str("user", userID).Msg("background rebuild cancelled")
	default:
		log.Error().Err(err).Str("user", userID).Msg("background rebuild failed")
	}
	if s.onDone != nil {
		s.onDone(userID, res, err)
	}
}

func (s *Scheduler) String() string { return "rebuild-scheduler" }
