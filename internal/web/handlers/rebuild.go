package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

// PendingCounter reports queued background rebuilds.
type PendingCounter interface {
	Pending() int
}

// CacheHandler handles explicit rebuild jobs and cache status.
type CacheHandler struct {
	workspaces workspace.Opener
	jobManager *JobManager
	scheduler  PendingCounter
}

// NewCacheHandler creates a new cache handler. scheduler may be nil.
func NewCacheHandler(workspaces workspace.Opener, jm *JobManager, scheduler PendingCounter) *CacheHandler {
	return &CacheHandler{
		workspaces: workspaces,
		jobManager: jm,
		scheduler:  scheduler,
	}
}

// CacheStatusResponse describes a user's cache.
type CacheStatusResponse struct {
	facecache.Stats
	PendingRebuilds int      `json:"pending_rebuilds"`
	ActiveJob       *JobView `json:"active_job,omitempty"`
}

// Status returns the statistics of the user's current snapshot
func (h *CacheHandler) Status(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	ws, err := h.workspaces.Get(r.Context(), uid)
	if err != nil {
		respondDomainError(w, r, "open workspace", err)
		return
	}

	resp := CacheStatusResponse{Stats: ws.Cache.Stats()}
	if h.scheduler != nil {
		resp.PendingRebuilds = h.scheduler.Pending()
	}
	if job := h.jobManager.ActiveJob(uid); job != nil {
		view := job.View()
		resp.ActiveJob = &view
	}
	respondJSON(w, http.StatusOK, resp)
}

// StartRebuild starts a rebuild job, or returns the user's running one
func (h *CacheHandler) StartRebuild(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	ws, err := h.workspaces.Get(r.Context(), uid)
	if err != nil {
		respondDomainError(w, r, "open workspace", err)
		return
	}

	job, created := h.jobManager.CreateJob(uuid.New().String(), uid)
	if !created {
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":  "rebuild already running",
			"job_id": job.ID,
			"status": string(job.GetStatus()),
		})
		return
	}

	// The request context ends with this handler; the job carries the
	// correlation id forward on a fresh context.
	ctx := logging.ContextWithCorrelationID(context.Background(), logging.CorrelationID(r.Context()))
	go h.runRebuildJob(ctx, job, ws)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(JobStatusPending),
	})
}

// GetJob returns the status of a rebuild job
func (h *CacheHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.jobManager.GetJob(chi.URLParam(r, "jobId"), userID(r))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.View())
}

// Events streams job events via SSE
func (h *CacheHandler) Events(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobManager.GetJob(id, uid)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*RebuildJob).View()
		},
	)
}

// CancelJob cancels a rebuild job
func (h *CacheHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job := h.jobManager.GetJob(chi.URLParam(r, "jobId"), userID(r))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// runRebuildJob runs the rebuild in the background
func (h *CacheHandler) runRebuildJob(ctx context.Context, job *RebuildJob, ws *workspace.Workspace) {
	ctx, cancel := context.WithCancel(ctx)
	job.setCancel(cancel)
	defer cancel()

	log := logging.Ctx(ctx).With().Str("user", job.UserID).Str("job_id", job.ID).Logger()

	job.mu.Lock()
	if job.Status == JobStatusCancelled {
		job.mu.Unlock()
		job.finish(JobStatusCancelled, nil, "")
		return
	}
	job.Status = JobStatusRunning
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "started", Message: "Rebuild started"})

	start := time.Now()
	res, err := ws.Rebuild(ctx, facecache.WithProgress(func(p facecache.Progress) {
		job.setProgress(p)
		job.SendEvent(JobEvent{
			Type: "progress",
			Data: map[string]any{
				"done":     p.Done,
				"total":    p.Total,
				"image_id": p.ImageID,
			},
		})
	}))

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			job.finish(JobStatusCancelled, nil, "")
			job.SendEvent(JobEvent{Type: "cancelled", Message: "Job was cancelled"})
			log.Info().Msg("rebuild job cancelled")
			return
		}
		job.finish(JobStatusFailed, nil, err.Error())
		job.SendEvent(JobEvent{Type: "job_error", Message: err.Error()})
		log.Error().Err(err).Msg("rebuild job failed")
		return
	}

	job.finish(JobStatusCompleted, &res, "")
	job.SendEvent(JobEvent{Type: "completed", Data: res})
	log.Info().Dur("duration", time.Since(start)).Int("updated", res.Updated).Int("faces", res.Faces).
		Msg("rebuild job completed")
}
