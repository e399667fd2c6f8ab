package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/facecache"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// finishedJobRetention is how long terminal jobs stay queryable.
const finishedJobRetention = time.Hour

// RebuildJob is one explicit cache rebuild started from the API.
type RebuildJob struct {
	EventBroadcaster

	ID          string
	UserID      string
	Status      JobStatus
	Progress    int
	Total       int
	Done        int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      *facecache.Result
}

// JobView is the JSON form of a RebuildJob.
type JobView struct {
	ID          string            `json:"id"`
	Status      JobStatus         `json:"status"`
	Progress    int               `json:"progress"`
	Total       int               `json:"total"`
	Done        int               `json:"done"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      *facecache.Result `json:"result,omitempty"`
}

// GetStatus returns the current job status (implements SSEJob).
func (j *RebuildJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Cancel cancels the rebuild job. The running rebuild observes the
// cancelled context and keeps the previous snapshot.
func (j *RebuildJob) Cancel() {
	j.EventBroadcaster.Cancel()
	j.mu.Lock()
	if !isJobTerminal(j.Status) {
		j.Status = JobStatusCancelled
	}
	j.mu.Unlock()
}

// View returns a copy safe to encode while the job runs.
func (j *RebuildJob) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JobView{
		ID:          j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Total:       j.Total,
		Done:        j.Done,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
	}
}

func (j *RebuildJob) setProgress(p facecache.Progress) {
	j.mu.Lock()
	if p.Done > j.Done {
		j.Done = p.Done
	}
	j.Total = p.Total
	if p.Total > 0 {
		j.Progress = j.Done * 100 / p.Total
	}
	j.mu.Unlock()
}

func (j *RebuildJob) finish(status JobStatus, res *facecache.Result, message string) {
	now := time.Now()
	j.mu.Lock()
	if j.Status != JobStatusCancelled {
		j.Status = status
	}
	j.Result = res
	j.Error = message
	j.CompletedAt = &now
	if status == JobStatusCompleted {
		j.Progress = 100
	}
	j.mu.Unlock()
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster fans job events out to SSE listeners. Jobs embed it.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners map[chan JobEvent]struct{}
	mu        sync.RWMutex
}

func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[chan JobEvent]struct{})
	}
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners[ch] = struct{}{}
	return ch
}

// RemoveListener unregisters and closes ch. Unknown channels are ignored.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[ch]; ok {
		delete(b.listeners, ch)
		close(ch)
	}
}

// SendEvent delivers event to every listener with buffer space; slow
// listeners miss it.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

func (b *EventBroadcaster) setCancel(cancel context.CancelFunc) {
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager tracks rebuild jobs. A user has at most one unfinished job.
type JobManager struct {
	jobs   map[string]*RebuildJob
	active map[string]string // user_id -> job id
	mu     sync.RWMutex
	now    func() time.Time
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[string]*RebuildJob),
		active: make(map[string]string),
		now:    time.Now,
	}
}

// CreateJob registers a pending job for userID. When the user already has an
// unfinished job, that job is returned with created false.
func (m *JobManager) CreateJob(id, userID string) (job *RebuildJob, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	if existing, ok := m.jobs[m.active[userID]]; ok && !isJobTerminal(existing.GetStatus()) {
		return existing, false
	}

	job = &RebuildJob{
		ID:        id,
		UserID:    userID,
		Status:    JobStatusPending,
		StartedAt: m.now(),
	}
	m.jobs[id] = job
	m.active[userID] = id
	return job, true
}

// GetJob retrieves a job by ID, only if it belongs to userID.
func (m *JobManager) GetJob(id, userID string) *RebuildJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job := m.jobs[id]
	if job == nil || job.UserID != userID {
		return nil
	}
	return job
}

// ActiveJob returns the user's unfinished job, if any.
func (m *JobManager) ActiveJob(userID string) *RebuildJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job := m.jobs[m.active[userID]]
	if job == nil || isJobTerminal(job.GetStatus()) {
		return nil
	}
	return job
}

// ListJobs returns the user's jobs.
func (m *JobManager) ListJobs(userID string) []*RebuildJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*RebuildJob
	for _, job := range m.jobs {
		if job.UserID == userID {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// CancelAll cancels every unfinished job. Called on shutdown.
func (m *JobManager) CancelAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		if !isJobTerminal(job.GetStatus()) {
			job.Cancel()
		}
	}
}

// pruneLocked drops jobs that finished more than finishedJobRetention ago.
func (m *JobManager) pruneLocked() {
	cutoff := m.now().Add(-finishedJobRetention)
	for id, job := range m.jobs {
		view := job.View()
		if view.CompletedAt != nil && view.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			if m.active[job.UserID] == id {
				delete(m.active, job.UserID)
			}
		}
	}
}
