// Package registry owns every job and its lifecycle.
//
// All status changes go through one mutex, so a removal racing a promotion,
// or a kill racing natural completion, is decided by whichever caller takes
// the lock first. The loser sees models.ErrInvalidState.
//
//	queued -> running -> finished | failed | canceled
//	queued -> (removed)
//
// The registry also owns the single worker slot: at most one job is running
// at any time, and PromoteNext refuses to start another while it is taken.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/logstore"
	"github.com/buildos/buildos/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var registryLogger = logging.C("registry")

// ErrQueueFull is returned by Enqueue when the pending queue is at capacity.
var ErrQueueFull = errors.New("queue is full")

// Store persists job records. Every transition is written through while the
// registry lock is held, so the persisted order matches the in-memory one.
type Store interface {
	CreateTask(job *models.Job) error
	UpdateTask(job *models.Job) error
	DeleteTask(id string) error
}

// Observer is notified of lifecycle events, e.g. to export metrics. Calls
// happen with the registry lock held and must not block.
type Observer interface {
	JobEnqueued(job models.Job)
	JobStarted(job models.Job)
	JobCompleted(job models.Job)
	QueueChanged(queued, running int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore writes every transition through to s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithObserver registers o for lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMaxPending caps the number of queued jobs. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(r *Registry) { r.maxPending = n }
}

// Registry is the single source of truth for jobs.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	order   []string
	pending fifo
	running string

	logs       *logstore.Store
	store      Store
	observer   Observer
	now        func() time.Time
	maxPending int
}

// New creates an empty registry whose jobs log into logs.
func New(logs *logstore.Store, opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*models.Job),
		logs: logs,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Logs returns the log store the registry seals job logs in.
func (r *Registry) Logs() *logstore.Store {
	return r.logs
}

// Enqueue creates a queued job for the repository and appends it to the
// pending queue.
func (r *Registry) Enqueue(repoID, gitURI string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPending > 0 && r.pending.len() >= r.maxPending {
		return models.Job{}, fmt.Errorf("%w: %d jobs pending", ErrQueueFull, r.pending.len())
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		RepoID:    repoID,
		GitURI:    gitURI,
		Status:    models.JobStatusQueued,
		CreatedAt: r.now().UTC(),
	}

	if r.store != nil {
		if err := r.store.CreateTask(job); err != nil {
			return models.Job{}, fmt.Errorf("failed to persist job: %w", err)
		}
	}

	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.pending.push(job.ID)
	r.logs.Open(job.ID)

	if r.observer != nil {
		r.observer.JobEnqueued(job.Clone())
	}
	r.notifyQueue()

	registryLogger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"git_uri": gitURI,
		"pending": r.pending.len(),
	}).Info("Job enqueued")

	return job.Clone(), nil
}

// Remove deletes a queued job. Running and terminal jobs cannot be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrInvalidState)
	}

	if r.store != nil {
		if err := r.store.DeleteTask(id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
	}

	r.pending.remove(id)
	delete(r.jobs, id)
	for i, ordered := range r.order {
		if ordered == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logs.Drop(id)
	r.notifyQueue()

	registryLogger.WithField("job_id", id).Info("Job removed from queue")
	return nil
}

// PromoteNext moves the head of the queue to running. It reports false when
// the slot is taken or nothing is queued.
func (r *Registry) PromoteNext() (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running != "" {
		return models.Job{}, false
	}

	for {
		id, ok := r.pending.pop()
		if !ok {
			return models.Job{}, false
		}
		job, ok := r.jobs[id]
		if !ok || job.Status != models.JobStatusQueued {
			continue
		}

		now := r.now().UTC()
		job.Status = models.JobStatusRunning
		job.StartedAt = &now
		r.running = id
		r.persist(job)

		if r.observer != nil {
			r.observer.JobStarted(job.Clone())
		}
		r.notifyQueue()

		registryLogger.WithFields(logrus.Fields{
			"job_id":  id,
			"waited":  now.Sub(job.CreatedAt).Round(time.Millisecond).String(),
			"pending": r.pending.len(),
		}).Info("Job started")

		return job.Clone(), true
	}
}

// Finish marks the running job id as finished.
func (r *Registry) Finish(id string, hasContent bool) (models.Job, error) {
	return r.finalize(id, models.JobStatusFinished, hasContent, "", "Job finished successfully.")
}

// Fail marks the running job id as failed and records cause as its last log
// line.
func (r *Registry) Fail(id string, cause error) (models.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finalize(id, models.JobStatusFailed, false, msg, "Job failed: "+msg)
}

// Cancel marks the running job id as canceled and records reason as its last
// log line.
func (r *Registry) Cancel(id, reason string) (models.Job, error) {
	return r.finalize(id, models.JobStatusCanceled, false, "", reason)
}

// finalize performs running -> terminal, seals the job's log with the given
// final line and frees the worker slot, all under the registry lock.
func (r *Registry) finalize(id string, status models.JobStatus, hasContent bool, errMsg, finalLine string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if !job.Status.CanTransitionTo(status) {
		return job.Clone(), fmt.Errorf("job %s is %s, cannot become %s: %w", id, job.Status, status, models.ErrInvalidState)
	}

	now := r.now().UTC()
	job.Status = status
	job.FinishedAt = &now
	job.HasContent = hasContent && status == models.JobStatusFinished
	job.ErrorMessage = errMsg

	if err := r.logs.Seal(id, finalLine); err != nil {
		registryLogger.WithError(err).WithField("job_id", id).Warn("Failed to seal job log")
	}
	if r.running == id {
		r.running = ""
	}
	r.persist(job)

	if r.observer != nil {
		r.observer.JobCompleted(job.Clone())
	}
	r.notifyQueue()

	entry := registryLogger.WithFields(logrus.Fields{
		"job_id": id,
		"status": status,
	})
	if job.StartedAt != nil {
		entry = entry.WithField("duration", now.Sub(*job.StartedAt).Round(time.Millisecond).String())
	}
	if errMsg != "" {
		entry.WithField("error", errMsg).Warn("Job completed")
	} else {
		entry.Info("Job completed")
	}

	return job.Clone(), nil
}

// Get returns a copy of the job with the given id.
func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job.Clone(), nil
}

// List returns all jobs in enqueue order. A non-empty repoID keeps only that
// repository's jobs.
func (r *Registry) List(repoID string) []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]models.Job, 0, len(r.order))
	for _, id := range r.order {
		job := r.jobs[id]
		if repoID != "" && job.RepoID != repoID {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	return jobs
}

// Current returns the running job, if any.
func (r *Registry) Current() (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running == "" {
		return models.Job{}, false
	}
	return r.jobs[r.running].Clone(), true
}

// QueueLength returns the number of queued jobs.
func (r *Registry) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.len()
}

// Position returns the zero-based queue position of a queued job, or -1.
func (r *Registry) Position(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.position(id)
}

func (r *Registry) persist(job *models.Job) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateTask(job); err != nil {
		registryLogger.WithError(err).WithFields(logrus.Fields{
			"job_id": job.ID,
			"status": job.Status,
		}).Error("Failed to persist job")
	}
}

func (r *Registry) notifyQueue() {
	if r.observer == nil {
		return
	}
	running := 0
	if r.running != "" {
		running = 1
	}
	r.observer.QueueChanged(r.pending.len(), running)
}
