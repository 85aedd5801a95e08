// Package queue admits queued jobs into the single worker slot, runs them
// and stops them on request.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/models"
	"github.com/buildos/buildos/internal/registry"
)

var schedulerLogger = logging.C("queue.scheduler")

// Scheduler hands the head of the queue to the worker whenever the slot is
// free. It is woken on enqueue and whenever a job reaches a terminal state,
// and also polls as a safety net.
type Scheduler struct {
	reg    *registry.Registry
	worker *Worker
	opts   Options

	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewScheduler creates a scheduler and its worker.
func NewScheduler(reg *registry.Registry, runner Runner, opts Options) *Scheduler {
	opts = opts.withDefaults()
	s := &Scheduler{
		reg:    reg,
		worker: NewWorker(reg, runner, opts),
		opts:   opts,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.worker.wake = s.Wake
	return s
}

// Worker returns the scheduler's worker.
func (s *Scheduler) Worker() *Worker {
	return s.worker
}

// Enqueue adds a job for the repository and returns it immediately.
func (s *Scheduler) Enqueue(repoID, gitURI string) (models.Job, error) {
	job, err := s.reg.Enqueue(repoID, gitURI)
	if err != nil {
		return models.Job{}, err
	}
	s.Wake()
	return job, nil
}

// Remove deletes a queued job.
func (s *Scheduler) Remove(id string) error {
	return s.reg.Remove(id)
}

// Kill cancels the running job, if any.
func (s *Scheduler) Kill() (string, error) {
	return s.worker.Kill()
}

// Wake asks the scheduler to try admitting a job. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the admission loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.doneCh)

	// Stop may have returned before this goroutine ran.
	select {
	case <-s.stopCh:
		return
	default:
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()

	schedulerLogger.WithField("pending", s.reg.QueueLength()).Info("Scheduler started")

	// Admit immediately on start
	s.admit()

	for {
		select {
		case <-ctx.Done():
			schedulerLogger.Info("Scheduler shutting down...")
			return
		case <-s.stopCh:
			schedulerLogger.Info("Scheduler stopped")
			return
		case <-s.wakeCh:
			s.admit()
		case <-ticker.C:
			s.admit()
		case now := <-sweep.C:
			if s.worker.sweep(now) {
				s.admit()
			}
		}
	}
}

// Stop ends admission, cancels the running job and waits for the worker.
// Queued jobs stay queued.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.doneCh
	}

	if s.worker.Busy() {
		msg, err := s.worker.Kill()
		if err != nil {
			schedulerLogger.WithError(err).Error("Failed to cancel running job on shutdown")
		} else {
			schedulerLogger.Info(msg)
		}
	}
	s.worker.Wait()
}

func (s *Scheduler) admit() {
	if s.worker.admit() {
		schedulerLogger.WithField("pending", s.reg.QueueLength()).Debug("Admitted job")
	}
}
