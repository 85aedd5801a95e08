package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/models"
	"github.com/buildos/buildos/internal/registry"
	"github.com/sirupsen/logrus"
)

var workerLogger = logging.C("queue.worker")

// ErrKilled is the cancellation cause of a job stopped by Kill.
var ErrKilled = errors.New("job killed")

// Result describes a completed unit of work.
type Result struct {
	// HasContent is true when the job produced a downloadable artifact.
	HasContent bool
}

// Runner executes the unit of work of one job, writing its output to out as
// it is produced. Cancellation of ctx asks the work to stop.
type Runner interface {
	Run(ctx context.Context, job models.Job, out io.Writer) (Result, error)
}

// Forcer is implemented by runners that can hard-stop the work of a job that
// did not react to cancellation.
type Forcer interface {
	Force(jobID string) error
}

// Discarder is implemented by runners that can drop the artifact of a job
// that produced one but did not end finished.
type Discarder interface {
	Discard(jobID string) error
}

// execution is the handle of the job occupying the worker slot.
type execution struct {
	jobID   string
	cancel  context.CancelCauseFunc
	done    chan struct{}
	killing bool
}

// Worker runs at most one job at a time.
type Worker struct {
	reg    *registry.Registry
	runner Runner
	opts   Options
	wake   func()

	mu   sync.Mutex
	exec *execution
	wg   sync.WaitGroup
}

// NewWorker creates a worker that takes jobs from reg and runs them with
// runner.
func NewWorker(reg *registry.Registry, runner Runner, opts Options) *Worker {
	return &Worker{
		reg:    reg,
		runner: runner,
		opts:   opts.withDefaults(),
		wake:   func() {},
	}
}

// Busy reports whether a job occupies the slot.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exec != nil
}

// Wait blocks until every started job goroutine has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// admit promotes the head of the queue and starts it. It reports whether a
// job was started.
func (w *Worker) admit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.exec != nil {
		return false
	}

	job, ok := w.reg.PromoteNext()
	if !ok {
		return false
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	ex := &execution{
		jobID:  job.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.exec = ex

	w.wg.Add(1)
	go w.run(ctx, ex, job)
	return true
}

func (w *Worker) run(parent context.Context, ex *execution, job models.Job) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(parent, w.opts.JobTimeout)
	defer cancel()

	logger := workerLogger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"git_uri": job.GitURI,
	})
	logger.Info("Running job")

	out := w.reg.Logs().NewLineWriter(job.ID)
	result, err := w.safeRun(ctx, job, out)
	if cerr := out.Close(); cerr != nil && err == nil {
		logger.WithError(cerr).Debug("Trailing job output dropped")
	}

	w.mu.Lock()
	killed := ex.killing
	w.mu.Unlock()

	// The cancellation controller or the liveness sweep owns the terminal
	// transition of a job it stopped.
	if killed {
		w.discard(logger, job.ID, result)
		close(ex.done)
		return
	}

	if err == nil {
		if _, ferr := w.reg.Finish(job.ID, result.HasContent); ferr != nil {
			logger.WithError(ferr).Warn("Could not mark job finished")
			w.discard(logger, job.ID, result)
		}
	} else {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: job exceeded %s: %v", models.ErrTimeout, w.opts.JobTimeout, err)
		}
		if _, ferr := w.reg.Fail(job.ID, err); ferr != nil {
			logger.WithError(ferr).Warn("Could not mark job failed")
		}
	}

	close(ex.done)
	w.release(ex)
	w.wake()
}

// safeRun turns a panicking runner into a failed job.
func (w *Worker) safeRun(ctx context.Context, job models.Job, out io.Writer) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker crashed: %v", r)
		}
	}()
	return w.runner.Run(ctx, job, out)
}

func (w *Worker) discard(logger *logrus.Entry, jobID string, result Result) {
	d, ok := w.runner.(Discarder)
	if !ok || !result.HasContent {
		return
	}
	if err := d.Discard(jobID); err != nil {
		logger.WithError(err).Warn("Could not discard artifact")
		return
	}
	logger.Debug("Discarded artifact of unfinished job")
}

// release frees the slot if ex still holds it.
func (w *Worker) release(ex *execution) {
	w.mu.Lock()
	if w.exec == ex {
		w.exec = nil
	}
	w.mu.Unlock()
}

// current returns the execution occupying the slot.
func (w *Worker) current() *execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exec
}

// Options tunes the scheduler and worker.
type Options struct {
	JobTimeout       time.Duration
	KillGrace        time.Duration
	ForceWait        time.Duration
	PollInterval     time.Duration
	SweepInterval    time.Duration
	LivenessDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Hour
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 10 * time.Second
	}
	if o.ForceWait <= 0 {
		o.ForceWait = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.LivenessDeadline <= 0 {
		o.LivenessDeadline = o.JobTimeout + 2*time.Minute
	}
	return o
}
