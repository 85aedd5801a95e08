package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/buildos/buildos/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// MsgNoJobRunning is returned by Kill when the slot is idle.
	MsgNoJobRunning = "No job is currently running."
	// MsgKillInProgress is returned by Kill while another kill is stopping
	// the same job.
	MsgKillInProgress = "Job cancellation already in progress."
	// canceledLine is the last log line of a killed job.
	canceledLine = "Job canceled."
)

// Kill stops the running job and marks it canceled. The job is first asked
// to stop through its context; if it is still running after the kill grace
// period the runner is told to force it. Kill returns once the job is
// finalized and the slot is free again. Calling Kill while idle or while
// another Kill is in flight is a no-op.
func (w *Worker) Kill() (string, error) {
	ex, claimed := w.claim("")
	if ex == nil {
		return MsgNoJobRunning, nil
	}
	if !claimed {
		return MsgKillInProgress, nil
	}
	return w.cancelClaimed(ex)
}

// cancelClaimed stops a claimed execution and resolves its job to canceled.
func (w *Worker) cancelClaimed(ex *execution) (string, error) {
	logger := workerLogger.WithField("job_id", ex.jobID)
	logger.Info("Canceling job")

	if err := w.stop(ex, ErrKilled); err != nil {
		logger.WithError(err).Error("Job did not terminate, releasing the worker slot anyway")
	}

	_, err := w.reg.Cancel(ex.jobID, canceledLine)
	w.release(ex)
	w.wake()

	switch {
	case errors.Is(err, models.ErrInvalidState):
		// Natural completion won the race; its outcome stands.
		logger.Info("Job finished before it could be canceled")
		return fmt.Sprintf("Job %s finished before it could be canceled.", ex.jobID), nil
	case err != nil:
		return "", fmt.Errorf("failed to cancel job %s: %w", ex.jobID, err)
	}

	logger.Info("Job canceled")
	return fmt.Sprintf("Job %s canceled.", ex.jobID), nil
}

// claim marks the current execution as being stopped. A non-empty jobID
// only claims that job. It returns the execution, if any, and whether this
// caller now owns stopping it.
func (w *Worker) claim(jobID string) (*execution, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ex := w.exec
	if ex == nil || (jobID != "" && ex.jobID != jobID) {
		return nil, false
	}
	if ex.killing {
		return ex, false
	}
	ex.killing = true
	return ex, true
}

// stop cancels the execution and waits for its goroutine to return,
// escalating to the runner's forced stop after the grace period.
func (w *Worker) stop(ex *execution, cause error) error {
	ex.cancel(cause)
	if waitDone(ex.done, w.opts.KillGrace) {
		return nil
	}

	w.note(ex.jobID, fmt.Sprintf("Job did not stop within %s, forcing termination.", w.opts.KillGrace))
	if f, ok := w.runner.(Forcer); ok {
		if err := f.Force(ex.jobID); err != nil {
			workerLogger.WithError(err).WithField("job_id", ex.jobID).Warn("Forced stop failed")
		}
	}
	if waitDone(ex.done, w.opts.ForceWait) {
		return nil
	}

	return fmt.Errorf("%w: job %s still running %s after forced termination",
		models.ErrTimeout, ex.jobID, w.opts.ForceWait)
}

// note appends a status line to a job's log.
func (w *Worker) note(jobID, line string) {
	if _, err := w.reg.Logs().Append(jobID, line); err != nil {
		workerLogger.WithError(err).WithFields(logrus.Fields{
			"job_id": jobID,
		}).Debug("Could not append status line")
	}
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
