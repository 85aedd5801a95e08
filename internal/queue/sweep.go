package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/buildos/buildos/internal/models"
)

var errLivenessExceeded = errors.New("liveness deadline exceeded")

// sweep fails the running job once it has been running longer than the
// liveness deadline. It reports whether a job was failed.
func (w *Worker) sweep(now time.Time) bool {
	job, ok := w.reg.Current()
	if !ok || job.StartedAt == nil {
		return false
	}
	if now.Sub(*job.StartedAt) <= w.opts.LivenessDeadline {
		return false
	}

	cause := fmt.Errorf("%w: job still running after %s", models.ErrTimeout, w.opts.LivenessDeadline)
	logger := workerLogger.WithField("job_id", job.ID)

	ex, claimed := w.claim(job.ID)
	if ex == nil {
		// Running without an execution behind it.
		if _, err := w.reg.Fail(job.ID, cause); err != nil {
			return false
		}
		logger.Warn("Failed orphaned job")
		w.wake()
		return true
	}
	if !claimed {
		return false
	}

	logger.Warn("Job exceeded liveness deadline, stopping it")
	if err := w.stop(ex, errLivenessExceeded); err != nil {
		logger.WithError(err).Error("Job did not terminate, releasing the worker slot anyway")
	}

	_, err := w.reg.Fail(job.ID, cause)
	w.release(ex)
	w.wake()
	return err == nil
}
