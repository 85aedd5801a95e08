package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/buildos/buildos/internal/models"
)

// restartMessage is recorded on jobs that were running when the previous
// process stopped.
const restartMessage = "service stopped while the job was running"

// Restore loads persisted jobs into an empty registry. Queued jobs re-enter
// the pending queue in enqueue order, jobs left running are marked failed,
// and terminal jobs are kept for listing. It returns the number of jobs that
// were requeued.
func (r *Registry) Restore(jobs []models.Job) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.jobs) > 0 {
		return 0, fmt.Errorf("restore into non-empty registry: %w", models.ErrInvalidState)
	}

	sorted := make([]models.Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	requeued := 0
	for i := range sorted {
		job := sorted[i].Clone()
		if !job.Status.Valid() {
			registryLogger.WithField("job_id", job.ID).Warnf("Skipping persisted job with unknown status %q", job.Status)
			continue
		}

		switch job.Status {
		case models.JobStatusQueued:
			r.pending.push(job.ID)
			r.logs.Open(job.ID)
			requeued++

		case models.JobStatusRunning:
			now := r.now().UTC()
			job.Status = models.JobStatusFailed
			job.FinishedAt = &now
			job.ErrorMessage = restartMessage
			r.sealRestored(job.ID, "Job failed: "+restartMessage)
			r.persist(&job)
			registryLogger.WithField("job_id", job.ID).Warn("Marked orphaned job as failed")
		}

		r.jobs[job.ID] = &job
		r.order = append(r.order, job.ID)
	}

	r.notifyQueue()
	return requeued, nil
}

func (r *Registry) sealRestored(id, line string) {
	err := r.logs.Seal(id, line)
	if errors.Is(err, models.ErrNotFound) {
		r.logs.Open(id)
		err = r.logs.Seal(id, line)
	}
	if err != nil {
		registryLogger.WithError(err).WithField("job_id", id).Warn("Failed to seal restored job log")
	}
}
