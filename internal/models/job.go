package models

import "time"

// JobStatus represents the status of a pipeline job
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// IsTerminal reports whether no further transition can leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusFinished, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Removal of a queued job is a deletion and not a transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusFinished, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job represents one request to run a repository's pipeline
type Job struct {
	ID           string     `json:"id" db:"id"`
	RepoID       string     `json:"repo_id,omitempty" db:"repo_id"`
	GitURI       string     `json:"git_uri" db:"git_uri"`
	Status       JobStatus  `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	HasContent   bool       `json:"has_content" db:"has_content"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
}

// Clone returns a copy that shares no pointers with j.
func (j *Job) Clone() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// EnqueueRequest is the body accepted by POST /pipeline/enqueue
type EnqueueRequest struct {
	RepoID string `json:"repo_id" form:"repo_id"`
	GitURI string `json:"git_uri" form:"git_uri"`
}

// EnqueueResponse is the API response for enqueue requests
type EnqueueResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}
