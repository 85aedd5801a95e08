package db

import (
	"database/sql"
	"fmt"

	"github.com/buildos/buildos/internal/models"
)

const taskColumns = `id, repo_id, git_uri, status, created_at, started_at,
		finished_at, has_content, error_message`

// CreateTask inserts a new task
func (db *DB) CreateTask(job *models.Job) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		job.ID,
		job.RepoID,
		job.GitURI,
		job.Status,
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.HasContent,
		job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTask writes the mutable fields of a task
func (db *DB) UpdateTask(job *models.Job) error {
	query := `
		UPDATE tasks
		SET status = ?, started_at = ?, finished_at = ?, has_content = ?, error_message = ?
		WHERE id = ?
	`

	result, err := db.Exec(query,
		job.Status,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.HasContent,
		job.ErrorMessage,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return expectRow(result, "task", job.ID)
}

// DeleteTask removes a task together with its log
func (db *DB) DeleteTask(id string) error {
	result, err := db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return expectRow(result, "task", id)
}

// ListTasks returns every task in enqueue order
func (db *DB) ListTasks() ([]models.Job, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, rowid ASC`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Job, error) {
	var job models.Job
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.RepoID,
		&job.GitURI,
		&job.Status,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.HasContent,
		&job.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	return &job, nil
}
