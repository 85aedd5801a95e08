package db

import (
	"fmt"

	"github.com/buildos/buildos/internal/models"
)

// AppendLog stores one log entry of a task
func (db *DB) AppendLog(taskID string, entry models.LogEntry) error {
	query := `INSERT INTO task_logs (task_id, seq, timestamp, line) VALUES (?, ?, ?, ?)`

	if _, err := db.Exec(query, taskID, entry.ID, entry.Timestamp, entry.Line); err != nil {
		return fmt.Errorf("failed to insert log entry %d of task %s: %w", entry.ID, taskID, err)
	}
	return nil
}

// LoadLog returns the stored log of a task in entry order. A task without
// any stored line yields an empty slice; an unknown task yields ErrNotFound.
func (db *DB) LoadLog(taskID string) ([]models.LogEntry, error) {
	var exists bool
	if err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}

	rows, err := db.Query(`SELECT seq, timestamp, line FROM task_logs WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task log: %w", err)
	}
	defer rows.Close()

	entries := []models.LogEntry{}
	for rows.Next() {
		var entry models.LogEntry
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Line); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
