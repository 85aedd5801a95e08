package models

import "time"

// LogEntry is one line of job output. IDs start at 1 and are assigned by
// the log store at append time.
type LogEntry struct {
	ID        int64     `json:"id" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Line      string    `json:"line" db:"line"`
}
