package models

import (
	"strings"
	"time"
)

// Repository is a git repository jobs can be enqueued for
type Repository struct {
	ID        string    `json:"id" db:"id"`
	GitURI    string    `json:"git_uri" db:"git_uri" binding:"required"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	TaskCount int       `json:"task_count" db:"task_count"`
}

// RepositoryName derives a display name from the last two path segments of
// a git URI, e.g. "https://github.com/org/repo.git" -> "org/repo".
func RepositoryName(gitURI string) string {
	uri := strings.TrimRight(strings.TrimSpace(gitURI), "/")
	uri = strings.TrimSuffix(uri, ".git")

	// scp-like syntax: git@host:org/repo
	if i := strings.Index(uri, ":"); i >= 0 && !strings.Contains(uri, "://") {
		uri = uri[i+1:]
	}

	parts := strings.FieldsFunc(uri, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return gitURI
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

// RepositoryDir returns the last path segment of a git URI without the
// ".git" suffix, suitable for a checkout directory name.
func RepositoryDir(gitURI string) string {
	name := RepositoryName(gitURI)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "repo"
	}
	return name
}
