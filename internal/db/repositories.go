package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/buildos/buildos/internal/models"
	"github.com/google/uuid"
)

const repositoryQuery = `
	SELECT r.id, r.git_uri, r.name, r.created_at, COUNT(t.id)
	FROM repositories r
	LEFT JOIN tasks t ON t.repo_id = r.id
`

// EnsureRepository returns the repository registered for gitURI, creating
// it first if needed.
func (db *DB) EnsureRepository(gitURI string) (*models.Repository, error) {
	query := `
		INSERT INTO repositories (id, git_uri, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(git_uri) DO NOTHING
	`

	result, err := db.Exec(query, uuid.New().String(), gitURI, models.RepositoryName(gitURI), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert repository: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		dbLogger.WithField("git_uri", gitURI).Info("Registered repository")
	}

	return db.queryRepository(repositoryQuery+` WHERE r.git_uri = ? GROUP BY r.id`, gitURI)
}

// SeedRepositories registers every git URI in uris
func (db *DB) SeedRepositories(uris []string) error {
	for _, uri := range uris {
		if _, err := db.EnsureRepository(uri); err != nil {
			return err
		}
	}
	return nil
}

// GetRepository retrieves a repository by id
func (db *DB) GetRepository(id string) (*models.Repository, error) {
	return db.queryRepository(repositoryQuery+` WHERE r.id = ? GROUP BY r.id`, id)
}

// ListRepositories returns all repositories ordered by name
func (db *DB) ListRepositories() ([]models.Repository, error) {
	rows, err := db.Query(repositoryQuery + ` GROUP BY r.id ORDER BY r.name ASC, r.git_uri ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer rows.Close()

	repos := []models.Repository{}
	for rows.Next() {
		var repo models.Repository
		if err := rows.Scan(&repo.ID, &repo.GitURI, &repo.Name, &repo.CreatedAt, &repo.TaskCount); err != nil {
			return nil, fmt.Errorf("failed to scan repository row: %w", err)
		}
		repos = append(repos, repo)
	}

	return repos, rows.Err()
}

func (db *DB) queryRepository(query string, arg string) (*models.Repository, error) {
	var repo models.Repository
	err := db.QueryRow(query, arg).Scan(&repo.ID, &repo.GitURI, &repo.Name, &repo.CreatedAt, &repo.TaskCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: repository %s", models.ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query repository: %w", err)
	}
	return &repo, nil
}
