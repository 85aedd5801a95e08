package registry

import (
	"testing"
	"time"

	"github.com/buildos/buildos/internal/logstore"
	"github.com/buildos/buildos/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestore(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	started := base.Add(time.Minute)
	finished := base.Add(2 * time.Minute)

	persisted := []models.Job{
		{ID: "late-queued", GitURI: "b", Status: models.JobStatusQueued, CreatedAt: base.Add(3 * time.Minute)},
		{ID: "orphan", GitURI: "a", Status: models.JobStatusRunning, CreatedAt: base, StartedAt: &started},
		{ID: "done", GitURI: "a", Status: models.JobStatusFinished, CreatedAt: base.Add(time.Second), StartedAt: &started, FinishedAt: &finished, HasContent: true},
		{ID: "early-queued", GitURI: "c", Status: models.JobStatusQueued, CreatedAt: base.Add(2 * time.Second)},
		{ID: "bogus", GitURI: "d", Status: "paused", CreatedAt: base},
	}

	store := newFakeStore()
	r := New(logstore.New(), WithStore(store))
	requeued, err := r.Restore(persisted)
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)

	jobs := r.List("")
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"orphan", "done", "early-queued", "late-queued"}, ids)

	orphan, err := r.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, orphan.Status)
	assert.NotNil(t, orphan.FinishedAt)
	assert.Equal(t, restartMessage, orphan.ErrorMessage)
	assert.Equal(t, models.JobStatusFailed, store.tasks["orphan"].Status)

	entries, err := r.Logs().ReadAfter("orphan", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Job failed: "+restartMessage, entries[0].Line)

	// Nothing is running after a restore, so the queue drains in order.
	_, ok := r.Current()
	assert.False(t, ok)

	next, ok := r.PromoteNext()
	require.True(t, ok)
	assert.Equal(t, "early-queued", next.ID)

	// Restored queued jobs accept log output.
	_, err = r.Logs().Append("early-queued", "Cloning")
	assert.NoError(t, err)
}

func TestRestoreIntoNonEmptyRegistry(t *testing.T) {
	r := newRegistry()
	_, err := r.Enqueue("", "a")
	require.NoError(t, err)

	_, err = r.Restore([]models.Job{{ID: "x", Status: models.JobStatusQueued}})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}
