package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/buildos/buildos/internal/logstore"
	"github.com/buildos/buildos/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]models.Job
	deleted []string
	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]models.Job)}
}

func (s *fakeStore) CreateTask(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("database is locked")
	}
	s.tasks[job.ID] = job.Clone()
	return nil
}

func (s *fakeStore) UpdateTask(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[job.ID] = job.Clone()
	return nil
}

func (s *fakeStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type recordingObserver struct {
	enqueued  int
	started   int
	completed []models.JobStatus
	queued    int
	running   int
}

func (o *recordingObserver) JobEnqueued(models.Job) { o.enqueued++ }
func (o *recordingObserver) JobStarted(models.Job) { o.started++ }
func (o *recordingObserver) JobCompleted(job models.Job) {
	o.completed = append(o.completed, job.Status)
}
func (o *recordingObserver) QueueChanged(queued, running int) {
	o.queued, o.running = queued, running
}

func newRegistry(opts ...Option) *Registry {
	return New(logstore.New(), opts...)
}

func TestEnqueueListsInOrder(t *testing.T) {
	r := newRegistry()

	a, err := r.Enqueue("repo-1", "https://example.com/a.git")
	require.NoError(t, err)
	b, err := r.Enqueue("repo-2", "https://example.com/b.git")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, models.JobStatusQueued, a.Status)
	assert.Nil(t, a.StartedAt)

	jobs := r.List("")
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ID)
	assert.Equal(t, b.ID, jobs[1].ID)

	filtered := r.List("repo-2")
	require.Len(t, filtered, 1)
	assert.Equal(t, b.ID, filtered[0].ID)

	assert.Equal(t, 2, r.QueueLength())
	assert.Equal(t, 1, r.Position(b.ID))

	// The job's log exists as soon as it is queued.
	entries, err := r.Logs().ReadAfter(a.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnqueueUnboundedByDefault(t *testing.T) {
	r := newRegistry()

	for i := 0; i < 1000; i++ {
		_, err := r.Enqueue("", fmt.Sprintf("https://example.com/%d.git", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 1000, r.QueueLength())
}

func TestEnqueueOptionalCap(t *testing.T) {
	r := newRegistry(WithMaxPending(1))

	_, err := r.Enqueue("", "https://example.com/a.git")
	require.NoError(t, err)

	_, err = r.Enqueue("", "https://example.com/b.git")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, r.List(""), 1)
}

func TestEnqueuePersistFailure(t *testing.T) {
	store := newFakeStore()
	store.failAll = true
	r := newRegistry(WithStore(store))

	_, err := r.Enqueue("", "https://example.com/a.git")
	require.Error(t, err)
	assert.Empty(t, r.List(""))
}

func TestPromoteNextSingleSlot(t *testing.T) {
	r := newRegistry()
	a, _ := r.Enqueue("", "a")
	b, _ := r.Enqueue("", "b")

	got, ok := r.PromoteNext()
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	_, ok = r.PromoteNext()
	assert.False(t, ok, "slot is taken")

	current, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, a.ID, current.ID)

	_, err := r.Finish(a.ID, false)
	require.NoError(t, err)

	_, ok = r.Current()
	assert.False(t, ok)

	got, ok = r.PromoteNext()
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
}

func TestPromoteNextEmpty(t *testing.T) {
	r := newRegistry()
	_, ok := r.PromoteNext()
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	store := newFakeStore()
	r := newRegistry(WithStore(store))
	a, _ := r.Enqueue("", "a")
	b, _ := r.Enqueue("", "b")
	c, _ := r.Enqueue("", "c")

	require.NoError(t, r.Remove(b.ID))

	jobs := r.List("")
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ID)
	assert.Equal(t, c.ID, jobs[1].ID)
	assert.Equal(t, []string{b.ID}, store.deleted)

	_, err := r.Get(b.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.Logs().ReadAfter(b.ID, 0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Running and terminal jobs cannot be removed.
	_, ok := r.PromoteNext()
	require.True(t, ok)
	assert.ErrorIs(t, r.Remove(a.ID), models.ErrInvalidState)

	_, err = r.Fail(a.ID, errors.New("exit status 1"))
	require.NoError(t, err)
	assert.ErrorIs(t, r.Remove(a.ID), models.ErrInvalidState)

	assert.ErrorIs(t, r.Remove("missing"), models.ErrNotFound)

	// The removed job is never promoted.
	got, ok := r.PromoteNext()
	require.True(t, ok)
	assert.Equal(t, c.ID, got.ID)
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name        string
		finalize    func(r *Registry, id string) (models.Job, error)
		wantStatus  models.JobStatus
		wantLine    string
		wantErrMsg  string
		wantContent bool
	}{
		{
			name:        "finished with content",
			finalize:    func(r *Registry, id string) (models.Job, error) { return r.Finish(id, true) },
			wantStatus:  models.JobStatusFinished,
			wantLine:    "Job finished successfully.",
			wantContent: true,
		},
		{
			name:       "failed",
			finalize:   func(r *Registry, id string) (models.Job, error) { return r.Fail(id, errors.New("exit status 2")) },
			wantStatus: models.JobStatusFailed,
			wantLine:   "Job failed: exit status 2",
			wantErrMsg: "exit status 2",
		},
		{
			name:       "canceled",
			finalize:   func(r *Registry, id string) (models.Job, error) { return r.Cancel(id, "Job canceled.") },
			wantStatus: models.JobStatusCanceled,
			wantLine:   "Job canceled.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			store := newFakeStore()
			r := newRegistry(WithObserver(obs), WithStore(store))
			job, _ := r.Enqueue("", "a")
			_, ok := r.PromoteNext()
			require.True(t, ok)
			_, err := r.Logs().Append(job.ID, "building")
			require.NoError(t, err)

			got, err := tt.finalize(r, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantContent, got.HasContent)
			assert.Equal(t, tt.wantErrMsg, got.ErrorMessage)
			require.NotNil(t, got.FinishedAt)
			assert.False(t, got.FinishedAt.Before(*got.StartedAt))

			entries, err := r.Logs().ReadAfter(job.ID, 0)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, tt.wantLine, entries[1].Line)

			_, err = r.Logs().Append(job.ID, "late")
			assert.ErrorIs(t, err, logstore.ErrFrozen)

			assert.Equal(t, tt.wantStatus, store.tasks[job.ID].Status)
			assert.Equal(t, []models.JobStatus{tt.wantStatus}, obs.completed)
			assert.Equal(t, 0, obs.running)
		})
	}
}

func TestFinalizeLoserGetsInvalidState(t *testing.T) {
	r := newRegistry()
	job, _ := r.Enqueue("", "a")

	// Not running yet.
	_, err := r.Finish(job.ID, false)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, ok := r.PromoteNext()
	require.True(t, ok)

	_, err = r.Finish(job.ID, true)
	require.NoError(t, err)

	got, err := r.Cancel(job.ID, "Job canceled.")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, models.JobStatusFinished, got.Status)

	entries, err := r.Logs().ReadAfter(job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Job finished successfully.", entries[0].Line)

	_, err = r.Finish("missing", false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentFinishAndCancelHaveOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := newRegistry()
		job, _ := r.Enqueue("", "a")
		_, ok := r.PromoteNext()
		require.True(t, ok)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = r.Finish(job.ID, false)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = r.Cancel(job.ID, "Job canceled.")
		}()
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, models.ErrInvalidState)
				failures++
			}
		}
		assert.Equal(t, 1, failures)

		entries, err := r.Logs().ReadAfter(job.ID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}

func TestConcurrentRemoveAndPromote(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := newRegistry()
		job, _ := r.Enqueue("", "a")

		var wg sync.WaitGroup
		var removeErr error
		var promoted bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			removeErr = r.Remove(job.ID)
		}()
		go func() {
			defer wg.Done()
			_, promoted = r.PromoteNext()
		}()
		wg.Wait()

		if promoted {
			assert.ErrorIs(t, removeErr, models.ErrInvalidState)
			current, ok := r.Current()
			require.True(t, ok)
			assert.Equal(t, job.ID, current.ID)
		} else {
			assert.NoError(t, removeErr)
			assert.Empty(t, r.List(""))
		}
	}
}

func TestReturnedJobsAreCopies(t *testing.T) {
	r := newRegistry()
	job, _ := r.Enqueue("", "a")
	running, _ := r.PromoteNext()

	later := running.StartedAt.Add(time.Hour)
	*running.StartedAt = later
	job.Status = models.JobStatusFailed

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.NotEqual(t, later, *got.StartedAt)
}

func TestObserverCounts(t *testing.T) {
	obs := &recordingObserver{}
	r := newRegistry(WithObserver(obs))
	a, _ := r.Enqueue("", "a")
	_, _ = r.Enqueue("", "b")
	assert.Equal(t, 2, obs.enqueued)
	assert.Equal(t, 2, obs.queued)

	_, _ = r.PromoteNext()
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.queued)
	assert.Equal(t, 1, obs.running)

	_, _ = r.Cancel(a.ID, "Job canceled.")
	assert.Equal(t, 0, obs.running)
}

func TestFIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// ops: 0 enqueue, 1 promote+finish, 2 remove the newest queued job.
	properties.Property("jobs start in enqueue order and at most one runs", prop.ForAll(
		func(ops []int) bool {
			r := newRegistry()
			var enqueued, started []string
			removed := make(map[string]bool)

			for _, op := range ops {
				switch op {
				case 0:
					job, err := r.Enqueue("", "repo")
					if err != nil {
						return false
					}
					enqueued = append(enqueued, job.ID)
				case 1:
					job, ok := r.PromoteNext()
					if !ok {
						continue
					}
					started = append(started, job.ID)
					if _, ok := r.PromoteNext(); ok {
						return false
					}
					if _, err := r.Finish(job.ID, false); err != nil {
						return false
					}
				case 2:
					jobs := r.List("")
					for i := len(jobs) - 1; i >= 0; i-- {
						if jobs[i].Status == models.JobStatusQueued {
							if err := r.Remove(jobs[i].ID); err != nil {
								return false
							}
							removed[jobs[i].ID] = true
							break
						}
					}
				}

				running := 0
				for _, job := range r.List("") {
					if job.Status == models.JobStatusRunning {
						running++
					}
				}
				if running > 1 {
					return false
				}
			}

			// Started jobs are a prefix of the non-removed enqueue order.
			var expected []string
			for _, id := range enqueued {
				if !removed[id] {
					expected = append(expected, id)
				}
			}
			if len(started) > len(expected) {
				return false
			}
			for i, id := range started {
				if expected[i] != id {
					return false
				}
			}

			// Queued jobs are listed in enqueue order.
			var queued []string
			for _, job := range r.List("") {
				if job.Status == models.JobStatusQueued {
					queued = append(queued, job.ID)
				}
			}
			if len(started)+len(queued) != len(expected) {
				return false
			}
			for i, id := range queued {
				if expected[len(started)+i] != id {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
