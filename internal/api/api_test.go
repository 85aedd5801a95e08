package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildos/buildos/internal/artifacts"
	"github.com/buildos/buildos/internal/config"
	"github.com/buildos/buildos/internal/logstore"
	"github.com/buildos/buildos/internal/metrics"
	"github.com/buildos/buildos/internal/models"
	"github.com/buildos/buildos/internal/queue"
	"github.com/buildos/buildos/internal/registry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedRunner prints one line and then blocks until the test releases it.
type gatedRunner struct {
	store   *artifacts.Store
	release chan queue.Result
}

func (r *gatedRunner) Run(ctx context.Context, job models.Job, out io.Writer) (queue.Result, error) {
	fmt.Fprintf(out, "building %s\n", job.GitURI)
	select {
	case res := <-r.release:
		if res.HasContent {
			dir, err := os.MkdirTemp("", "result")
			if err != nil {
				return queue.Result{}, err
			}
			defer os.RemoveAll(dir)
			if err := os.WriteFile(filepath.Join(dir, "app.bin"), []byte("binary"), 0644); err != nil {
				return queue.Result{}, err
			}
			if _, err := r.store.Archive(job.ID, dir); err != nil {
				return queue.Result{}, err
			}
		}
		fmt.Fprintln(out, "done")
		return res, nil
	case <-ctx.Done():
		fmt.Fprintln(out, "terminated")
		return queue.Result{}, context.Cause(ctx)
	}
}

type memRepos struct {
	mu    sync.Mutex
	repos map[string]*models.Repository
}

func (m *memRepos) EnsureRepository(gitURI string) (*models.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, repo := range m.repos {
		if repo.GitURI == gitURI {
			return repo, nil
		}
	}
	repo := &models.Repository{ID: uuid.NewString(), GitURI: gitURI, Name: models.RepositoryName(gitURI), CreatedAt: time.Now()}
	m.repos[repo.ID] = repo
	return repo, nil
}

func (m *memRepos) GetRepository(id string) (*models.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil, fmt.Errorf("%w: repository %s", models.ErrNotFound, id)
	}
	return repo, nil
}

func (m *memRepos) ListRepositories() ([]models.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Repository{}
	for _, repo := range m.repos {
		out = append(out, *repo)
	}
	return out, nil
}

type testEnv struct {
	server *Server
	reg    *registry.Registry
	runner *gatedRunner
	repos  *memRepos
}

func newTestEnv(t *testing.T, start bool, opts ...registry.Option) *testEnv {
	t.Helper()

	store, err := artifacts.New(t.TempDir())
	require.NoError(t, err)

	collector := metrics.NewCollector(nil)
	opts = append(opts, registry.WithObserver(collector))
	reg := registry.New(logstore.New(logstore.WithAppendHook(collector.LogLineAppended)), opts...)
	runner := &gatedRunner{store: store, release: make(chan queue.Result)}
	sched := queue.NewScheduler(reg, runner, queue.Options{
		JobTimeout:    time.Minute,
		KillGrace:     time.Second,
		ForceWait:     time.Second,
		PollInterval:  time.Hour,
		SweepInterval: time.Hour,
	})
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		go sched.Start(ctx)
		t.Cleanup(func() {
			sched.Stop()
			cancel()
		})
	}

	repos := &memRepos{repos: map[string]*models.Repository{}}
	cfg := &config.Config{TailPollMillis: 10, MetricsEnabled: true, LogLevel: "info"}

	return &testEnv{
		server: NewServer(Options{
			Config:       cfg,
			Queue:        sched,
			Registry:     reg,
			Repositories: repos,
			Artifacts:    store,
			Metrics:      collector,
		}),
		reg:    reg,
		runner: runner,
		repos:  repos,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) enqueue(t *testing.T, gitURI string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/pipeline/enqueue", strings.NewReader(`{"git_uri":"`+gitURI+`"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

func (e *testEnv) waitStatus(t *testing.T, id string, status models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := e.reg.Get(id)
		return err == nil && job.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never became %s", id, status)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, false)

	id := env.enqueue(t, "https://github.com/org/app.git")

	job, err := env.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "https://github.com/org/app.git", job.GitURI)

	repos, _ := env.repos.ListRepositories()
	require.Len(t, repos, 1)
	assert.Equal(t, repos[0].ID, job.RepoID)

	// Enqueue by repository id with a form body.
	form := url.Values{"repo_id": {repos[0].ID}}
	rec := env.do(t, http.MethodPost, "/pipeline/enqueue", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[models.EnqueueResponse](t, rec)
	assert.Contains(t, resp.Message, "org/app")
}

func TestEnqueueErrors(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", `{}`, http.StatusBadRequest},
		{"invalid uri", `{"git_uri":"not a repo"}`, http.StatusBadRequest},
		{"unknown repository", `{"repo_id":"missing"}`, http.StatusNotFound},
		{"malformed json", `{"git_uri":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/pipeline/enqueue", strings.NewReader(tt.body), "application/json")
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}

	assert.Empty(t, env.reg.List(""))
}

func TestEnqueueAlwaysAcceptedWithoutCap(t *testing.T) {
	env := newTestEnv(t, false)

	for i := 0; i < 250; i++ {
		rec := env.do(t, http.MethodPost, "/pipeline/enqueue", strings.NewReader(`{"git_uri":"https://github.com/org/app.git"}`), "application/json")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 250, env.reg.QueueLength())
}

func TestEnqueueOptionalQueueCap(t *testing.T) {
	env := newTestEnv(t, false, registry.WithMaxPending(1))

	env.enqueue(t, "https://github.com/org/app.git")
	rec := env.do(t, http.MethodPost, "/pipeline/enqueue", strings.NewReader(`{"git_uri":"https://github.com/org/app.git"}`), "application/json")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTasksInEnqueueOrderAndFilter(t *testing.T) {
	env := newTestEnv(t, false)

	a := env.enqueue(t, "https://github.com/org/a.git")
	b := env.enqueue(t, "https://github.com/org/b.git")
	c := env.enqueue(t, "https://github.com/org/a.git")

	jobs := decode[[]models.Job](t, env.do(t, http.MethodGet, "/pipeline/tasks", nil, ""))
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{a, b, c}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	job, err := env.reg.Get(a)
	require.NoError(t, err)
	filtered := decode[[]models.Job](t, env.do(t, http.MethodGet, "/pipeline/tasks?repo_id="+job.RepoID, nil, ""))
	require.Len(t, filtered, 2)
	assert.Equal(t, a, filtered[0].ID)
	assert.Equal(t, c, filtered[1].ID)

	single := decode[map[string]json.RawMessage](t, env.do(t, http.MethodGet, "/pipeline/tasks/"+b, nil, ""))
	assert.JSONEq(t, "2", string(single["queue_position"]))

	rec := env.do(t, http.MethodGet, "/pipeline/tasks/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCurrentAndKill(t *testing.T) {
	env := newTestEnv(t, true)

	// Idle.
	rec := env.do(t, http.MethodGet, "/pipeline/current", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.MsgNoJobRunning, decode[map[string]string](t, rec)["message"])

	rec = env.do(t, http.MethodPost, "/pipeline/kill", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.MsgNoJobRunning, decode[map[string]string](t, rec)["message"])

	// Running.
	a := env.enqueue(t, "https://github.com/org/a.git")
	b := env.enqueue(t, "https://github.com/org/b.git")
	env.waitStatus(t, a, models.JobStatusRunning)

	current := decode[models.Job](t, env.do(t, http.MethodGet, "/pipeline/current", nil, ""))
	assert.Equal(t, a, current.ID)
	assert.NotNil(t, current.StartedAt)

	rec = env.do(t, http.MethodPost, "/pipeline/kill", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprintf("Job %s canceled.", a), decode[map[string]string](t, rec)["message"])

	job, err := env.reg.Get(a)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, job.Status)

	// The next job is admitted without further requests.
	env.waitStatus(t, b, models.JobStatusRunning)
	env.runner.release <- queue.Result{}
	env.waitStatus(t, b, models.JobStatusFinished)
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t, true)

	a := env.enqueue(t, "https://github.com/org/a.git")
	env.waitStatus(t, a, models.JobStatusRunning)
	b := env.enqueue(t, "https://github.com/org/b.git")

	rec := env.do(t, http.MethodPost, "/pipeline/remove", strings.NewReader(`{"job_id":"`+a+`"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/pipeline/remove", strings.NewReader("job_id="+b), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprintf("Job %s removed.", b), decode[map[string]string](t, rec)["message"])

	jobs := decode[[]models.Job](t, env.do(t, http.MethodGet, "/pipeline/tasks", nil, ""))
	require.Len(t, jobs, 1)
	assert.Equal(t, a, jobs[0].ID)

	rec = env.do(t, http.MethodPost, "/pipeline/remove", strings.NewReader(`{"job_id":"`+b+`"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/pipeline/remove", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.runner.release <- queue.Result{}
	env.waitStatus(t, a, models.JobStatusFinished)
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t, true)

	a := env.enqueue(t, "https://github.com/org/a.git")
	env.waitStatus(t, a, models.JobStatusRunning)

	require.Eventually(t, func() bool {
		entries := decode[[]models.LogEntry](t, env.do(t, http.MethodGet, "/pipeline/logs_json/"+a, nil, ""))
		return len(entries) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// Nothing new is an empty list, not an error.
	rec := env.do(t, http.MethodGet, "/pipeline/logs_json/"+a+"?after_id=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	env.runner.release <- queue.Result{}
	env.waitStatus(t, a, models.JobStatusFinished)

	entries := decode[[]models.LogEntry](t, env.do(t, http.MethodGet, "/pipeline/logs_json/"+a+"?after_id=1", nil, ""))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Equal(t, "done", entries[0].Line)
	assert.Equal(t, "Job finished successfully.", entries[1].Line)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/pipeline/logs_json/missing", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/pipeline/logs_json/"+a+"?after_id=x", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/pipeline/logs_json/"+a+"?after_id=-1", nil, "").Code)
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t, true)

	a := env.enqueue(t, "https://github.com/org/a.git")
	env.waitStatus(t, a, models.JobStatusRunning)

	rec := env.do(t, http.MethodGet, "/pipeline/tasks/"+a+"/download", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.runner.release <- queue.Result{HasContent: true}
	env.waitStatus(t, a, models.JobStatusFinished)

	rec = env.do(t, http.MethodGet, "/pipeline/tasks/"+a+"/download", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "a-"+a+".zip")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "app.bin", zr.File[0].Name)

	// A finished job without an artifact.
	b := env.enqueue(t, "https://github.com/org/b.git")
	env.waitStatus(t, b, models.JobStatusRunning)
	env.runner.release <- queue.Result{}
	env.waitStatus(t, b, models.JobStatusFinished)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/pipeline/tasks/"+b+"/download", nil, "").Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/pipeline/tasks/missing/download", nil, "").Code)
}

func TestRepositories(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/pipeline/repositories", strings.NewReader(`{"git_uri":"git@github.com:org/tool.git"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	repo := decode[models.Repository](t, rec)
	assert.Equal(t, "org/tool", repo.Name)

	rec = env.do(t, http.MethodPost, "/pipeline/repositories", strings.NewReader(`{"git_uri":"tool"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	repos := decode[[]models.Repository](t, env.do(t, http.MethodGet, "/pipeline/repositories", nil, ""))
	require.Len(t, repos, 1)
	assert.Equal(t, repo.ID, repos[0].ID)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, false)
	env.enqueue(t, "https://github.com/org/a.git")

	rec := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, 1.0, health["queue_length"])

	rec = env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "buildos_jobs_enqueued_total 1")
	assert.Contains(t, rec.Body.String(), "buildos_jobs_queued 1")
}
