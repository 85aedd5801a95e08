// Package builder runs the pipeline of a repository for one job: it checks
// the repository out, runs the steps its manifest defines and archives the
// .result directory.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/buildos/buildos/internal/artifacts"
	"github.com/buildos/buildos/internal/config"
	"github.com/buildos/buildos/internal/container"
	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/models"
	"github.com/buildos/buildos/internal/queue"
	"github.com/sirupsen/logrus"
)

var builderLogger = logging.C("builder")

const (
	resultDir          = ".result"
	homeDir            = "_home"
	containerWorkspace = "/workspace"
)

// Builder handles pipeline runs
type Builder struct {
	config    *config.Config
	container *container.Manager
	artifacts *artifacts.Store
	cloner    Cloner

	mu     sync.Mutex
	active map[string]activeStep
}

// activeStep identifies what runs the current step of a job.
type activeStep struct {
	pgid      int
	container string
}

// Option configures a Builder.
type Option func(*Builder)

// WithCloner replaces the go-git cloner.
func WithCloner(c Cloner) Option {
	return func(b *Builder) { b.cloner = c }
}

// NewBuilder creates a new builder instance
func NewBuilder(cfg *config.Config, store *artifacts.Store, opts ...Option) *Builder {
	b := &Builder{
		config:    cfg,
		container: container.NewManager(cfg.ContainerRuntime),
		artifacts: store,
		cloner:    GitCloner{},
		active:    make(map[string]activeStep),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run executes the pipeline of job. Every line the checkout and the steps
// print is written to out as it is produced.
func (b *Builder) Run(ctx context.Context, job models.Job, out io.Writer) (queue.Result, error) {
	logger := builderLogger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"git_uri": job.GitURI,
	})
	startTime := time.Now()

	if err := os.MkdirAll(b.config.WorkPath, 0755); err != nil {
		return queue.Result{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	workDir := filepath.Join(b.config.WorkPath, fmt.Sprintf("%s-%s", models.RepositoryDir(job.GitURI), job.ID))
	if err := os.RemoveAll(workDir); err != nil {
		return queue.Result{}, fmt.Errorf("failed to clean work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.WithError(err).Warn("Failed to remove work directory")
		}
	}()

	// Check out the repository
	fmt.Fprintf(out, "Cloning %s\n", job.GitURI)
	if err := b.cloner.Clone(ctx, job.GitURI, workDir, out); err != nil {
		return queue.Result{}, interrupted(ctx, err)
	}
	if err := os.MkdirAll(filepath.Join(workDir, homeDir), 0755); err != nil {
		return queue.Result{}, fmt.Errorf("failed to create home directory: %w", err)
	}

	// Run the pipeline
	pipeline, source, err := LoadPipeline(workDir)
	if err != nil {
		return queue.Result{}, err
	}
	if pipeline == nil {
		fmt.Fprintln(out, "No pipeline found, skipping")
	} else {
		fmt.Fprintf(out, "Running %s (%d step(s))\n", source, len(pipeline.Steps))
		if err := b.runPipeline(ctx, job, workDir, pipeline, out); err != nil {
			return queue.Result{}, err
		}
	}

	if ctx.Err() != nil {
		return queue.Result{}, context.Cause(ctx)
	}

	// Archive results
	result, err := b.archive(job, workDir, out)
	if err != nil {
		return queue.Result{}, err
	}

	logger.WithField("duration", time.Since(startTime).Round(time.Millisecond).String()).Info("Pipeline completed")
	return result, nil
}

func (b *Builder) runPipeline(ctx context.Context, job models.Job, workDir string, pipeline *Pipeline, out io.Writer) error {
	if b.config.Runner == "container" {
		if err := b.container.EnsureImage(ctx, b.config.ContainerImage, out); err != nil {
			return interrupted(ctx, err)
		}
	}

	for i, step := range pipeline.Steps {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		fmt.Fprintf(out, "==> %s\n", step.Name)
		stepStart := time.Now()

		var err error
		if b.config.Runner == "container" {
			err = b.runContainerStep(ctx, job, i, workDir, pipeline.Env, step, out)
		} else {
			home := filepath.Join(workDir, homeDir)
			env := hostEnv(os.Environ(), map[string]string{
				"HOME":            home,
				"BUILDOS_JOB_ID":  job.ID,
				"BUILDOS_GIT_URI": job.GitURI,
			}, pipeline.Env, step.Env)
			err = b.runHost(ctx, job.ID, workDir, env, step.Command(), out)
		}
		if err != nil {
			return fmt.Errorf("step %q failed: %w", step.Name, interrupted(ctx, err))
		}

		fmt.Fprintf(out, "Step %q finished in %s\n", step.Name, time.Since(stepStart).Round(time.Millisecond))
	}
	return nil
}

func (b *Builder) runContainerStep(ctx context.Context, job models.Job, index int, workDir string, pipelineEnv map[string]string, step Step, out io.Writer) error {
	env := map[string]string{
		"HOME":            containerWorkspace + "/" + homeDir,
		"BUILDOS_JOB_ID":  job.ID,
		"BUILDOS_GIT_URI": job.GitURI,
	}
	for k, v := range pipelineEnv {
		env[k] = v
	}
	for k, v := range step.Env {
		env[k] = v
	}

	name := fmt.Sprintf("buildos-%s-%d", job.ID, index+1)
	opts := container.ContainerRunOptions{
		Image:       b.config.ContainerImage,
		Name:        name,
		Remove:      true,
		Mounts:      []container.Mount{{Source: workDir, Target: containerWorkspace}},
		Environment: env,
		WorkDir:     containerWorkspace,
		Command:     step.Command(),
		StopTimeout: b.config.KillGrace(),
	}

	b.track(job.ID, activeStep{container: name})
	defer b.untrack(job.ID)

	return b.container.RunCommandInContainer(ctx, opts, out, out)
}

// archive zips the .result directory of the checkout, if any.
func (b *Builder) archive(job models.Job, workDir string, out io.Writer) (queue.Result, error) {
	src := filepath.Join(workDir, resultDir)
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		fmt.Fprintln(out, "No .result directory, nothing to archive")
		return queue.Result{}, nil
	}
	if err != nil {
		return queue.Result{}, fmt.Errorf("failed to stat %s: %w", resultDir, err)
	}

	size, err := b.artifacts.Archive(job.ID, src)
	if err != nil {
		return queue.Result{}, fmt.Errorf("archive failed: %w", err)
	}
	fmt.Fprintf(out, "Archived results (%d bytes)\n", size)
	return queue.Result{HasContent: true}, nil
}

// Discard deletes the archive of jobID.
func (b *Builder) Discard(jobID string) error {
	return b.artifacts.Delete(jobID)
}

// Force kills whatever runs the current step of jobID.
func (b *Builder) Force(jobID string) error {
	b.mu.Lock()
	step, ok := b.active[jobID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	builderLogger.WithField("job_id", jobID).Warn("Forcing job termination")

	if step.container != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return b.container.KillContainer(ctx, step.container)
	}
	if err := signalGroup(step.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process group %d: %w", step.pgid, err)
	}
	return nil
}

func (b *Builder) track(jobID string, step activeStep) {
	b.mu.Lock()
	b.active[jobID] = step
	b.mu.Unlock()
}

func (b *Builder) untrack(jobID string) {
	b.mu.Lock()
	delete(b.active, jobID)
	b.mu.Unlock()
}

// interrupted reports the cancellation cause instead of err when ctx ended
// the operation.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	return fmt.Errorf("%w (%v)", context.Cause(ctx), err)
}

func sortedEnv(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}
