// Package container runs pipeline steps in one-off containers through the
// podman or docker CLI.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"syscall"
	"time"
)

// Manager handles container operations
type Manager struct {
	runtime string // "podman" or "docker"
}

// NewManager creates a new container manager
func NewManager(runtime string) *Manager {
	return &Manager{
		runtime: runtime,
	}
}

// ContainerRunOptions holds options for running a container
type ContainerRunOptions struct {
	Image       string
	Name        string
	Mounts      []Mount
	Environment map[string]string
	WorkDir     string
	Command     []string
	Remove      bool // Remove container after exit

	// StopTimeout is how long the runtime waits after SIGTERM before it
	// kills the container when the run is canceled.
	StopTimeout time.Duration
}

// Mount represents a volume mount
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// runArgs builds the argument list of a "run" invocation.
func (opts ContainerRunOptions) runArgs() []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	// Add mounts
	for _, mount := range opts.Mounts {
		mountStr := fmt.Sprintf("%s:%s", mount.Source, mount.Target)
		if mount.ReadOnly {
			mountStr += ":ro"
		}
		args = append(args, "-v", mountStr)
	}

	// Add environment variables, sorted for a stable command line
	keys := make([]string, 0, len(opts.Environment))
	for key := range opts.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, opts.Environment[key]))
	}

	// Set working directory
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	// Add image
	args = append(args, opts.Image)

	// Add command
	if len(opts.Command) > 0 {
		args = append(args, opts.Command...)
	}

	return args
}

// RunCommandInContainer runs a command in a one-off container and streams
// output. When ctx is canceled the container is stopped by name, so the
// runtime delivers SIGTERM and kills it after StopTimeout.
func (m *Manager) RunCommandInContainer(ctx context.Context, opts ContainerRunOptions, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, m.runtime, opts.runArgs()...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if opts.Name != "" {
		cmd.Cancel = func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout+10*time.Second)
			defer cancel()
			if err := m.StopContainer(stopCtx, opts.Name, opts.StopTimeout); err != nil {
				return cmd.Process.Signal(syscall.SIGTERM)
			}
			return nil
		}
		cmd.WaitDelay = opts.StopTimeout + 10*time.Second
	}

	if err := cmd.Run(); err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return fmt.Errorf("container %s stopped: %w", opts.Name, ctxErr)
		}
		return fmt.Errorf("failed to run container command: %w", err)
	}

	return nil
}

// StopContainer stops a running container, killing it after timeout
func (m *Manager) StopContainer(ctx context.Context, containerName string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	cmd := exec.CommandContext(ctx, m.runtime, "stop", "-t", strconv.Itoa(secs), containerName)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// KillContainer sends SIGKILL to a running container
func (m *Manager) KillContainer(ctx context.Context, containerName string) error {
	cmd := exec.CommandContext(ctx, m.runtime, "kill", containerName)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container
func (m *Manager) RemoveContainer(ctx context.Context, containerName string) error {
	cmd := exec.CommandContext(ctx, m.runtime, "rm", "-f", containerName)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// PullImage pulls a container image and streams progress to out
func (m *Manager) PullImage(ctx context.Context, image string, out io.Writer) error {
	cmd := exec.CommandContext(ctx, m.runtime, "pull", image)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// ImageExists checks if an image exists locally
func (m *Manager) ImageExists(ctx context.Context, image string) (bool, error) {
	args := []string{"image", "exists", image}
	if m.runtime == "docker" {
		args = []string{"image", "inspect", image}
	}
	cmd := exec.CommandContext(ctx, m.runtime, args...)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// Exit code 1 means image doesn't exist
			return false, nil
		}
		return false, fmt.Errorf("failed to check image existence: %w", err)
	}
	return true, nil
}

// EnsureImage pulls image unless it is already present.
func (m *Manager) EnsureImage(ctx context.Context, image string, out io.Writer) error {
	exists, err := m.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	fmt.Fprintf(out, "Pulling image %s\n", image)
	return m.PullImage(ctx, image, out)
}
