package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// runHost runs argv in its own process group so a cancellation reaches every
// process the step spawned. Canceling ctx sends SIGTERM to the group; the
// group is killed once the step returns.
func (b *Builder) runHost(ctx context.Context, jobID, dir string, env, argv []string, out io.Writer) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = b.config.KillGrace()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	pgid := cmd.Process.Pid
	b.track(jobID, activeStep{pgid: pgid})
	defer b.untrack(jobID)

	err := cmd.Wait()
	// Leftover background processes of the step must not outlive it.
	_ = signalGroup(pgid, syscall.SIGKILL)

	if errors.Is(err, exec.ErrWaitDelay) {
		// The step exited successfully but a child kept its output open.
		return nil
	}
	return err
}

func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// hostEnv returns the environment of a host step: the service environment
// overlaid with the job variables and the pipeline's own.
func hostEnv(base []string, overlays ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, overlay := range overlays {
		env = append(env, sortedEnv(overlay)...)
	}
	return env
}
