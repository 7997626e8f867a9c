package kapti

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Executor builds and runs commands, wrapping them in the configured
// elevation helper when root is required and we are not root yet.
type Executor struct {
	Context         context.Context // The context to use for cancellation
	ShouldRunAsRoot bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	Elevate         []string        // elevation helper argv, e.g. ["sudo"]
}

// NewExecutor returns an executor for root commands.
func NewExecutor(ctx context.Context, cfg *Config) *Executor {
	return &Executor{Context: ctx, ShouldRunAsRoot: true, Elevate: cfg.ElevateCommand()}
}

func (e *Executor) needsElevation() bool {
	return e.ShouldRunAsRoot && os.Geteuid() != 0 && len(e.Elevate) > 0
}

// Command returns path with args, elevated as
// "<helper...> -- <path> <args...>" when needed. The command is not bound
// to the executor's context.
func (e *Executor) Command(path string, args ...string) *exec.Cmd {
	if !e.needsElevation() {
		return exec.Command(path, args...)
	}
	argv := make([]string, 0, len(e.Elevate)+len(args)+1)
	argv = append(argv, e.Elevate[1:]...)
	argv = append(argv, "--", path)
	argv = append(argv, args...)
	return exec.Command(e.Elevate[0], argv...)
}

// Run executes cmd through Command, inheriting our stdio where cmd leaves
// it unset. The elevation helper keeps the terminal so it can prompt.
func (e *Executor) Run(cmd *exec.Cmd) error {
	finalCmd := e.Command(cmd.Path, cmd.Args[1:]...)
	finalCmd.Dir = cmd.Dir
	finalCmd.Env = cmd.Env

	// carry over stdio
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	if finalCmd.Stdin == nil {
		finalCmd.Stdin = os.Stdin
	}
	if finalCmd.Stdout == nil {
		finalCmd.Stdout = os.Stdout
	}
	if finalCmd.Stderr == nil {
		finalCmd.Stderr = os.Stderr
	}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	if e.Context != nil {
		go func() {
			select {
			case <-e.Context.Done():
				_ = finalCmd.Process.Signal(os.Interrupt)
			case <-done:
			}
		}()
	}

	if err := finalCmd.Wait(); err != nil {
		if e.Context != nil && e.Context.Err() != nil {
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return err
	}
	return nil
}
