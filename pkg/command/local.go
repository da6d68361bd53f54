// Package command is the execution substrate shared by the executors and
// the runner pipeline: local processes, SSH sessions and docker exec. All
// three report the same CommandResult shape.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cuemby/crucible/pkg/types"
)

// DefaultTimeout bounds external commands that do not set their own.
const DefaultTimeout = 30 * time.Minute

// LocalOptions configures one local process run.
type LocalOptions struct {
	// WorkDir is the working directory; empty means the current one.
	WorkDir string
	// Env is overlaid on top of the inherited environment.
	Env map[string]string
	// Timeout bounds the run; zero means DefaultTimeout.
	Timeout time.Duration
}

// RunLocal executes a binary resolved from PATH and captures its outcome.
// A missing binary is the only error; everything else, timeouts included,
// lands in the CommandResult.
func RunLocal(ctx context.Context, name string, args []string, opts LocalOptions) (types.CommandResult, error) {
	binary, err := exec.LookPath(name)
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("binary %q not found in PATH: %w", name, exec.ErrNotFound)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := types.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.ExitCode = types.TimeoutExitCode
			result.Stderr = fmt.Sprintf("command %s timed out after %s: %s", name, timeout, result.Stderr)
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = 1
		result.Stderr = runErr.Error()
	}

	return result, nil
}
