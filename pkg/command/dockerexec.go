package command

import (
	"context"
	"time"

	"github.com/cuemby/crucible/pkg/types"
)

// RunInContainer executes a command inside the environment container via
// docker exec, from the runner's work dir.
func RunInContainer(ctx context.Context, workDir, envName string, cmdArgs []string, timeout time.Duration) (types.CommandResult, error) {
	args := append([]string{"exec", envName}, cmdArgs...)
	return RunLocal(ctx, "docker", args, LocalOptions{WorkDir: workDir, Timeout: timeout})
}
