// Package executor provides thin per-tool wrappers over the command
// substrate. Each invocation is timed and recorded under a unique stage
// name so task artifacts can expose where the wall clock went.
package executor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/crucible/pkg/command"
	"github.com/cuemby/crucible/pkg/types"
)

// Executor runs one external tool, locally or over SSH.
type Executor struct {
	tool     string
	binary   string
	baseArgs []string
	env      map[string]string
	timeout  time.Duration

	// ssh, when set, routes Run calls through the remote host.
	ssh *command.SSHClient

	mu    sync.Mutex
	stats map[string]types.ExecStat
}

// Option mutates an Executor at construction time.
type Option func(*Executor)

// WithEnv overlays environment variables on every invocation.
func WithEnv(env map[string]string) Option {
	return func(e *Executor) { e.env = env }
}

// WithTimeout bounds every invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithSSH routes invocations through an established SSH client.
func WithSSH(client *command.SSHClient) Option {
	return func(e *Executor) { e.ssh = client }
}

func newExecutor(tool, binary string, baseArgs []string, opts ...Option) *Executor {
	e := &Executor{
		tool:     tool,
		binary:   binary,
		baseArgs: baseArgs,
		stats:    make(map[string]types.ExecStat),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewShell runs commands through bash.
func NewShell(opts ...Option) *Executor {
	return newExecutor("shell", "bash", nil, opts...)
}

// NewAnsible runs ansible-playbook. When connectHost is non-empty the
// inventory and remote user flags are injected so the playbook targets
// that host over its native connection.
func NewAnsible(connectHost, remoteUser string, opts ...Option) *Executor {
	var base []string
	if connectHost != "" {
		base = append(base, "-i", connectHost+",", "-u", remoteUser)
	}
	return newExecutor("ansible", "ansible-playbook", base, opts...)
}

// NewBats runs bats with TAP output so results stay machine-readable.
func NewBats(opts ...Option) *Executor {
	return newExecutor("bats", "bats", []string{"--tap"}, opts...)
}

// NewPython runs python scripts, honoring a pinned interpreter shebang.
func NewPython(opts ...Option) *Executor {
	return newExecutor("python", "python3", nil, opts...)
}

// NewCommand runs an arbitrary named binary.
func NewCommand(binary string, opts ...Option) *Executor {
	return newExecutor("command", binary, nil, opts...)
}

// ExecStats returns a copy of the recorded per-stage timings.
func (e *Executor) ExecStats() map[string]types.ExecStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.ExecStat, len(e.stats))
	for k, v := range e.stats {
		out[k] = v
	}
	return out
}

func (e *Executor) record(stage string, start time.Time) {
	end := time.Now()
	e.mu.Lock()
	e.stats[stage] = types.ExecStat{
		StartTS:      start,
		EndTS:        end,
		DeltaSeconds: end.Sub(start).Seconds(),
	}
	e.mu.Unlock()
}

// Run invokes the tool locally with the given arguments.
func (e *Executor) Run(ctx context.Context, args ...string) (types.CommandResult, error) {
	start := time.Now()
	defer e.record("run_local_"+e.tool, start)

	binary, cmdArgs := e.resolve(args)
	return command.RunLocal(ctx, binary, cmdArgs, command.LocalOptions{
		Env:     e.withAnsibleEnv(),
		Timeout: e.timeout,
	})
}

// RunDir invokes the tool locally from a working directory.
func (e *Executor) RunDir(ctx context.Context, workDir string, args ...string) (types.CommandResult, error) {
	start := time.Now()
	defer e.record("run_local_"+e.tool, start)

	binary, cmdArgs := e.resolve(args)
	return command.RunLocal(ctx, binary, cmdArgs, command.LocalOptions{
		WorkDir: workDir,
		Env:     e.withAnsibleEnv(),
		Timeout: e.timeout,
	})
}

// RunSSH invokes the tool on the remote host over the configured SSH
// client. The result shape matches local runs; transport faults are
// folded into the exit code.
func (e *Executor) RunSSH(args ...string) types.CommandResult {
	start := time.Now()
	defer e.record("run_ssh_"+e.tool, start)

	if e.ssh == nil {
		return types.CommandResult{ExitCode: 1, Stderr: "executor has no ssh client configured"}
	}
	binary, cmdArgs := e.resolve(args)
	parts := append([]string{binary}, cmdArgs...)
	return e.ssh.Execute(strings.Join(parts, " "))
}

// resolve applies base args and, for python, shebang interpreter pinning.
func (e *Executor) resolve(args []string) (string, []string) {
	binary := e.binary
	cmdArgs := append(append([]string{}, e.baseArgs...), args...)

	if e.tool == "python" {
		// --version is an allowed short-circuit that never touches a script.
		if len(args) == 1 && args[0] == "--version" {
			return binary, cmdArgs
		}
		if len(args) > 0 {
			if interp, rest, ok := sniffShebang(args[0]); ok {
				binary = interp
				if rest != "" {
					cmdArgs = append(strings.Fields(rest), cmdArgs...)
				}
			}
		}
	}
	return binary, cmdArgs
}

// withAnsibleEnv merges executor env; ansible playbooks running against a
// declared host need the variables exported on the controller side too.
func (e *Executor) withAnsibleEnv() map[string]string {
	if len(e.env) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.env))
	for k, v := range e.env {
		out[k] = v
	}
	return out
}

var shebangRe = regexp.MustCompile(`^#!(.*python[2-4]?)( .*)?`)

// sniffShebang reads the script's first line and reports a pinned python
// interpreter, if any, plus trailing interpreter options.
func sniffShebang(script string) (interp, opts string, ok bool) {
	data, err := os.ReadFile(script)
	if err != nil {
		return "", "", false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	m := shebangRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}

// PlaybookArgs assembles ansible-playbook arguments for a playbook with
// extra vars and an optional tag, keeping flag ordering stable.
func PlaybookArgs(playbook, inventory, tag string, extraVars map[string]string, keys []string) []string {
	args := []string{"-i", inventory}
	if tag != "" {
		args = append(args, "-t", tag)
	}
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, extraVars[k]))
	}
	args = append(args, playbook)
	return args
}
