package command

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/crucible/pkg/types"
)

func TestRunLocalCapturesOutput(t *testing.T) {
	res, err := RunLocal(context.Background(), "sh",
		[]string{"-c", "echo out; echo err >&2"}, LocalOptions{})
	if err != nil {
		t.Fatalf("RunLocal failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q, want err", res.Stderr)
	}
}

func TestRunLocalNonZeroExitIsNotAnError(t *testing.T) {
	res, err := RunLocal(context.Background(), "sh",
		[]string{"-c", "exit 3"}, LocalOptions{})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunLocalMissingBinary(t *testing.T) {
	_, err := RunLocal(context.Background(), "definitely-not-a-binary-xyz", nil, LocalOptions{})
	if err == nil {
		t.Fatal("missing binary should be an error")
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("error should wrap exec.ErrNotFound, got %v", err)
	}
}

func TestRunLocalTimeout(t *testing.T) {
	res, err := RunLocal(context.Background(), "sleep", []string{"5"},
		LocalOptions{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout should not be an error, got %v", err)
	}
	if res.ExitCode != types.TimeoutExitCode {
		t.Errorf("exit code = %d, want %d", res.ExitCode, types.TimeoutExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("stderr should mention the timeout, got %q", res.Stderr)
	}
}

func TestRunLocalWorkDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	res, err := RunLocal(context.Background(), "sh",
		[]string{"-c", "pwd; printf %s \"$CRUCIBLE_TEST_VAR\""},
		LocalOptions{WorkDir: dir, Env: map[string]string{"CRUCIBLE_TEST_VAR": "set"}})
	if err != nil {
		t.Fatalf("RunLocal failed: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("stdout %q should contain work dir %q", res.Stdout, dir)
	}
	if !strings.HasSuffix(res.Stdout, "set") {
		t.Errorf("env var not passed through, stdout = %q", res.Stdout)
	}
}
