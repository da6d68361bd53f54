package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRun(t *testing.T) {
	ex := NewShell()
	res, err := ex.Run(context.Background(), "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRunRecordsStats(t *testing.T) {
	ex := NewShell()
	_, err := ex.Run(context.Background(), "-c", "true")
	require.NoError(t, err)

	stats := ex.ExecStats()
	stat, ok := stats["run_local_shell"]
	require.True(t, ok, "shell run should record a run_local_shell stat")
	assert.False(t, stat.StartTS.IsZero())
	assert.False(t, stat.EndTS.Before(stat.StartTS))
	assert.GreaterOrEqual(t, stat.DeltaSeconds, 0.0)
}

func TestBatsCarriesTapFlag(t *testing.T) {
	ex := NewBats()
	binary, args := ex.resolve([]string{"suite.bats"})
	assert.Equal(t, "bats", binary)
	assert.Equal(t, []string{"--tap", "suite.bats"}, args)
}

func TestAnsibleConnectHostFlags(t *testing.T) {
	ex := NewAnsible("10.0.0.5", "root")
	_, args := ex.resolve([]string{"playbook.yml"})
	assert.Equal(t, []string{"-i", "10.0.0.5,", "-u", "root", "playbook.yml"}, args)
}

func TestPythonShebangPinning(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name       string
		script     string
		wantBinary string
		wantFirst  []string
	}{
		{
			name:       "pinned python2",
			script:     "#!/usr/bin/python2\nprint 'x'\n",
			wantBinary: "/usr/bin/python2",
		},
		{
			name:       "env python3 with options",
			script:     "#!/usr/bin/python3 -u\nprint('x')\n",
			wantBinary: "/usr/bin/python3",
			wantFirst:  []string{"-u"},
		},
		{
			name:       "no shebang keeps default",
			script:     "print('x')\n",
			wantBinary: "python3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "script.py")
			require.NoError(t, os.WriteFile(path, []byte(tt.script), 0o755))

			ex := NewPython()
			binary, args := ex.resolve([]string{path})
			assert.Equal(t, tt.wantBinary, binary)
			if len(tt.wantFirst) > 0 {
				assert.Equal(t, tt.wantFirst, args[:len(tt.wantFirst)])
			}
			assert.Equal(t, path, args[len(args)-1])
		})
	}
}

func TestPythonVersionShortCircuit(t *testing.T) {
	ex := NewPython()
	binary, args := ex.resolve([]string{"--version"})
	assert.Equal(t, "python3", binary)
	assert.Equal(t, []string{"--version"}, args)
}

func TestRunSSHWithoutClient(t *testing.T) {
	ex := NewShell()
	res := ex.RunSSH("-c", "true")
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "no ssh client")
}

func TestPlaybookArgs(t *testing.T) {
	extraVars := map[string]string{
		"pkg_name":     "nginx-1.20",
		"repositories": `[{"name":"repo-0"}]`,
	}
	args := PlaybookArgs("playbook.yml", "inventory", "install_package",
		extraVars, []string{"pkg_name", "repositories"})

	assert.Equal(t, []string{
		"-i", "inventory",
		"-t", "install_package",
		"-e", "pkg_name=nginx-1.20",
		"-e", `repositories=[{"name":"repo-0"}]`,
		"playbook.yml",
	}, args)
}

func TestPlaybookArgsNoTag(t *testing.T) {
	args := PlaybookArgs("playbook.yml", "inventory", "", nil, nil)
	assert.Equal(t, []string{"-i", "inventory", "playbook.yml"}, args)
}
