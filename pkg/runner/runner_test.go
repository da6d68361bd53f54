package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/errdefs"
	"github.com/cuemby/crucible/pkg/metrics"
	"github.com/cuemby/crucible/pkg/types"
)

// call records one stubbed invocation, local or in-container.
type call struct {
	name string
	args []string
}

// stubExec substitutes the external command surface of a runner. Failures
// are keyed by binary name.
type stubExec struct {
	calls    []call
	failures map[string]types.CommandResult
}

func (s *stubExec) exec(_ context.Context, name string, args []string) (types.CommandResult, error) {
	s.calls = append(s.calls, call{name: name, args: args})
	if res, ok := s.failures[name]; ok {
		return res, nil
	}
	return types.CommandResult{ExitCode: 0, Stdout: name + " ok"}, nil
}

func (s *stubExec) containerExec(_ context.Context, cmdArgs []string) (types.CommandResult, error) {
	s.calls = append(s.calls, call{name: "container:" + cmdArgs[0], args: cmdArgs[1:]})
	return types.CommandResult{ExitCode: 0}, nil
}

func (s *stubExec) binaries() []string {
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.name
	}
	return out
}

type stubUploader struct {
	calls int
	dir   string
}

func (u *stubUploader) UploadDir(dir, taskID string) (map[string]string, error) {
	u.calls++
	u.dir = dir
	return map[string]string{"start_env.log.gz": "https://blob.example/" + taskID + "/start_env.log.gz"}, nil
}

func newTestRunner(t *testing.T, distName, distArch string) (*Runner, *stubExec, *stubUploader) {
	t.Helper()
	payload := types.TaskPayload{
		TaskID:      "task-1",
		RunnerType:  DriverDocker,
		DistName:    distName,
		DistVersion: "41",
		DistArch:    distArch,
		PackageName: "nginx",
	}
	uploader := &stubUploader{}
	r, err := New(&config.Config{}, DriverDocker, payload, uploader)
	require.NoError(t, err)

	stub := &stubExec{failures: make(map[string]types.CommandResult)}
	r.execFn = stub.exec
	r.cExecFn = stub.containerExec
	t.Cleanup(func() { r.Teardown(false) })
	return r, stub, uploader
}

func TestEnvName(t *testing.T) {
	r, _, _ := newTestRunner(t, "fedora", "x86_64")
	assert.Equal(t, "docker_task-1", r.EnvName())
}

func TestSetupRunsStagesInOrder(t *testing.T) {
	r, stub, _ := newTestRunner(t, "fedora", "x86_64")

	require.NoError(t, r.Setup(context.Background()))

	assert.Equal(t, []string{"terraform", "terraform", "ansible-playbook"}, stub.binaries())
	assert.Equal(t, []string{"init", "-no-color"}, stub.calls[0].args)
	assert.Equal(t, "apply", stub.calls[1].args[0])

	// All four setup stages captured as successes.
	for _, stage := range []string{StagePrepareWorkDir, StageInitTerraform, StageStartEnv, StageProvision} {
		res, ok := r.Artifacts().Stages[stage]
		require.True(t, ok, "missing artifact for %s", stage)
		assert.True(t, res.Succeeded(), "stage %s not marked successful", stage)
	}

	// The work dir holds the rendered descriptors.
	for _, name := range []string{"inventory", "main.tf"} {
		_, err := os.Stat(filepath.Join(r.workDir, name))
		assert.NoError(t, err, "missing %s", name)
	}
}

func TestSetupDebianBootstrapRunsBeforeProvision(t *testing.T) {
	r, stub, _ := newTestRunner(t, "ubuntu", "x86_64")
	r.payload.DistVersion = "24.04"

	require.NoError(t, r.Setup(context.Background()))

	order := stub.binaries()
	assert.Equal(t, []string{
		"terraform", "terraform",
		"container:apt-get", "container:apt-get",
		"ansible-playbook",
	}, order)
	assert.Equal(t, []string{"update"}, stub.calls[2].args)
	assert.Equal(t, []string{"install", "-y", "python3"}, stub.calls[3].args)
}

func TestSetupFailureCapturesStageArtifact(t *testing.T) {
	r, stub, _ := newTestRunner(t, "fedora", "x86_64")

	applySeen := false
	r.execFn = func(ctx context.Context, name string, args []string) (types.CommandResult, error) {
		if name == "terraform" && args[0] == "apply" {
			applySeen = true
			return types.CommandResult{ExitCode: 1, Stderr: "quota exceeded"}, nil
		}
		return stub.exec(ctx, name, args)
	}

	err := r.Setup(context.Background())
	require.Error(t, err)
	require.True(t, applySeen)
	assert.True(t, errdefs.IsKind(err, errdefs.KindStartEnvironment))

	res, ok := r.Artifacts().Stages[StageStartEnv]
	require.True(t, ok, "failed stage must still leave an artifact")
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "quota exceeded", res.Stderr)

	// Stages before the failure captured their success.
	assert.True(t, r.Artifacts().Stages[StageInitTerraform].Succeeded())
	// The provision stage never ran.
	_, ran := r.Artifacts().Stages[StageProvision]
	assert.False(t, ran)
}

func newVMTestRunner(t *testing.T) (*Runner, *stubExec) {
	t.Helper()
	payload := types.TaskPayload{
		TaskID:      "task-1",
		RunnerType:  DriverOpennebula,
		DistName:    "almalinux",
		DistVersion: "8.10",
		DistArch:    "x86_64",
		PackageName: "nginx",
	}
	cfg := &config.Config{}
	cfg.VMProvider.AllowedChannels = []string{"stable"}
	r, err := New(cfg, DriverOpennebula, payload, &stubUploader{})
	require.NoError(t, err)

	stub := &stubExec{failures: make(map[string]types.CommandResult)}
	r.execFn = stub.exec
	r.cExecFn = stub.containerExec
	t.Cleanup(func() { r.Teardown(false) })
	return r, stub
}

func TestStartEnvEmptyTemplateMatchIsImageNotFound(t *testing.T) {
	r, stub := newVMTestRunner(t)

	r.execFn = func(ctx context.Context, name string, args []string) (types.CommandResult, error) {
		if name == "terraform" && args[0] == "apply" {
			return types.CommandResult{
				ExitCode: 1,
				Stderr: "Error: Invalid index\n\n  on main.tf line 14:\n" +
					"The given key does not identify an element in this collection value:\n" +
					"the collection has no elements.",
			}, nil
		}
		return stub.exec(ctx, name, args)
	}

	err := r.Setup(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrVMImageNotFound))
	assert.Contains(t, err.Error(), "dist_name=almalinux")
	assert.Contains(t, err.Error(), "dist_version=8.10")
	assert.Contains(t, err.Error(), "channels=stable")

	// The failed apply still leaves its stage artifact.
	res, ok := r.Artifacts().Stages[StageStartEnv]
	require.True(t, ok)
	assert.Equal(t, 1, res.ExitCode)
}

func TestStartEnvOtherApplyFailureStaysUnclassified(t *testing.T) {
	r, stub := newVMTestRunner(t)

	r.execFn = func(ctx context.Context, name string, args []string) (types.CommandResult, error) {
		if name == "terraform" && args[0] == "apply" {
			return types.CommandResult{ExitCode: 1, Stderr: "quota exceeded"}, nil
		}
		return stub.exec(ctx, name, args)
	}

	err := r.Setup(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindStartEnvironment))
	assert.False(t, errors.Is(err, errdefs.ErrVMImageNotFound))
}

func TestInstallPackageArgs(t *testing.T) {
	tests := []struct {
		name     string
		distName string
		version  string
		wantSpec string
	}{
		{"fedora dnf separator", "fedora", "1.20", "pkg_name=nginx-1.20"},
		{"debian apt separator", "ubuntu", "1.20", "pkg_name=nginx=1.20"},
		{"no version", "fedora", "", "pkg_name=nginx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, stub, _ := newTestRunner(t, tt.distName, "x86_64")
			r.payload.PackageVersion = tt.version
			require.NoError(t, r.Setup(context.Background()))
			require.NoError(t, r.InstallPackage(context.Background()))

			last := stub.calls[len(stub.calls)-1]
			require.Equal(t, "ansible-playbook", last.name)
			joined := strings.Join(last.args, " ")
			assert.Contains(t, joined, "-t install_package")
			assert.Contains(t, joined, tt.wantSpec)
		})
	}
}

func TestInstallPackageModuleVars(t *testing.T) {
	r, stub, _ := newTestRunner(t, "almalinux", "x86_64")
	r.payload.DistVersion = "8.10"
	r.payload.ModuleName = "nodejs"
	r.payload.ModuleStream = "20"
	r.payload.ModuleVersion = "8100"

	require.NoError(t, r.Setup(context.Background()))
	require.NoError(t, r.InstallPackage(context.Background()))

	joined := strings.Join(stub.calls[len(stub.calls)-1].args, " ")
	assert.Contains(t, joined, "module_name=nodejs")
	assert.Contains(t, joined, "module_stream=20")
	assert.Contains(t, joined, "module_version=8100")
}

func TestRunPackageIntegrityTests(t *testing.T) {
	r, stub, _ := newTestRunner(t, "fedora", "x86_64")
	r.payload.PackageVersion = "1.20"
	require.NoError(t, r.Setup(context.Background()))

	require.NoError(t, r.RunPackageIntegrityTests(context.Background()))

	last := stub.calls[len(stub.calls)-1]
	assert.Equal(t, testsRunnerBinary, last.name)
	joined := strings.Join(last.args, " ")
	assert.Contains(t, joined, "--package-name nginx")
	assert.Contains(t, joined, "--package-version 1.20")
	assert.Contains(t, joined, "--tap-output-dir "+r.artifactsDir)

	// The outcome lands in the tests sub-mapping, not the stage mapping.
	_, inTests := r.Artifacts().Tests[StageIntegrityTests]
	assert.True(t, inTests)
	_, inStages := r.Artifacts().Stages[StageIntegrityTests]
	assert.False(t, inStages)
}

func TestRunPackageIntegrityTestsFailure(t *testing.T) {
	r, stub, _ := newTestRunner(t, "fedora", "x86_64")
	require.NoError(t, r.Setup(context.Background()))

	stub.failures[testsRunnerBinary] = types.CommandResult{ExitCode: 2, Stderr: "not ok 3"}

	err := r.RunPackageIntegrityTests(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindPackageIntegrityTests))
	assert.Equal(t, 2, r.Artifacts().Tests[StageIntegrityTests].ExitCode)
}

func TestTeardownPublishesAndErases(t *testing.T) {
	r, stub, uploader := newTestRunner(t, "fedora", "x86_64")
	require.NoError(t, r.Setup(context.Background()))
	workDir := r.workDir
	uploadedBefore := testutil.ToFloat64(metrics.ArtifactsUploaded)

	r.Teardown(true)

	// Destroy ran after the pipeline commands.
	last := stub.calls[len(stub.calls)-1]
	assert.Equal(t, "terraform", last.name)
	assert.Equal(t, "destroy", last.args[0])

	assert.Equal(t, 1, uploader.calls)
	assert.Equal(t, map[string]string{
		"start_env.log.gz": "https://blob.example/task-1/start_env.log.gz",
	}, r.UploadedLogs())
	assert.Equal(t, uploadedBefore+1, testutil.ToFloat64(metrics.ArtifactsUploaded))

	_, err := os.Stat(workDir)
	assert.True(t, os.IsNotExist(err), "work dir should be erased")

	// Teardown is idempotent.
	r.Teardown(true)
	assert.Equal(t, 1, uploader.calls)
}

func TestTeardownWithoutPublish(t *testing.T) {
	r, _, uploader := newTestRunner(t, "fedora", "x86_64")
	require.NoError(t, r.Setup(context.Background()))

	r.Teardown(false)
	assert.Zero(t, uploader.calls)
}

func TestTeardownSurvivesDestroyFailure(t *testing.T) {
	r, stub, uploader := newTestRunner(t, "fedora", "x86_64")
	require.NoError(t, r.Setup(context.Background()))
	workDir := r.workDir

	stub.failures["terraform"] = types.CommandResult{ExitCode: 1, Stderr: "already gone"}

	r.Teardown(true)

	// Publishing and erasure still happen after a failed destroy.
	assert.Equal(t, 1, uploader.calls)
	_, err := os.Stat(workDir)
	assert.True(t, os.IsNotExist(err))
}

func TestPackageManager(t *testing.T) {
	tests := []struct {
		dist    string
		version string
		want    string
		wantErr bool
	}{
		{"fedora", "41", "dnf", false},
		{"almalinux", "8.10", "dnf", false},
		{"centos", "8", "dnf", false},
		{"centos", "7", "yum", false},
		{"rhel", "7.9", "yum", false},
		{"cloudlinux", "8.6", "dnf", false},
		{"rocky", "8.9", "dnf", false},
		{"oraclelinux", "7", "yum", false},
		{"ubuntu", "24.04", "apt-get", false},
		{"debian", "12", "apt-get", false},
		{"raspbian", "11", "apt-get", false},
		{"slackware", "15", "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%s", tt.dist, tt.version), func(t *testing.T) {
			got, err := PackageManager(tt.dist, tt.version)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
