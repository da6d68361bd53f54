package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/crucible/pkg/artifacts"
	"github.com/cuemby/crucible/pkg/command"
	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/errdefs"
	"github.com/cuemby/crucible/pkg/executor"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/metrics"
	"github.com/cuemby/crucible/pkg/render"
	"github.com/cuemby/crucible/pkg/types"
)

// Pipeline stage labels. Each entered stage leaves a captured artifact
// under its label, whether or not it failed.
const (
	StagePrepareWorkDir = "prepare_work_dir_files"
	StageInitTerraform  = "initialize_terraform"
	StageStartEnv       = "start_env"
	StageProvision      = "initial_provision"
	StageInstallPackage = "install_package"
	StageIntegrityTests = "package_integrity_tests"
	StagePublish        = "publish_artifacts_to_storage"
	StageStopEnv        = "stop_env"
	StageEraseWorkDir   = "erase_work_dir"
)

// Work dir file names.
const (
	inventoryFile     = "inventory"
	playbookFile      = "playbook.yml"
	artifactsSubdir   = "artifacts"
	integrityTestsDir = "integrity-tests"
	testsRunnerBinary = "package-integrity-tests"
)

// Uploader publishes an artifacts directory and reports basename -> URL.
type Uploader interface {
	UploadDir(dir, taskID string) (map[string]string, error)
}

// execFunc runs a named binary from the work dir. Tests substitute it.
type execFunc func(ctx context.Context, name string, args []string) (types.CommandResult, error)

// containerExecFunc runs a command inside the environment container.
type containerExecFunc func(ctx context.Context, cmdArgs []string) (types.CommandResult, error)

// Runner owns one task's environment for the task's lifetime. Stages are
// strictly sequential; the environment is single-tenant.
type Runner struct {
	cfg     *config.Config
	driver  Driver
	payload types.TaskPayload

	taskID       string
	envName      string
	workDir      string
	artifactsDir string
	vmIP         string

	artifacts    *artifacts.Collection
	uploadedLogs map[string]string
	uploader     Uploader

	executors map[string]*executor.Executor
	execFn    execFunc
	cExecFn   containerExecFunc

	tornDown bool
	logger   zerolog.Logger
}

// New builds a runner for the payload using the named driver.
func New(cfg *config.Config, driverName string, payload types.TaskPayload, uploader Uploader) (*Runner, error) {
	driver, err := NewDriver(driverName, cfg)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:          cfg,
		driver:       driver,
		payload:      payload,
		taskID:       payload.TaskID,
		envName:      fmt.Sprintf("%s_%s", driver.Name(), payload.TaskID),
		artifacts:    artifacts.NewCollection(),
		uploadedLogs: make(map[string]string),
		uploader:     uploader,
		executors:    make(map[string]*executor.Executor),
		logger:       log.WithTaskID(payload.TaskID),
	}
	r.execFn = r.defaultExec
	r.cExecFn = r.defaultContainerExec
	return r, nil
}

// EnvName returns the environment name <driver>_<task_id>.
func (r *Runner) EnvName() string { return r.envName }

// Artifacts returns the stage-keyed capture collection.
func (r *Runner) Artifacts() *artifacts.Collection { return r.artifacts }

// UploadedLogs returns basename -> remote URL after publishing.
func (r *Runner) UploadedLogs() map[string]string { return r.uploadedLogs }

func (r *Runner) getExecutor(name string) *executor.Executor {
	if ex, ok := r.executors[name]; ok {
		return ex
	}
	var ex *executor.Executor
	switch name {
	case "ansible-playbook":
		ex = executor.NewAnsible("", "")
	case "bats":
		ex = executor.NewBats()
	default:
		ex = executor.NewCommand(name)
	}
	r.executors[name] = ex
	return ex
}

func (r *Runner) defaultExec(ctx context.Context, name string, args []string) (types.CommandResult, error) {
	return r.getExecutor(name).RunDir(ctx, r.workDir, args...)
}

func (r *Runner) defaultContainerExec(ctx context.Context, cmdArgs []string) (types.CommandResult, error) {
	return command.RunInContainer(ctx, r.workDir, r.envName, cmdArgs, command.DefaultTimeout)
}

func (r *Runner) exec(ctx context.Context, name string, args []string) (types.CommandResult, error) {
	return r.execFn(ctx, name, args)
}

func (r *Runner) execInEnv(ctx context.Context, cmdArgs []string) (types.CommandResult, error) {
	return r.cExecFn(ctx, cmdArgs)
}

// runStage wraps one pipeline step: the outcome is recorded under the
// stage label before any error is returned, and a non-zero exit code
// becomes a classified error.
func (r *Runner) runStage(ctx context.Context, label string, kind errdefs.Kind, fn func(ctx context.Context) (types.CommandResult, error)) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, label)

	res, err := fn(ctx)
	if err != nil {
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
		r.artifacts.Record(label, res)
		return errdefs.Wrap(kind, label, err)
	}
	r.artifacts.Record(label, res)
	if !res.Succeeded() {
		return errdefs.Newf(kind, "%s exited %d: %s", label, res.ExitCode, res.Stderr)
	}
	return nil
}

// Setup drives stages 1-4: work dir scaffolding, terraform init, env
// start and initial provisioning.
func (r *Runner) Setup(ctx context.Context) error {
	if err := r.runStage(ctx, StagePrepareWorkDir, errdefs.KindWorkDirPreparation, r.prepareWorkDirFiles); err != nil {
		return err
	}
	if err := r.runStage(ctx, StageInitTerraform, errdefs.KindTerraformInit, r.initializeTerraform); err != nil {
		return err
	}
	if err := r.runStage(ctx, StageStartEnv, errdefs.KindStartEnvironment, r.startEnv); err != nil {
		return err
	}
	return r.runStage(ctx, StageProvision, errdefs.KindProvision, r.initialProvision)
}

func (r *Runner) prepareWorkDirFiles(ctx context.Context) (types.CommandResult, error) {
	workDir, err := os.MkdirTemp("/tmp", r.driver.Name()+"_")
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	r.workDir = workDir
	r.artifactsDir = filepath.Join(workDir, artifactsSubdir)
	if err := os.MkdirAll(r.artifactsDir, 0o755); err != nil {
		return types.CommandResult{}, fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	if r.cfg.ResourcesDir != "" {
		if err := copyTree(filepath.Join(r.cfg.ResourcesDir, "ansible"), workDir); err != nil {
			return types.CommandResult{}, fmt.Errorf("failed to copy ansible files: %w", err)
		}
		if err := copyTree(filepath.Join(r.cfg.ResourcesDir, integrityTestsDir),
			filepath.Join(workDir, integrityTestsDir)); err != nil {
			return types.CommandResult{}, fmt.Errorf("failed to copy integrity tests: %w", err)
		}
	}

	if err := r.renderInventory(); err != nil {
		return types.CommandResult{}, err
	}
	if err := r.driver.RenderMain(r); err != nil {
		return types.CommandResult{}, err
	}
	if err := r.driver.RenderVars(r); err != nil {
		return types.CommandResult{}, err
	}

	return types.CommandResult{Stdout: "work dir prepared at " + workDir}, nil
}

// renderInventory writes the ansible inventory. The single host group is
// named after the environment; VM drivers rebind the host once the IP is
// known.
func (r *Runner) renderInventory() error {
	host := r.envName
	remoteUser := ""
	keyPath := ""
	if r.driver.ConnectionType() == "ssh" {
		if r.vmIP != "" {
			host = r.vmIP
		}
		remoteUser = "root"
		keyPath = r.cfg.SSHClientKeyPath
	}
	return render.ToFile(r.workDir, inventoryFile, render.Inventory, render.InventoryParams{
		GroupName:      r.envName,
		Host:           host,
		ConnectionType: r.driver.ConnectionType(),
		RemoteUser:     remoteUser,
		ClientKeyPath:  keyPath,
	})
}

func (r *Runner) initializeTerraform(ctx context.Context) (types.CommandResult, error) {
	var res types.CommandResult
	err := withTerraformInitLock(ctx, func() error {
		var runErr error
		res, runErr = r.exec(ctx, "terraform", []string{"init", "-no-color"})
		return runErr
	})
	return res, err
}

// startErrorClassifier lets a driver map an opaque terraform apply
// failure onto a more specific error.
type startErrorClassifier interface {
	ClassifyStartError(r *Runner, res types.CommandResult) error
}

func (r *Runner) startEnv(ctx context.Context) (types.CommandResult, error) {
	args := []string{"apply", "--auto-approve", "-no-color"}
	if vars := r.driver.VarsFile(); vars != "" {
		args = append(args, "-var-file="+vars)
	}
	res, err := r.exec(ctx, "terraform", args)
	if err != nil || !res.Succeeded() {
		if c, ok := r.driver.(startErrorClassifier); ok {
			if cerr := c.ClassifyStartError(r, res); cerr != nil {
				return res, cerr
			}
		}
		return res, err
	}
	if err := r.driver.PostStartHook(ctx, r); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) initialProvision(ctx context.Context) (types.CommandResult, error) {
	if err := r.driver.PreProvisionHook(ctx, r); err != nil {
		return types.CommandResult{}, err
	}

	repos, err := json.Marshal(types.NormalizeRepositories(r.payload.Repositories))
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("failed to encode repositories: %w", err)
	}
	extraVars := map[string]string{
		"repositories":        string(repos),
		"integrity_tests_dir": integrityTestsDir,
	}
	args := executor.PlaybookArgs(playbookFile, inventoryFile, "initial_provision",
		extraVars, []string{"repositories", "integrity_tests_dir"})
	return r.exec(ctx, "ansible-playbook", args)
}

// InstallPackage drives stage 5: install the package under test through
// the distribution's package manager.
func (r *Runner) InstallPackage(ctx context.Context) error {
	return r.runStage(ctx, StageInstallPackage, errdefs.KindInstallPackage, r.installPackage)
}

func (r *Runner) installPackage(ctx context.Context) (types.CommandResult, error) {
	manager, err := PackageManager(r.payload.DistName, r.payload.DistVersion)
	if err != nil {
		return types.CommandResult{}, err
	}

	pkgSpec := r.payload.PackageName
	if r.payload.PackageVersion != "" {
		pkgSpec += versionSeparator(manager) + r.payload.PackageVersion
	}

	extraVars := map[string]string{"pkg_name": pkgSpec}
	keys := []string{"pkg_name"}
	if r.payload.ModuleName != "" {
		extraVars["module_name"] = r.payload.ModuleName
		extraVars["module_stream"] = r.payload.ModuleStream
		extraVars["module_version"] = r.payload.ModuleVersion
		keys = append(keys, "module_name", "module_stream", "module_version")
	}

	args := executor.PlaybookArgs(playbookFile, inventoryFile, "install_package", extraVars, keys)
	return r.exec(ctx, "ansible-playbook", args)
}

// RunPackageIntegrityTests drives stage 6. The outcome lands in the
// reserved tests sub-mapping; a failure classifies as a test error but
// never as an infrastructure fault.
func (r *Runner) RunPackageIntegrityTests(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, StageIntegrityTests)

	args := []string{
		"-i", inventoryFile,
		"--package-name", r.payload.PackageName,
		"--tap-output-dir", r.artifactsDir,
	}
	if r.payload.PackageVersion != "" {
		args = append(args, "--package-version", r.payload.PackageVersion)
	}

	res, err := r.exec(ctx, testsRunnerBinary, args)
	if err != nil {
		res = types.CommandResult{ExitCode: 1, Stderr: err.Error()}
	}
	r.artifacts.RecordTest(StageIntegrityTests, res)
	if !res.Succeeded() {
		return errdefs.Newf(errdefs.KindPackageIntegrityTests,
			"integrity tests exited %d", res.ExitCode)
	}
	return nil
}

func (r *Runner) publishArtifacts(ctx context.Context) (types.CommandResult, error) {
	if err := r.writeExecStats(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to write exec stats")
	}
	if err := r.artifacts.WriteLogs(r.artifactsDir); err != nil {
		return types.CommandResult{}, err
	}
	if r.uploader == nil {
		return types.CommandResult{Stdout: "no uploader configured, artifacts kept locally"}, nil
	}
	uploaded, err := r.uploader.UploadDir(r.artifactsDir, r.taskID)
	if err != nil {
		return types.CommandResult{}, err
	}
	r.uploadedLogs = uploaded
	metrics.ArtifactsUploaded.Add(float64(len(uploaded)))
	return types.CommandResult{Stdout: fmt.Sprintf("uploaded %d artifacts", len(uploaded))}, nil
}

// writeExecStats dumps the per-tool timing stats next to the stage logs.
func (r *Runner) writeExecStats() error {
	stats := make(map[string]types.ExecStat)
	for _, ex := range r.executors {
		for stage, stat := range ex.ExecStats() {
			stats[stage] = stat
		}
	}
	if len(stats) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.artifactsDir, "exec_stats.json"), data, 0o644)
}

func (r *Runner) stopEnv(ctx context.Context) (types.CommandResult, error) {
	args := []string{"destroy", "--auto-approve", "-no-color"}
	if vars := r.driver.VarsFile(); vars != "" {
		args = append(args, "-var-file="+vars)
	}
	return r.exec(ctx, "terraform", args)
}

// Teardown releases the environment: destroy first so the environment is
// freed even when upload is slow, then publish (guarded), then erase the
// work dir. Every step is individually guarded; teardown itself never
// raises.
func (r *Runner) Teardown(publish bool) {
	if r.tornDown {
		return
	}
	r.tornDown = true

	ctx := context.Background()
	if r.workDir != "" {
		if err := r.runStage(ctx, StageStopEnv, errdefs.KindStopEnvironment, r.stopEnv); err != nil {
			r.logger.Error().Err(err).Msg("failed to stop environment")
		}
		if publish {
			if err := r.runStage(ctx, StagePublish, errdefs.KindPublishArtifacts, r.publishArtifacts); err != nil {
				r.logger.Error().Err(err).Msg("failed to publish artifacts")
			}
		}
	}
	r.eraseWorkDir()
}

// Close tears down defensively in case the caller forgot.
func (r *Runner) Close() {
	r.Teardown(true)
}

func (r *Runner) eraseWorkDir() {
	if r.workDir == "" {
		return
	}
	if err := os.RemoveAll(r.workDir); err != nil {
		r.logger.Error().Err(err).Str("work_dir", r.workDir).Msg("failed to erase work dir")
		return
	}
	r.logger.Debug().Str("work_dir", r.workDir).Msg("work dir erased")
	r.workDir = ""
}

// PackageManager resolves the in-guest package manager from the dist.
func PackageManager(distName, distVersion string) (string, error) {
	switch {
	case distName == "fedora":
		return "dnf", nil
	case rhelFamily[distName]:
		if strings.HasPrefix(distVersion, "8") {
			return "dnf", nil
		}
		return "yum", nil
	case isDebianFamily(distName):
		return "apt-get", nil
	default:
		return "", fmt.Errorf("no package manager known for distribution %s", distName)
	}
}

var rhelFamily = map[string]bool{
	"almalinux":   true,
	"centos":      true,
	"rhel":        true,
	"cloudlinux":  true,
	"rocky":       true,
	"oraclelinux": true,
}

// versionSeparator joins package name and version the way the manager
// expects: name-version for yum/dnf, name=version for apt-get.
func versionSeparator(manager string) string {
	if manager == "apt-get" {
		return "="
	}
	return "-"
}

// copyTree recursively copies src into dst. A missing src is not an
// error so deployments without optional resources still work.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
