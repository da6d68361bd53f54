package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/render"
	"github.com/cuemby/crucible/pkg/types"
)

const (
	// sshWaitRetries bounds the post-boot reachability wait.
	sshWaitRetries = 60
	sshWaitDelay   = 10 * time.Second
)

// opennebulaDriver provisions the environment as an OpenNebula VM.
type opennebulaDriver struct {
	cfg *config.Config
}

func (d *opennebulaDriver) Name() string           { return DriverOpennebula }
func (d *opennebulaDriver) Cost() int              { return 1 }
func (d *opennebulaDriver) ConnectionType() string { return "ssh" }
func (d *opennebulaDriver) VarsFile() string       { return "terraform.tfvars" }

func (d *opennebulaDriver) ArchMapping() map[string][]string {
	return map[string][]string{
		"aarch64": {"arm64", "aarch64"},
		"x86_64":  {"x86_64", "amd64", "i386", "i486", "i586", "i686"},
		"ppc64le": {"ppc64le"},
		"s390x":   {"s390x"},
	}
}

func (d *opennebulaDriver) imageSearch(payload types.TaskPayload) render.ImageSearch {
	return render.ImageSearch{
		DistName:    payload.DistName,
		DistVersion: payload.DistVersion,
		DistArch:    payload.DistArch,
		Channels:    d.cfg.VMProvider.AllowedChannels,
	}
}

func (d *opennebulaDriver) RenderMain(r *Runner) error {
	search := d.imageSearch(r.payload)
	return render.ToFile(r.workDir, "main.tf", render.OpennebulaMain, render.OpennebulaMainParams{
		EnvName:    r.envName,
		ImageRegex: search.TerraformRegex(),
		VMGroup:    d.cfg.VMProvider.VMGroup,
		Network:    d.cfg.VMProvider.Network,
	})
}

// emptyTemplateSetRe matches how terraform surfaces an empty template
// data-source match: indexing templates[0] on an empty collection, or
// the provider reporting that nothing matched the name regex.
var emptyTemplateSetRe = regexp.MustCompile(
	`(?i)invalid index|index out of range|collection has no elements|no templates? (found|matched)`)

// ClassifyStartError turns a failed terraform apply into the structured
// image-not-found error when the failure is an empty template match,
// naming the search parameters that produced the regex.
func (d *opennebulaDriver) ClassifyStartError(r *Runner, res types.CommandResult) error {
	if !emptyTemplateSetRe.MatchString(res.Stderr) && !emptyTemplateSetRe.MatchString(res.Stdout) {
		return nil
	}
	return d.imageSearch(r.payload).NotFoundError()
}

func (d *opennebulaDriver) RenderVars(r *Runner) error {
	return render.ToFile(r.workDir, d.VarsFile(), render.OpennebulaVars, render.OpennebulaVarsParams{
		Endpoint: d.cfg.VMProvider.Endpoint,
		Username: d.cfg.VMProvider.Username,
		Password: d.cfg.VMProvider.Password,
	})
}

// PostStartHook discovers the VM's IP from terraform, rebinds the
// inventory to it, and polls SSH reachability through an ansible ping
// with a bounded retry budget.
func (d *opennebulaDriver) PostStartHook(ctx context.Context, r *Runner) error {
	res, err := r.exec(ctx, "terraform", []string{"output", "-raw", "vm_ip"})
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("terraform output vm_ip exited %d: %s", res.ExitCode, res.Stderr)
	}
	r.vmIP = strings.TrimSpace(res.Stdout)
	if r.vmIP == "" {
		return fmt.Errorf("terraform reported an empty vm_ip")
	}

	// The inventory was rendered before the IP existed; bind it now.
	if err := r.renderInventory(); err != nil {
		return fmt.Errorf("failed to rebind inventory to %s: %w", r.vmIP, err)
	}

	logger := log.WithTaskID(r.taskID)
	for attempt := 1; attempt <= sshWaitRetries; attempt++ {
		res, err := r.exec(ctx, "ansible", []string{
			"-i", inventoryFile, r.envName, "-m", "ping",
		})
		if err == nil && res.Succeeded() {
			logger.Debug().Str("vm_ip", r.vmIP).Int("attempt", attempt).Msg("vm reachable")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sshWaitDelay):
		}
	}
	return fmt.Errorf("vm %s not reachable after %d attempts", r.vmIP, sshWaitRetries)
}

func (d *opennebulaDriver) PreProvisionHook(ctx context.Context, r *Runner) error { return nil }
