package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/render"
)

// platformMapping translates a requested dist_arch to the container
// platform string.
var platformMapping = map[string]string{
	"x86_64":  "linux/amd64",
	"amd64":   "linux/amd64",
	"aarch64": "linux/arm64/v8",
	"arm64":   "linux/arm64/v8",
	"i386":    "linux/386",
	"i486":    "linux/386",
	"i586":    "linux/386",
	"i686":    "linux/386",
	"ppc64le": "linux/ppc64le",
	"s390x":   "linux/s390x",
}

// dockerDriver provisions the environment as a container.
type dockerDriver struct {
	cfg             *config.Config
	ExternalNetwork string
}

func (d *dockerDriver) Name() string           { return DriverDocker }
func (d *dockerDriver) Cost() int              { return 0 }
func (d *dockerDriver) ConnectionType() string { return "docker" }
func (d *dockerDriver) VarsFile() string       { return "" }

func (d *dockerDriver) ArchMapping() map[string][]string {
	return map[string][]string{
		"aarch64": {"arm64", "aarch64"},
		"x86_64":  {"x86_64", "amd64", "i386", "i486", "i586", "i686"},
		"ppc64le": {"ppc64le"},
	}
}

func (d *dockerDriver) RenderMain(r *Runner) error {
	platform, ok := platformMapping[r.payload.DistArch]
	if !ok {
		return fmt.Errorf("no container platform for arch %s", r.payload.DistArch)
	}

	var proxyEnv []string
	for _, key := range []string{"http_proxy", "https_proxy", "no_proxy"} {
		if v := os.Getenv(key); v != "" {
			proxyEnv = append(proxyEnv, key+"="+v)
		}
	}

	return render.ToFile(r.workDir, "main.tf", render.DockerMain, render.DockerMainParams{
		EnvName:         r.envName,
		Image:           fmt.Sprintf("%s:%s", r.payload.DistName, r.payload.DistVersion),
		Platform:        platform,
		ExternalNetwork: d.ExternalNetwork,
		ProxyEnv:        proxyEnv,
	})
}

func (d *dockerDriver) RenderVars(r *Runner) error { return nil }

func (d *dockerDriver) PostStartHook(ctx context.Context, r *Runner) error { return nil }

// PreProvisionHook bootstraps a Python interpreter inside Debian-family
// containers. The provisioning playbook needs one on the target, and the
// stock debian/ubuntu images ship without it; this must happen before any
// ansible invocation against the container.
func (d *dockerDriver) PreProvisionHook(ctx context.Context, r *Runner) error {
	if !isDebianFamily(r.payload.DistName) {
		return nil
	}

	logger := log.WithTaskID(r.taskID)
	logger.Debug().Str("dist", r.payload.DistName).Msg("bootstrapping python3 in container")

	for _, cmdArgs := range [][]string{
		{"apt-get", "update"},
		{"apt-get", "install", "-y", "python3"},
	} {
		res, err := r.execInEnv(ctx, cmdArgs)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return fmt.Errorf("container python bootstrap %v exited %d: %s",
				cmdArgs, res.ExitCode, res.Stderr)
		}
	}
	return nil
}

var debianFamily = map[string]bool{
	"debian":   true,
	"ubuntu":   true,
	"raspbian": true,
}

func isDebianFamily(distName string) bool {
	return debianFamily[distName]
}
