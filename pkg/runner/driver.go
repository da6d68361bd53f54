// Package runner drives the environment lifecycle for one task: work dir
// scaffolding, terraform init/apply, in-guest provisioning, package
// installation, integrity tests, artifact publishing and teardown.
package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/crucible/pkg/config"
)

// Driver is an infrastructure back-end providing ephemeral environments.
// The base pipeline composes these hooks; drivers carry no pipeline logic
// of their own.
type Driver interface {
	// Name is the driver identifier used in queue names and env names.
	Name() string
	// Cost is the driver's class constant in queue names.
	Cost() int
	// ArchMapping returns the driver's arch equivalence classes:
	// class representative -> accepted dist_arch spellings.
	ArchMapping() map[string][]string
	// ConnectionType is the ansible connection plugin for the env.
	ConnectionType() string
	// VarsFile names the terraform variables file, empty when none.
	VarsFile() string

	// RenderMain writes the driver's main terraform file into the work dir.
	RenderMain(r *Runner) error
	// RenderVars writes the driver's variables file, when it has one.
	RenderVars(r *Runner) error
	// PostStartHook runs after terraform apply, before provisioning.
	PostStartHook(ctx context.Context, r *Runner) error
	// PreProvisionHook runs right before the initial_provision playbook.
	PreProvisionHook(ctx context.Context, r *Runner) error
}

// driverFactory builds a driver from configuration.
type driverFactory func(cfg *config.Config) Driver

// registry is the static driver registry keyed by runner type.
var registry = map[string]driverFactory{
	DriverDocker:     func(cfg *config.Config) Driver { return &dockerDriver{cfg: cfg} },
	DriverOpennebula: func(cfg *config.Config) Driver { return &opennebulaDriver{cfg: cfg} },
}

// Driver names.
const (
	DriverDocker     = "docker"
	DriverOpennebula = "opennebula"
)

// KnownDrivers returns the registered driver names, sorted.
func KnownDrivers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDriver instantiates a registered driver.
func NewDriver(name string, cfg *config.Config) (Driver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown runner type: %s", name)
	}
	return factory(cfg), nil
}

// QueueArch resolves the requested dist_arch to the driver's class
// representative, scanning classes in sorted order for determinism.
func QueueArch(mapping map[string][]string, distArch string) (string, bool) {
	classes := make([]string, 0, len(mapping))
	for class := range mapping {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		for _, member := range mapping[class] {
			if member == distArch {
				return class, true
			}
		}
	}
	return "", false
}

// QueueName forms the broker queue name for a driver and arch class.
func QueueName(driver, archClass string, cost int) string {
	return fmt.Sprintf("%s-%s-%d", driver, archClass, cost)
}
