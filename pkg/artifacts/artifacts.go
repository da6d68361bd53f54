// Package artifacts turns captured stage results into compressed log
// files and publishes them to blob storage under a per-task prefix.
package artifacts

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/crucible/pkg/types"
)

// Collection is the stage-keyed mapping of captured results. The Tests
// sub-mapping holds individual test outcomes under the reserved "tests"
// label.
type Collection struct {
	Stages map[string]types.CommandResult
	Tests  map[string]types.CommandResult
}

// NewCollection returns an empty artifact collection.
func NewCollection() *Collection {
	return &Collection{
		Stages: make(map[string]types.CommandResult),
		Tests:  make(map[string]types.CommandResult),
	}
}

// Record captures a stage outcome. The "tests" label is reserved for the
// nested sub-mapping and must not be used directly.
func (c *Collection) Record(stage string, result types.CommandResult) {
	c.Stages[stage] = result
}

// RecordTest captures one integrity-test outcome.
func (c *Collection) RecordTest(name string, result types.CommandResult) {
	c.Tests[name] = result
}

// Summary reduces the collection to the per-stage success map a worker
// returns: success means exit code zero for the captured result.
func (c *Collection) Summary() map[string]types.StageSummary {
	out := make(map[string]types.StageSummary, len(c.Stages)+len(c.Tests))
	for stage, res := range c.Stages {
		out[stage] = types.StageSummary{Success: res.Succeeded()}
	}
	for name, res := range c.Tests {
		out["tests_"+name] = types.StageSummary{Success: res.Succeeded()}
	}
	return out
}

// WriteLogs writes one gzip-compressed log per captured entry into dir.
// Entries of the tests sub-mapping are written as tests_<name>.log.gz.
func (c *Collection) WriteLogs(dir string) error {
	for _, stage := range sortedKeys(c.Stages) {
		if err := writeLog(dir, stage+".log.gz", c.Stages[stage]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(c.Tests) {
		if err := writeLog(dir, "tests_"+name+".log.gz", c.Tests[name]); err != nil {
			return err
		}
	}
	return nil
}

func writeLog(dir, name string, res types.CommandResult) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create log %s: %w", name, err)
	}
	gz := gzip.NewWriter(f)

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}

	if _, err := gz.Write([]byte(b.String())); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("failed to write log %s: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush log %s: %w", name, err)
	}
	return f.Close()
}

func sortedKeys(m map[string]types.CommandResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
