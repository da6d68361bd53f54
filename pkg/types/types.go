package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a dispatched task. The scheduler
// introduces StatusNew on creation; every other value mirrors what the
// result store reports.
type TaskStatus string

const (
	StatusNew     TaskStatus = "NEW"
	StatusPending TaskStatus = "PENDING"
	StatusStarted TaskStatus = "STARTED"
	StatusRetry   TaskStatus = "RETRY"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailure TaskStatus = "FAILURE"
	StatusRevoked TaskStatus = "REVOKED"
)

// ReadyStates is the set of terminal states. Once a task reaches one of
// these no further transitions occur.
var ReadyStates = map[TaskStatus]bool{
	StatusSuccess: true,
	StatusFailure: true,
	StatusRevoked: true,
}

// IsReady reports whether the status is terminal.
func (s TaskStatus) IsReady() bool {
	return ReadyStates[s]
}

// Repository is one package repository handed to the environment.
type Repository struct {
	Name    string `json:"name" yaml:"name"`
	BaseURL string `json:"baseurl" yaml:"baseurl"`
}

// NormalizeRepositories fills blank repository names with repo-<i>.
func NormalizeRepositories(repos []Repository) []Repository {
	out := make([]Repository, len(repos))
	for i, r := range repos {
		if r.Name == "" {
			r.Name = fmt.Sprintf("repo-%d", i)
		}
		out[i] = r
	}
	return out
}

// RunnerTypeAny lets the scheduler pick any permitted runner.
const RunnerTypeAny = "any"

// TaskPayload is the immutable job description supplied by the upstream
// build system. The scheduler injects TaskID before publishing.
type TaskPayload struct {
	TaskID         string       `json:"task_id,omitempty"`
	RunnerType     string       `json:"runner_type"`
	DistName       string       `json:"dist_name"`
	DistVersion    string       `json:"dist_version"`
	DistArch       string       `json:"dist_arch"`
	Repositories   []Repository `json:"repositories"`
	PackageName    string       `json:"package_name"`
	PackageVersion string       `json:"package_version,omitempty"`
	ModuleName     string       `json:"module_name,omitempty"`
	ModuleStream   string       `json:"module_stream,omitempty"`
	ModuleVersion  string       `json:"module_version,omitempty"`
	CallbackHref   string       `json:"callback_href,omitempty"`
	BSTaskID       string       `json:"bs_task_id,omitempty"`
}

// UnmarshalJSON coerces dist_version into a string. Upstream payloads
// carry it either quoted ("8.10") or as a bare number (8); a number is
// kept verbatim so no precision is lost.
func (p *TaskPayload) UnmarshalJSON(data []byte) error {
	type alias TaskPayload
	aux := struct {
		DistVersion json.RawMessage `json:"dist_version"`
		*alias
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.DistVersion) == 0 || string(aux.DistVersion) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(aux.DistVersion, &s); err == nil {
		p.DistVersion = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.DistVersion, &n); err != nil {
		return fmt.Errorf("dist_version must be a string or number, got %s", aux.DistVersion)
	}
	p.DistVersion = n.String()
	return nil
}

// TaskRecord is the durable row tracked by the scheduler for each
// dispatched task.
type TaskRecord struct {
	TaskID       string     `json:"task_id"`
	QueueName    string     `json:"queue_name"`
	Status       TaskStatus `json:"status"`
	TaskDuration float64    `json:"task_duration,omitempty"`
	BSTaskID     string     `json:"bs_task_id,omitempty"`
	CallbackHref string     `json:"callback_href,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Queue is one broker queue keyed by (driver, architecture, cost).
type Queue struct {
	Name        string `json:"name"`
	Cost        int    `json:"cost"`
	MaxCapacity int    `json:"max_capacity,omitempty"`
}

// CommandResult is the uniform outcome of every external invocation:
// local process, SSH command or docker exec.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Succeeded reports whether the command exited cleanly.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// TimeoutExitCode is the sentinel exit code recorded when an external
// command exceeds its deadline.
const TimeoutExitCode = 408

// StageSummary is the per-stage entry of a task summary.
type StageSummary struct {
	Success bool `json:"success"`
}

// TaskResult is what a worker writes to the result store once a task
// reaches a terminal state.
type TaskResult struct {
	State    TaskStatus              `json:"state"`
	Summary  map[string]StageSummary `json:"result,omitempty"`
	Duration float64                 `json:"duration_seconds,omitempty"`
	Logs     map[string]string       `json:"uploaded_logs,omitempty"`
}

// ExecStat records the timing of one executor invocation.
type ExecStat struct {
	StartTS      time.Time `json:"start_ts"`
	EndTS        time.Time `json:"end_ts"`
	DeltaSeconds float64   `json:"delta_seconds"`
}
