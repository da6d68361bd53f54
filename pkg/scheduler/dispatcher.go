package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/metrics"
	"github.com/cuemby/crucible/pkg/runner"
	"github.com/cuemby/crucible/pkg/storage"
	"github.com/cuemby/crucible/pkg/types"
)

// pollInterval paces the upstream pull loop.
const pollInterval = 10 * time.Second

// Publisher is the broker surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Dispatcher pulls pending jobs from the upstream build system, admits
// and routes them, and tracks them in the task table.
type Dispatcher struct {
	cfg    *config.Config
	store  storage.Store
	broker Publisher
	term   *TerminationEvents

	client *http.Client
	// pickRunner selects one runner type for runner_type=any payloads.
	pickRunner func(allowed []string) string
}

// NewDispatcher wires a dispatcher to the broker and the task table.
func NewDispatcher(cfg *config.Config, store storage.Store, pub Publisher, term *TerminationEvents) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		broker: pub,
		term:   term,
		client: &http.Client{Timeout: 30 * time.Second},
		pickRunner: func(allowed []string) string {
			return allowed[rand.Intn(len(allowed))]
		},
	}
}

// Run is the pull-based scheduling loop. It exits only when graceful and
// hard termination are both requested.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := log.WithComponent("dispatcher")
	logger.Info().Msg("dispatcher started")

	for !d.term.ShouldExit() {
		payloads, err := d.fetchUpstream(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("upstream poll failed")
			metrics.UpstreamPollErrors.Inc()
		} else {
			for _, payload := range payloads {
				if _, _, err := d.Submit(ctx, payload); err != nil {
					logger.Error().Err(err).
						Str("bs_task_id", payload.BSTaskID).
						Msg("failed to dispatch payload")
				}
			}
		}
		d.term.Sleep(pollInterval)
	}
	logger.Info().Msg("dispatcher stopped")
}

// fetchUpstream pulls the pending job list. An empty array means nothing
// to do.
func (d *Dispatcher) fetchUpstream(ctx context.Context) ([]types.TaskPayload, error) {
	url := d.cfg.Scheduler.BSHost + d.cfg.Scheduler.BSTasksEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.Scheduler.BSToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %s", resp.Status)
	}

	var payloads []types.TaskPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return payloads, nil
}

// Submit admits one payload, publishes it onto its queue and inserts the
// task record. Returns the queue name and minted task id.
func (d *Dispatcher) Submit(ctx context.Context, payload types.TaskPayload) (string, string, error) {
	logger := log.WithComponent("dispatcher")

	payload.DistName = strings.ToLower(payload.DistName)
	payload.DistArch = strings.ToLower(payload.DistArch)

	if err := validatePayload(payload); err != nil {
		metrics.TasksRejected.WithLabelValues("schema").Inc()
		return "", "", err
	}

	if !contains(d.cfg.SupportedArchitectures, payload.DistArch) {
		metrics.TasksRejected.WithLabelValues("architecture").Inc()
		return "", "", fmt.Errorf("unsupported architecture: %s", payload.DistArch)
	}
	if !contains(d.cfg.SupportedDistributions, payload.DistName) {
		metrics.TasksRejected.WithLabelValues("distribution").Inc()
		return "", "", fmt.Errorf("unsupported distribution: %s", payload.DistName)
	}

	runnerType := payload.RunnerType
	allowed := d.cfg.RunnersAllowed(runner.KnownDrivers())
	if runnerType == types.RunnerTypeAny {
		if len(allowed) == 0 {
			metrics.TasksRejected.WithLabelValues("runner").Inc()
			return "", "", fmt.Errorf("no runner types permitted by config")
		}
		runnerType = d.pickRunner(allowed)
	} else if !contains(allowed, runnerType) {
		metrics.TasksRejected.WithLabelValues("runner").Inc()
		return "", "", fmt.Errorf("runner type not permitted: %s", runnerType)
	}

	drv, err := runner.NewDriver(runnerType, d.cfg)
	if err != nil {
		metrics.TasksRejected.WithLabelValues("runner").Inc()
		return "", "", err
	}

	archClass, ok := runner.QueueArch(drv.ArchMapping(), payload.DistArch)
	if !ok {
		metrics.TasksRejected.WithLabelValues("architecture").Inc()
		return "", "", fmt.Errorf("cannot map requested architecture %s for runner %s",
			payload.DistArch, runnerType)
	}
	queueName := runner.QueueName(runnerType, archClass, drv.Cost())

	payload.TaskID = uuid.New().String()
	payload.RunnerType = runnerType
	payload.Repositories = types.NormalizeRepositories(payload.Repositories)

	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode payload: %w", err)
	}

	// Publish first; a task record without a message is worse than an
	// orphaned message the monitor can still pick up.
	if err := d.broker.Publish(ctx, queueName, body); err != nil {
		return "", "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	record := &types.TaskRecord{
		TaskID:       payload.TaskID,
		QueueName:    queueName,
		Status:       types.StatusNew,
		BSTaskID:     payload.BSTaskID,
		CallbackHref: payload.CallbackHref,
	}
	if err := d.store.CreateTask(record); err != nil {
		// The message is already out; reconciliation will surface the
		// orphan. Log and move on.
		logger.Error().Err(err).Str("task_id", payload.TaskID).
			Msg("task enqueued but record insert failed")
	}

	metrics.TasksDispatched.WithLabelValues(queueName).Inc()
	logger.Info().
		Str("task_id", payload.TaskID).
		Str("queue", queueName).
		Str("package", payload.PackageName).
		Msg("task dispatched")
	return queueName, payload.TaskID, nil
}

func validatePayload(p types.TaskPayload) error {
	var missing []string
	if p.RunnerType == "" {
		missing = append(missing, "runner_type")
	}
	if p.DistName == "" {
		missing = append(missing, "dist_name")
	}
	if p.DistVersion == "" {
		missing = append(missing, "dist_version")
	}
	if p.DistArch == "" {
		missing = append(missing, "dist_arch")
	}
	if p.PackageName == "" {
		missing = append(missing, "package_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("payload missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
