// Package worker consumes task payloads from one broker queue and drives
// the environment pipeline for each, reporting progress and the terminal
// outcome into the result store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/crucible/pkg/artifacts"
	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/metrics"
	"github.com/cuemby/crucible/pkg/runner"
	"github.com/cuemby/crucible/pkg/scheduler"
	"github.com/cuemby/crucible/pkg/types"
)

// ResultWriter is the result-store surface the worker needs.
type ResultWriter interface {
	Set(ctx context.Context, taskID string, result types.TaskResult) error
	SetState(ctx context.Context, taskID string, state types.TaskStatus) error
}

// Consumer opens a delivery stream on a queue.
type Consumer interface {
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
}

// pipeline is the per-task surface of the runner, substituted in tests.
type pipeline interface {
	Setup(ctx context.Context) error
	InstallPackage(ctx context.Context) error
	RunPackageIntegrityTests(ctx context.Context) error
	Teardown(publish bool)
	Artifacts() *artifacts.Collection
	UploadedLogs() map[string]string
}

// Worker drains one queue. The queue name carries the runner type as its
// first dash-separated component.
type Worker struct {
	cfg      *config.Config
	queue    string
	driver   string
	consumer Consumer
	results  ResultWriter
	uploader runner.Uploader
	term     *scheduler.TerminationEvents

	// newPipeline builds the per-task pipeline; tests substitute it.
	newPipeline func(payload types.TaskPayload) (pipeline, error)
}

// New builds a worker bound to one queue.
func New(cfg *config.Config, queue string, consumer Consumer, results ResultWriter,
	uploader runner.Uploader, term *scheduler.TerminationEvents) (*Worker, error) {
	driver, err := driverFromQueue(queue)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:      cfg,
		queue:    queue,
		driver:   driver,
		consumer: consumer,
		results:  results,
		uploader: uploader,
		term:     term,
	}
	w.newPipeline = func(payload types.TaskPayload) (pipeline, error) {
		return runner.New(cfg, driver, payload, uploader)
	}
	return w, nil
}

// driverFromQueue extracts the runner type from a <driver>-<arch>-<cost>
// queue name and checks it against the registry.
func driverFromQueue(queue string) (string, error) {
	for _, name := range runner.KnownDrivers() {
		if len(queue) > len(name) && queue[:len(name)+1] == name+"-" {
			return name, nil
		}
	}
	return "", fmt.Errorf("cannot derive runner type from queue name %q", queue)
}

// Run consumes deliveries until termination. Prefetch is pinned to the
// configured multiplier so a busy worker never holds back tasks another
// idle worker could take.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithQueue(w.queue)

	deliveries, err := w.consumer.Consume(w.queue, w.cfg.PrefetchMultiplier)
	if err != nil {
		return err
	}
	logger.Info().Str("runner_type", w.driver).Msg("worker started")

	for !w.term.ShouldExit() {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", w.queue)
			}
			w.handleDelivery(ctx, delivery)
		case <-time.After(time.Second):
		}
	}
	logger.Info().Msg("worker stopped")
	return nil
}

// handleDelivery processes one message. The message is acked in every
// case: a malformed payload is dropped, a processed one is done either
// way, and the outcome lives in the result store rather than the queue.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	defer delivery.Ack(false)

	var payload types.TaskPayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		logger := log.WithQueue(w.queue)
		logger.Error().Err(err).Msg("dropping undecodable payload")
		return
	}
	w.Process(ctx, payload)
}

// Process runs the full pipeline for one payload and reports the terminal
// result. The environment is always released, and artifacts published,
// whatever stage failed.
func (w *Worker) Process(ctx context.Context, payload types.TaskPayload) types.TaskStatus {
	logger := log.WithTaskID(payload.TaskID)

	if err := validatePayload(payload); err != nil {
		logger.Error().Err(err).Msg("dropping invalid payload")
		return types.StatusFailure
	}

	timer := metrics.NewTimer()
	if err := w.results.SetState(ctx, payload.TaskID, types.StatusStarted); err != nil {
		logger.Warn().Err(err).Msg("failed to report STARTED state")
	}

	p, err := w.newPipeline(payload)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build pipeline")
		w.reportTerminal(ctx, payload.TaskID, types.TaskResult{
			State:    types.StatusFailure,
			Duration: timer.Duration().Seconds(),
		})
		return types.StatusFailure
	}

	state := w.runPipeline(ctx, p, logger)

	result := types.TaskResult{
		State:    state,
		Summary:  p.Artifacts().Summary(),
		Duration: timer.Duration().Seconds(),
		Logs:     p.UploadedLogs(),
	}
	w.reportTerminal(ctx, payload.TaskID, result)

	logger.Info().
		Str("state", string(state)).
		Float64("duration_seconds", result.Duration).
		Msg("task finished")
	return state
}

// runPipeline drives the stages in order, stopping at the first failure.
// Teardown always runs with publishing enabled so failed tasks still
// surface their logs.
func (w *Worker) runPipeline(ctx context.Context, p pipeline, logger zerolog.Logger) types.TaskStatus {
	defer p.Teardown(true)

	steps := []func(context.Context) error{
		p.Setup,
		p.InstallPackage,
		p.RunPackageIntegrityTests,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			logger.Error().Err(err).Msg("pipeline stage failed")
			return types.StatusFailure
		}
	}
	return types.StatusSuccess
}

func (w *Worker) reportTerminal(ctx context.Context, taskID string, result types.TaskResult) {
	metrics.TasksProcessed.WithLabelValues(string(result.State)).Inc()
	if err := w.results.Set(ctx, taskID, result); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Error().Err(err).Msg("failed to report terminal result")
	}
}

func validatePayload(p types.TaskPayload) error {
	switch {
	case p.TaskID == "":
		return fmt.Errorf("payload missing task_id")
	case p.RunnerType == "":
		return fmt.Errorf("payload missing runner_type")
	case p.DistName == "":
		return fmt.Errorf("payload missing dist_name")
	case p.DistVersion == "":
		return fmt.Errorf("payload missing dist_version")
	case p.DistArch == "":
		return fmt.Errorf("payload missing dist_arch")
	case len(p.Repositories) == 0:
		return fmt.Errorf("payload missing repositories")
	case p.PackageName == "":
		return fmt.Errorf("payload missing package_name")
	}
	return nil
}
