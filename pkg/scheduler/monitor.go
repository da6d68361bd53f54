package scheduler

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/metrics"
	"github.com/cuemby/crucible/pkg/storage"
	"github.com/cuemby/crucible/pkg/types"
)

const (
	// resultFetchTimeout bounds one result-store read; expiry means the
	// task has simply not reported yet.
	resultFetchTimeout = 2 * time.Second

	// Inter-pass sleep bounds; randomized to avoid lockstep with other
	// schedulers sharing the backend.
	passSleepMin = 10 * time.Second
	passSleepMax = 15 * time.Second
)

// ResultFetcher is the result-store surface the monitor needs.
type ResultFetcher interface {
	Get(ctx context.Context, taskID string, timeout time.Duration) (types.TaskResult, bool, error)
}

// Monitor reconciles persisted task status with the state reported by
// the result store.
type Monitor struct {
	store   storage.Store
	results ResultFetcher
	term    *TerminationEvents

	// limiter paces per-task result fetches so the backend is not
	// hammered: 2/s matches the 500 ms inter-task gap.
	limiter *rate.Limiter
}

// NewMonitor wires a monitor to the task table and the result store.
func NewMonitor(store storage.Store, results ResultFetcher, term *TerminationEvents) *Monitor {
	return &Monitor{
		store:   store,
		results: results,
		term:    term,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

// Run is the reconciliation loop. It exits only when graceful and hard
// termination are both requested.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithComponent("monitor")
	logger.Info().Msg("monitor started")

	for !m.term.ShouldExit() {
		if err := m.Pass(ctx); err != nil {
			logger.Error().Err(err).Msg("reconciliation pass failed")
		}
		m.term.Sleep(passSleepMin + time.Duration(rand.Int63n(int64(passSleepMax-passSleepMin))))
	}
	logger.Info().Msg("monitor stopped")
}

// Pass reconciles every non-terminal task once.
func (m *Monitor) Pass(ctx context.Context) error {
	metrics.ReconciliationCyclesTotal.Inc()
	logger := log.WithComponent("monitor")

	tasks, err := m.store.ListUnfinishedTasks()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if m.term.HardSet() {
			return nil
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		reported, ok, err := m.results.Get(ctx, task.TaskID, resultFetchTimeout)
		if err != nil {
			logger.Error().Err(err).Str("task_id", task.TaskID).Msg("result fetch failed")
			continue
		}
		if !ok || reported.State == task.Status {
			continue
		}

		if err := m.store.UpdateTaskStatus(task.TaskID, reported.State); err != nil {
			logger.Error().Err(err).
				Str("task_id", task.TaskID).
				Str("status", string(reported.State)).
				Msg("status update failed")
			continue
		}
		if reported.Duration > 0 {
			if err := m.store.SetTaskDuration(task.TaskID, reported.Duration); err != nil {
				logger.Error().Err(err).Str("task_id", task.TaskID).Msg("duration update failed")
			}
		}

		metrics.TaskStatusUpdates.WithLabelValues(string(reported.State)).Inc()
		logger.Info().
			Str("task_id", task.TaskID).
			Str("from", string(task.Status)).
			Str("to", string(reported.State)).
			Msg("task status reconciled")
	}
	return nil
}
