package scheduler

import (
	"sort"

	"github.com/cuemby/crucible/pkg/broker"
	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/runner"
	"github.com/cuemby/crucible/pkg/storage"
	"github.com/cuemby/crucible/pkg/types"
)

// maxQueueCost is the highest per-queue cost class. Costs run 0..4 so the
// queue set stays stable even when a driver's own cost changes.
const maxQueueCost = 4

// QueueSet enumerates every queue the system may route to: the cartesian
// product of driver, arch class and cost, plus the default queue.
func QueueSet(cfg *config.Config) []types.Queue {
	var queues []types.Queue
	for _, name := range cfg.RunnersAllowed(runner.KnownDrivers()) {
		drv, err := runner.NewDriver(name, cfg)
		if err != nil {
			continue
		}
		classes := make([]string, 0, len(drv.ArchMapping()))
		for class := range drv.ArchMapping() {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			for cost := 0; cost <= maxQueueCost; cost++ {
				queues = append(queues, types.Queue{
					Name: runner.QueueName(name, class, cost),
					Cost: cost,
				})
			}
		}
	}
	queues = append(queues, types.Queue{Name: broker.DefaultQueue})
	return queues
}

// SeedQueues declares the full queue set on the broker and mirrors it into
// the store so the HTTP surface can list it.
func SeedQueues(cfg *config.Config, b *broker.Broker, store storage.Store) error {
	queues := QueueSet(cfg)
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.Name
	}
	if err := b.DeclareQueues(names); err != nil {
		return err
	}
	for i := range queues {
		if err := store.UpsertQueue(&queues[i]); err != nil {
			return err
		}
	}
	return nil
}
