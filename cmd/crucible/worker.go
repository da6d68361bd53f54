package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/crucible/pkg/artifacts"
	"github.com/cuemby/crucible/pkg/broker"
	"github.com/cuemby/crucible/pkg/scheduler"
	"github.com/cuemby/crucible/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker QUEUE",
	Short: "Run a worker bound to one queue",
	Long: `Run a worker process consuming from a single queue. The queue name
carries the runner type, architecture class and cost, for example:

  crucible worker docker-x86_64-0
  crucible worker opennebula-aarch64-1

Send SIGUSR1 for a graceful drain; SIGINT/SIGTERM terminate.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	queue := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := broker.Connect(cfg.Broker.URL())
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.DeclareQueue(queue); err != nil {
		return fmt.Errorf("failed to declare queue %s: %v", queue, err)
	}

	results := broker.NewResultStore(cfg.Results, time.Duration(cfg.TaskTrackingTimeout)*time.Second)
	defer results.Close()

	uploader, err := artifacts.NewUploader(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to set up artifact uploader: %v", err)
	}

	term := scheduler.NewTerminationEvents()
	term.Notify()

	w, err := worker.New(cfg, queue, b, results, uploader, term)
	if err != nil {
		return err
	}
	return w.Run(context.Background())
}
