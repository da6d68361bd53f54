package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/crucible/pkg/api"
	"github.com/cuemby/crucible/pkg/broker"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/scheduler"
	"github.com/cuemby/crucible/pkg/storage"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler: dispatcher, monitor and HTTP API",
	Long: `Run the scheduler process. It polls the upstream build system for
pending jobs, routes them onto broker queues, reconciles task status
against the result store and serves the task-result HTTP API.

Send SIGUSR1 for a graceful drain; SIGINT/SIGTERM terminate.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open task store: %v", err)
	}
	defer store.Close()

	b, err := broker.Connect(cfg.Broker.URL())
	if err != nil {
		return err
	}
	defer b.Close()

	if err := scheduler.SeedQueues(cfg, b, store); err != nil {
		return fmt.Errorf("failed to seed queues: %v", err)
	}

	results := broker.NewResultStore(cfg.Results, time.Duration(cfg.TaskTrackingTimeout)*time.Second)
	defer results.Close()

	term := scheduler.NewTerminationEvents()
	term.Notify()

	ctx := context.Background()
	dispatcher := scheduler.NewDispatcher(cfg, store, b, term)
	monitor := scheduler.NewMonitor(store, results, term)

	go dispatcher.Run(ctx)
	go monitor.Run(ctx)

	server := api.NewServer(cfg, store, results)
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	logger := log.WithComponent("scheduler")
	logger.Info().Msg("scheduler running")

	// Block until both termination events are set, surfacing any server
	// failure in the meantime.
	for !term.ShouldExit() {
		select {
		case err := <-errCh:
			term.SetGraceful()
			term.SetHard()
			return err
		case <-time.After(time.Second):
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	logger.Info().Msg("scheduler stopped")
	return nil
}
