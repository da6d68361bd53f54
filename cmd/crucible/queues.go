package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/crucible/pkg/scheduler"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Print the full queue set for the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, q := range scheduler.QueueSet(cfg) {
			fmt.Println(q.Name)
		}
		return nil
	},
}
