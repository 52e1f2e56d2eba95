package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/automlkit/ensembled/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single ensemble-building iteration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		drv, db, err := buildDriver(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		result := drv.Run(context.Background(), time.Now().Add(cfg.WallTime.Std()), 0)
		if len(result.History) == 0 {
			fmt.Println("no ensemble produced this round")
			return nil
		}
		for _, snap := range result.History {
			line := fmt.Sprintf("iteration %d: %s=%f over %d models",
				snap.Iteration, snap.Metric, snap.TrainLoss, snap.NumModels)
			if snap.HasTest {
				line += fmt.Sprintf(" (test %f)", snap.TestLoss)
			}
			fmt.Println(line)
		}
		return nil
	},
}
