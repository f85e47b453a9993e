package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/progress"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/store"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished tasks past their retention window",
	Long: `Run one sweep over stored tasks and delete those that finished
longer ago than progress.completed_task_ttl_days. The serve command runs
the same sweep periodically; this is the one-shot form for cron or
operator use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSONOutput,
		})

		gw := store.New(cfg.Redis)
		defer gw.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		engine := progress.New(gw, series.New(nil), cfg.Progress)
		removed, err := engine.RunCleanup(ctx)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		fmt.Printf("Removed %d finished tasks\n", removed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().String("config", "", "Path to YAML configuration file")
}
