package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/bazaar/pkg/client"
	"github.com/loomworks/bazaar/pkg/reports"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run report workers",
	Long: `Run a pool of report workers. Each worker polls the control plane
for queued reports, claims one under a lease, builds the report and
posts the result back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateWorker(); err != nil {
			return err
		}

		cp := client.New(cfg.PrivateBaseURL, cfg.TaskRunnerToken)
		pool := reports.NewPool(cp, cfg.WorkerCount, cfg.WorkerPollInterval)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return pool.Run(ctx)
	},
}
