package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/bazaar/pkg/api"
	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/cluster"
	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/license"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/manager"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/reconciler"
	"github.com/loomworks/bazaar/pkg/reports"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/vault"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control plane: the public HTTP API, the internal callback
surface for scheduled jobs, the reconciler, and the metrics collector.
Database migrations are applied at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()
		if err := store.Migrate(st.DB()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		layout, err := artifact.NewLayout(cfg.BazaarDir)
		if err != nil {
			return fmt.Errorf("failed to prepare artifact layout: %w", err)
		}
		licensor, err := license.NewVerifier(cfg.LicensePath, cfg.LicensePublicKey)
		if err != nil {
			return fmt.Errorf("failed to load license verifier: %w", err)
		}
		issuer, err := auth.NewIssuer(cfg.JWTSecret)
		if err != nil {
			return err
		}

		var v *vault.Vault
		if cfg.VaultKey != "" {
			if v, err = vault.NewFromHex(cfg.VaultKey); err != nil {
				return fmt.Errorf("failed to load vault key: %w", err)
			}
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		driver := cluster.NewDriver(cfg.SchedulerAddr)
		mgr := manager.New(st, driver, layout, licensor, broker, manager.Config{
			DockerRegistry: cfg.DockerRegistry,
			DockerImage:    cfg.DockerImage,
			DockerTag:      cfg.DockerTag,
			ShareDir:       cfg.BazaarDir,
			PrivateBaseURL: cfg.PrivateBaseURL,
			TaskToken:      cfg.TaskRunnerToken,
			ExtraJobEnv:    cfg.ExtraJobEnv,
		})

		recon := reconciler.New(st, driver, broker)
		recon.Start()
		defer recon.Stop()

		collector := metrics.NewCollector(st, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		srv := api.NewServer(cfg, st, mgr, reports.NewService(st, broker), issuer, v, layout, broker)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.Info("Shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	},
}
