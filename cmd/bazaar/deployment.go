package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/client"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/runtime"
	"github.com/loomworks/bazaar/pkg/types"
)

var (
	deployListenAddr string
	deployLocalDir   string
)

var deploymentCmd = &cobra.Command{
	Use:   "deployment",
	Short: "Serve a deployed model",
	Long: `Serve a deployed model inside a scheduled job. The deployment config
path, model id and task token are injected into the job environment by
the control plane.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DeploymentConfigPath == "" {
			return errors.New("BAZAAR_DEPLOYMENT_CONFIG is not set")
		}

		allocID := cfg.AllocID
		if allocID == "" {
			if allocID, err = os.Hostname(); err != nil {
				return fmt.Errorf("failed to resolve alloc id: %w", err)
			}
		}

		cp := client.New(cfg.PrivateBaseURL, cfg.TaskRunnerToken, client.WithModelID(cfg.ModelID))
		layout, err := artifact.NewLayout(cfg.BazaarDir)
		if err != nil {
			return fmt.Errorf("failed to prepare artifact layout: %w", err)
		}

		var opts []runtime.Option
		if cfg.LLMAPIKey != "" || cfg.LLMBaseURL != "" {
			llmOpts := []openai.Option{
				openai.WithToken(cfg.LLMAPIKey),
				openai.WithModel(cfg.LLMModel),
			}
			if cfg.LLMBaseURL != "" {
				llmOpts = append(llmOpts, openai.WithBaseURL(cfg.LLMBaseURL))
			}
			llm, err := openai.New(llmOpts...)
			if err != nil {
				return fmt.Errorf("failed to build llm backend: %w", err)
			}
			opts = append(opts, runtime.WithLLM(llm))
		}

		rt, err := runtime.New(runtime.Config{
			ConfigPath:    cfg.DeploymentConfigPath,
			ListenAddr:    deployListenAddr,
			AllocID:       allocID,
			LocalDir:      deployLocalDir,
			IdleTimeout:   cfg.IdleShutdownTimeout,
			PermissionTTL: cfg.PermissionTTL,
			LowDiskBytes:  cfg.LowDiskBytes,
		}, cp, layout, cfg.PrivateBaseURL, opts...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := rt.Run(ctx); err != nil {
			logger := log.WithComponent("deployment")
			logger.Error().Err(err).Msg("Runtime exited")
			reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if cfg.DeploymentID != "" {
				if uerr := cp.UpdateDeployStatus(reportCtx, cfg.DeploymentID, types.DeployFailed, err.Error()); uerr != nil {
					logger.Error().Err(uerr).Msg("Failed to report deploy failure")
				}
			}
			return err
		}
		return nil
	},
}

func init() {
	deploymentCmd.Flags().StringVar(&deployListenAddr, "listen-addr", ":8100", "address the deployment HTTP server listens on")
	deploymentCmd.Flags().StringVar(&deployLocalDir, "local-dir", filepath.Join(os.TempDir(), "bazaar-runtime"), "host-local scratch directory for model artifacts")
}
