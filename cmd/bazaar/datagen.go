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
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/client"
	"github.com/loomworks/bazaar/pkg/datagen"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/types"
)

var (
	datagenModelID      string
	datagenTask         string
	datagenTags         []string
	datagenSamples      int
	datagenTestFraction float64
	datagenParallel     int
)

var datagenCmd = &cobra.Command{
	Use:   "datagen",
	Short: "Generate synthetic training data",
	Long: `Generate synthetic training data for a model. The generator asks the
configured LLM for tag values and sentence templates, mixes in any
user-provided samples from the reservoir, and writes train/test CSVs
into the model's data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateDatagen(); err != nil {
			return err
		}

		modelID := datagenModelID
		if modelID == "" {
			modelID = cfg.ModelID
		}
		if modelID == "" {
			return errors.New("no model id: pass --model-id or set BAZAAR_MODEL_ID")
		}

		layout, err := artifact.NewLayout(cfg.BazaarDir)
		if err != nil {
			return fmt.Errorf("failed to prepare artifact layout: %w", err)
		}

		var llm llms.Model
		if cfg.LLMAPIKey != "" || cfg.LLMBaseURL != "" {
			llmOpts := []openai.Option{
				openai.WithToken(cfg.LLMAPIKey),
				openai.WithModel(cfg.LLMModel),
			}
			if cfg.LLMBaseURL != "" {
				llmOpts = append(llmOpts, openai.WithBaseURL(cfg.LLMBaseURL))
			}
			if llm, err = openai.New(llmOpts...); err != nil {
				return fmt.Errorf("failed to build llm backend: %w", err)
			}
		}

		sampler, err := datagen.OpenReservoir(filepath.Join(layout.DataDir(modelID), "reservoir.db"), datagen.DefaultReservoirCap)
		if err != nil {
			return fmt.Errorf("failed to open sample reservoir: %w", err)
		}
		defer sampler.Close()

		logger := log.WithComponent("datagen")
		provider := datagen.NewProvider(llm, filepath.Join(layout.LogsDir(modelID), "datagen-traceback.log"), logger)
		gen := datagen.NewGenerator(provider, sampler, datagenParallel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := gen.Run(ctx, datagen.Job{
			ModelID:       modelID,
			Task:          datagen.Task(datagenTask),
			Tags:          datagenTags,
			SamplesPerTag: datagenSamples,
			TestFraction:  datagenTestFraction,
			OutDir:        filepath.Join(layout.DataDir(modelID), "generated"),
		})
		if err != nil {
			logger.Error().Err(err).Msg("Generation failed")
			cp := client.New(cfg.PrivateBaseURL, cfg.TaskRunnerToken, client.WithModelID(modelID))
			reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if uerr := cp.UpdateTrainStatus(reportCtx, modelID, types.TrainFailed, err.Error()); uerr != nil {
				logger.Error().Err(uerr).Msg("Failed to report train failure")
			}
			return err
		}

		logger.Info().
			Int("train_rows", result.TrainRows).
			Int("test_rows", result.TestRows).
			Strs("failed_tags", result.FailedTags).
			Msg("Generation complete")
		return nil
	},
}

func init() {
	datagenCmd.Flags().StringVar(&datagenModelID, "model-id", "", "model the generated data belongs to")
	datagenCmd.Flags().StringVar(&datagenTask, "task", string(datagen.TaskToken), "generation task: token or text")
	datagenCmd.Flags().StringSliceVar(&datagenTags, "tags", nil, "tags to generate samples for")
	datagenCmd.Flags().IntVar(&datagenSamples, "samples-per-tag", 100, "samples to generate per tag")
	datagenCmd.Flags().Float64Var(&datagenTestFraction, "test-fraction", 0.1, "fraction of rows held out for testing")
	datagenCmd.Flags().IntVar(&datagenParallel, "parallel", 4, "concurrent tag workers")
}
