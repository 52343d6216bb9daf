package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/bazaar/pkg/config"
	"github.com/loomworks/bazaar/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bazaar",
	Short: "Bazaar - multi-tenant model lifecycle platform",
	Long: `Bazaar trains, deploys, and serves machine-learning models on a
cluster scheduler. One binary carries every process role: the control
plane, the per-deployment inference runtime, the report worker pool,
and the synthetic-data generator.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bazaar version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"YAML config file overlaying BAZAAR_* environment variables")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(deploymentCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(datagenCmd)
}

// loadConfig reads the environment, overlays the optional config file,
// and initializes logging. Every subcommand starts here.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if cfgFile != "" {
		if err := cfg.LoadFile(cfgFile); err != nil {
			return nil, err
		}
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}
