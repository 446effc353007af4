// Package cmd defines the CLI commands for the bisharvest executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/config"
	"github.com/openparcels/bisharvest/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bisharvest",
		Short: "Batch harvester for NYC property records from the BIS portal",
		Long: `bisharvest fetches property profile records from the NYC Department of
Buildings BIS web portal, one parcel (BBL) at a time, politely paced and
resumable. Input parcel lists are split into batches, each batch keeps a
durable ledger of finished parcels and a CSV sink of fetched records, and
interrupted runs pick up exactly where they stopped.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, optional)")
	cmd.AddCommand(newSplitCmd(), newHarvestCmd(), newCombineCmd(), newCheckCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by all subcommands.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
