package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/batch"
	"github.com/openparcels/bisharvest/internal/bisweb"
	"github.com/openparcels/bisharvest/internal/clock/system"
	"github.com/openparcels/bisharvest/internal/config"
	"github.com/openparcels/bisharvest/internal/harvest"
	"github.com/openparcels/bisharvest/internal/id/uuid"
	"github.com/openparcels/bisharvest/internal/pacing"
	"github.com/openparcels/bisharvest/internal/store"
	"github.com/openparcels/bisharvest/internal/store/postgres"
)

func newHarvestCmd() *cobra.Command {
	var batchDir string

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fetch records for every batch, resuming finished work",
		Long: `Processes every batch file in the batch directory in order. Parcels
already present in a batch's ledger are skipped, so re-running after an
interruption or crash continues from the first unfetched parcel. The run
halts early only when the portal looks systemically broken.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			if batchDir == "" {
				batchDir = filepath.Join(cfg.Store.Dir, "batches")
			}
			return runHarvest(cmd.Context(), cfg, batchDir, logger)
		},
	}

	cmd.Flags().StringVar(&batchDir, "batch-dir", "", "directory of batch files (default <store.dir>/batches)")
	return cmd
}

func runHarvest(parent context.Context, cfg config.Config, batchDir string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths, err := batch.ListBatches(batchDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no batch files in %s; run split first", batchDir)
	}
	batches, err := batch.LoadAll(paths)
	if err != nil {
		return err
	}

	stores, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	fetcher, err := bisweb.New(bisweb.Config{
		BaseURL:              cfg.Portal.BaseURL,
		UserAgent:            cfg.Portal.UserAgent,
		RequestTimeout:       cfg.RequestTimeout(),
		SessionRotationEvery: cfg.Portal.SessionRotationEvery,
	}, logger)
	if err != nil {
		return err
	}

	runner := harvest.NewRunner(
		fetcher,
		harvest.NewExponentialRetryPolicy(cfg.Harvest.MaxAttempts, cfg.BackoffInitial(), cfg.BackoffMax()),
		pacing.NewPacer(cfg.Pacing()),
		system.New(),
		harvest.RunnerConfig{FatalStreakLimit: cfg.Harvest.FatalStreakLimit},
		logger,
	)
	scheduler := harvest.NewScheduler(
		runner,
		stores,
		pacing.TimerSleeper{},
		system.New(),
		uuid.New(),
		harvest.SchedulerConfig{BatchCooldown: cfg.Cooldown()},
		logger,
	)

	report, err := scheduler.RunAll(ctx, batches)
	logSummary(logger, report)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("harvest run: %w", err)
	}
	return nil
}

// buildStores selects the ledger/sink backend from config.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.StoreFactory, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		stores, err := postgres.NewStores(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return stores, func() { _ = stores.Close() }, nil
	default:
		stores, err := store.NewFileStores(cfg.Store.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return stores, func() {}, nil
	}
}

func logSummary(logger *zap.Logger, report harvest.RunReport) {
	var skipped, succeeded, failed int
	for _, outcome := range report.Batches {
		skipped += outcome.Report.Skipped
		succeeded += outcome.Report.Succeeded
		failed += outcome.Report.Failed
	}
	fields := []zap.Field{
		zap.String("run_id", report.RunID),
		zap.Int("batches", len(report.Batches)),
		zap.Int("skipped", skipped),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	}
	if report.Halted {
		fields = append(fields,
			zap.String("halted_at", report.HaltedAt),
			zap.String("cause", report.HaltCause),
		)
		logger.Error("harvest halted", fields...)
		return
	}
	logger.Info("harvest summary", fields...)
}
