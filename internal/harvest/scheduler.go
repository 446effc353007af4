package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SchedulerConfig controls the run over all batches.
type SchedulerConfig struct {
	// BatchCooldown is the pause between batches that actually did work.
	// The portal's rate limiting keys off sustained request volume, so this
	// is deliberately much larger than the per-request pacing interval.
	BatchCooldown time.Duration
}

// Scheduler iterates batches strictly in order, skipping batches with no
// remaining work, pausing between batches that issued requests, and halting
// the whole run when the runner reports a systemic fetcher failure.
type Scheduler struct {
	runner  *Runner
	stores  StoreFactory
	sleeper Sleeper
	clock   Clock
	ids     IDGenerator
	cfg     SchedulerConfig
	logger  *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(
	runner *Runner,
	stores StoreFactory,
	sleeper Sleeper,
	clock Clock,
	ids IDGenerator,
	cfg SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:  runner,
		stores:  stores,
		sleeper: sleeper,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// RunAll processes every batch in order and returns the overall report. The
// returned error is non-nil only when the run could not continue (context
// finished, storage failure, or systemic fetcher failure); per-parcel
// failures live in the per-batch reports.
func (s *Scheduler) RunAll(ctx context.Context, batches []Batch) (RunReport, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return RunReport{}, fmt.Errorf("generate run id: %w", err)
	}
	report := RunReport{RunID: runID, Started: s.clock.Now()}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			report.Finished = s.clock.Now()
			return report, err
		}

		outcome, err := s.runBatch(ctx, batch)
		report.Batches = append(report.Batches, outcome)
		if err != nil {
			report.Finished = s.clock.Now()
			if errors.Is(err, ErrSystemicFailure) {
				report.Halted = true
				report.HaltedAt = batch.Name
				report.HaltCause = err.Error()
				batchesTotal.WithLabelValues("halted").Inc()
				s.logger.Error("run halted",
					zap.String("run_id", runID),
					zap.String("batch", batch.Name),
					zap.Error(err),
				)
			}
			return report, err
		}

		if outcome.SkippedEntirely {
			batchesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		batchesTotal.WithLabelValues("completed").Inc()

		// Cool down only when requests were actually issued, and not after
		// the last batch.
		if outcome.Report.DidWork() && i < len(batches)-1 {
			s.logger.Info("cooling down before next batch",
				zap.String("batch", batch.Name),
				zap.Duration("cooldown", s.cfg.BatchCooldown),
			)
			s.sleeper.Sleep(ctx, s.cfg.BatchCooldown)
		}
	}

	report.Finished = s.clock.Now()
	s.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("batches", len(report.Batches)),
	)
	return report, nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch Batch) (BatchOutcome, error) {
	ledger, err := s.stores.OpenLedger(ctx, batch.Name)
	if err != nil {
		return BatchOutcome{}, fmt.Errorf("open ledger for %s: %w", batch.Name, err)
	}
	defer closeQuietly(ledger.Close, s.logger, "ledger", batch.Name)

	// A batch with nothing left to do is skipped before the sink is even
	// opened, so it costs neither requests nor cooldown.
	if allDone(batch, ledger) {
		s.logger.Info("batch already complete", zap.String("batch", batch.Name))
		return BatchOutcome{
			Report:          BatchReport{Batch: batch.Name, Skipped: len(batch.BBLs)},
			SkippedEntirely: true,
		}, nil
	}

	sink, err := s.stores.OpenSink(ctx, batch.Name)
	if err != nil {
		return BatchOutcome{}, fmt.Errorf("open sink for %s: %w", batch.Name, err)
	}
	defer closeQuietly(sink.Close, s.logger, "sink", batch.Name)

	s.logger.Info("starting batch",
		zap.String("batch", batch.Name),
		zap.Int("parcels", len(batch.BBLs)),
	)
	rep, err := s.runner.Run(ctx, batch, ledger, sink)
	if err != nil {
		return BatchOutcome{Report: rep}, err
	}
	s.logger.Info("batch finished",
		zap.String("batch", batch.Name),
		zap.Int("skipped", rep.Skipped),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
	)
	return BatchOutcome{Report: rep}, nil
}

func allDone(batch Batch, ledger Ledger) bool {
	for _, parcel := range batch.BBLs {
		if !ledger.Contains(parcel) {
			return false
		}
	}
	return true
}

func closeQuietly(fn func() error, logger *zap.Logger, kind, batch string) {
	if err := fn(); err != nil {
		logger.Warn("close failed",
			zap.String("kind", kind),
			zap.String("batch", batch),
			zap.Error(err),
		)
	}
}
