package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
)

// RunnerConfig controls per-batch execution.
type RunnerConfig struct {
	// FatalStreakLimit is the number of consecutive fatal fetch outcomes
	// after which the batch aborts with ErrSystemicFailure. Zero disables
	// the escalation.
	FatalStreakLimit int
}

// Runner executes one batch: it consults the ledger for resume, fetches each
// remaining parcel with bounded retry, and persists outcomes in sink-then-
// ledger order. A Runner instance owns its batch's ledger and sink for the
// duration of Run; no other runner may touch them concurrently.
type Runner struct {
	fetcher Fetcher
	retry   RetryPolicy
	pacer   Pacer
	clock   Clock
	cfg     RunnerConfig
	logger  *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(
	fetcher Fetcher,
	retry RetryPolicy,
	pacer Pacer,
	clock Clock,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		fetcher: fetcher,
		retry:   retry,
		pacer:   pacer,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run processes the batch in order. Per-parcel failures are recorded in the
// report and never abort the batch; Run returns an error only for context
// cancellation, storage failures, or a systemic fatal streak.
func (r *Runner) Run(ctx context.Context, batch Batch, ledger Ledger, sink Sink) (BatchReport, error) {
	report := BatchReport{Batch: batch.Name, Started: r.clock.Now()}
	fatalStreak := 0

	for _, parcel := range batch.BBLs {
		if err := ctx.Err(); err != nil {
			report.Finished = r.clock.Now()
			return report, err
		}
		if ledger.Contains(parcel) {
			report.Skipped++
			skippedTotal.Inc()
			continue
		}

		rec, err := r.fetchWithRetry(ctx, parcel)
		switch {
		case err == nil:
			// Sink row first, ledger mark second: a crash between the two
			// only causes a harmless re-fetch, never a missing-but-marked row.
			if err := sink.Append(ctx, parcel, rec); err != nil {
				report.Finished = r.clock.Now()
				return report, fmt.Errorf("append %s to sink: %w", parcel, err)
			}
			if err := ledger.MarkDone(ctx, parcel); err != nil {
				report.Finished = r.clock.Now()
				return report, fmt.Errorf("mark %s done: %w", parcel, err)
			}
			report.Succeeded++
			fatalStreak = 0
			fetchesTotal.WithLabelValues(outcomeSuccess).Inc()
			r.logger.Info("parcel fetched",
				zap.String("batch", batch.Name),
				zap.String("bbl", parcel.String()),
				zap.Int("fields", rec.Len()),
			)

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			report.Finished = r.clock.Now()
			return report, err

		case errors.Is(err, ErrNotFound):
			report.Failed++
			report.Failures = append(report.Failures, Failure{BBL: parcel, Reason: err.Error()})
			fatalStreak = 0
			fetchesTotal.WithLabelValues(outcomeNotFound).Inc()
			r.logger.Warn("no record for parcel",
				zap.String("batch", batch.Name),
				zap.String("bbl", parcel.String()),
			)

		case IsFatal(err):
			report.Failed++
			report.Failures = append(report.Failures, Failure{BBL: parcel, Reason: err.Error()})
			fatalStreak++
			fetchesTotal.WithLabelValues(outcomeFatal).Inc()
			r.logger.Error("fatal fetch outcome",
				zap.String("batch", batch.Name),
				zap.String("bbl", parcel.String()),
				zap.Int("streak", fatalStreak),
				zap.Error(err),
			)
			if r.cfg.FatalStreakLimit > 0 && fatalStreak >= r.cfg.FatalStreakLimit {
				report.Finished = r.clock.Now()
				return report, fmt.Errorf(
					"%d consecutive fatal outcomes in batch %s: %w",
					fatalStreak, batch.Name, ErrSystemicFailure,
				)
			}

		default:
			// Transient retries exhausted; demote to a recorded failure so
			// one bad parcel never aborts the batch.
			report.Failed++
			report.Failures = append(report.Failures, Failure{BBL: parcel, Reason: err.Error()})
			fatalStreak = 0
			fetchesTotal.WithLabelValues(outcomeTransient).Inc()
			r.logger.Warn("retries exhausted",
				zap.String("batch", batch.Name),
				zap.String("bbl", parcel.String()),
				zap.Error(err),
			)
		}
	}

	report.Finished = r.clock.Now()
	return report, nil
}

// fetchWithRetry runs the bounded retry loop for one parcel. The pacer gates
// every attempt, including retries, so the portal never sees two requests
// closer together than the configured interval.
func (r *Runner) fetchWithRetry(ctx context.Context, parcel bbl.BBL) (*FieldRecord, error) {
	for attempt := 1; ; attempt++ {
		if err := r.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		start := r.clock.Now()
		rec, err := r.fetcher.Fetch(ctx, parcel)
		fetchDuration.Observe(r.clock.Now().Sub(start).Seconds())
		if err == nil {
			return rec, nil
		}
		if !r.retry.ShouldRetry(err, attempt) {
			return nil, err
		}

		retriesTotal.Inc()
		backoff := r.retry.Backoff(attempt)
		r.logger.Debug("retrying after transient failure",
			zap.String("bbl", parcel.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !sleepCtx(ctx, backoff) {
			return nil, ctx.Err()
		}
	}
}

// sleepCtx waits d, returning false if the context finished first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
