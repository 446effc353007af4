package harvest

import (
	"context"
	"time"

	"github.com/openparcels/bisharvest/internal/bbl"
)

// Fetcher retrieves the detail-page fields for one parcel. Implementations
// block on network I/O and must classify failures as ErrNotFound,
// TransientError, or FatalError.
type Fetcher interface {
	Fetch(ctx context.Context, b bbl.BBL) (*FieldRecord, error)
}

// Ledger is the durable, append-only set of parcels already fetched for one
// batch. MarkDone must be flushed to stable storage before returning and must
// be idempotent. Losing a mark only causes a harmless duplicate fetch on
// resume; a mark without its sink row would lose data, which is why the
// runner writes the sink row first.
type Ledger interface {
	Contains(b bbl.BBL) bool
	MarkDone(ctx context.Context, b bbl.BBL) error
	Close() error
}

// Sink is the durable, append-only store of fetched records for one batch,
// uniquely keyed by BBL. Reopening an existing store must preserve prior rows
// verbatim, and appending a parcel that already has a row must keep the
// existing row and return nil: after a crash between a sink write and its
// ledger mark, the resume re-fetch replays the append before re-marking.
type Sink interface {
	Append(ctx context.Context, b bbl.BBL, rec *FieldRecord) error
	Close() error
}

// StoreFactory opens the per-batch ledger and sink. The scheduler owns the
// choice of backing store (files or Postgres); the runner only sees the
// interfaces.
type StoreFactory interface {
	OpenLedger(ctx context.Context, batch string) (Ledger, error)
	OpenSink(ctx context.Context, batch string) (Sink, error)
}

// Pacer enforces the per-request delay toward the portal. Wait blocks until
// the next request is allowed or the context is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RetryPolicy decides whether a failed fetch attempt should be retried and
// how long to back off first.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Sleeper pauses for the inter-batch cooldown, honoring the context.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
