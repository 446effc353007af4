// Package postgres backs the per-batch ledger and sink with a shared
// PostgreSQL database instead of local files, for harvests that run across
// machines or need SQL access to the results.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
	"github.com/openparcels/bisharvest/internal/harvest"
)

// db is the slice of pgxpool.Pool the stores use, narrow enough for pgxmock.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS harvest_ledger (
	batch     TEXT        NOT NULL,
	bbl       TEXT        NOT NULL,
	marked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch, bbl)
);
CREATE TABLE IF NOT EXISTS harvest_records (
	batch       TEXT        NOT NULL,
	bbl         TEXT        NOT NULL,
	fields      JSONB       NOT NULL,
	field_order TEXT[]      NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch, bbl)
);`

// Stores opens per-batch ledgers and sinks over one connection pool.
type Stores struct {
	pool   db
	logger *zap.Logger
}

// NewStores connects to the database and ensures the schema exists.
func NewStores(ctx context.Context, dsn string, logger *zap.Logger) (*Stores, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := NewStoresWithPool(pool, logger)
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoresWithPool wraps an existing pool without running migrations.
func NewStoresWithPool(pool db, logger *zap.Logger) *Stores {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stores{pool: pool, logger: logger}
}

func (s *Stores) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// OpenLedger loads the batch's existing marks so Contains stays in memory.
func (s *Stores) OpenLedger(ctx context.Context, batch string) (harvest.Ledger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bbl FROM harvest_ledger WHERE batch = $1`, batch)
	if err != nil {
		return nil, fmt.Errorf("load ledger for batch %s: %w", batch, err)
	}
	defer rows.Close()

	done := make(map[bbl.BBL]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		parcel, perr := bbl.Parse(raw)
		if perr != nil {
			s.logger.Warn("skipping malformed ledger entry",
				zap.String("batch", batch),
				zap.String("value", raw),
			)
			continue
		}
		done[parcel] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load ledger for batch %s: %w", batch, err)
	}
	return &Ledger{pool: s.pool, batch: batch, done: done}, nil
}

// OpenSink loads the batch's existing row keys so duplicate appends are
// rejected locally, same as the file sink.
func (s *Stores) OpenSink(ctx context.Context, batch string) (harvest.Sink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bbl FROM harvest_records WHERE batch = $1`, batch)
	if err != nil {
		return nil, fmt.Errorf("load sink keys for batch %s: %w", batch, err)
	}
	defer rows.Close()

	seen := make(map[bbl.BBL]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan sink row: %w", err)
		}
		parcel, perr := bbl.Parse(raw)
		if perr != nil {
			s.logger.Warn("skipping malformed sink key",
				zap.String("batch", batch),
				zap.String("value", raw),
			)
			continue
		}
		seen[parcel] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sink keys for batch %s: %w", batch, err)
	}
	return &Sink{pool: s.pool, batch: batch, seen: seen, logger: s.logger}, nil
}

// Close releases the pool. Ledgers and sinks opened from these stores must
// not be used afterwards.
func (s *Stores) Close() error {
	s.pool.Close()
	return nil
}

// Ledger is the database-backed done-set for one batch. Inserts commit before
// the in-memory set updates, so a crash cannot leave an unmarked fetch that
// the database believes is done.
type Ledger struct {
	pool  db
	batch string
	done  map[bbl.BBL]struct{}
}

// Contains reports whether the parcel is already marked done.
func (l *Ledger) Contains(b bbl.BBL) bool {
	_, ok := l.done[b]
	return ok
}

// MarkDone durably records the parcel. Marking twice is a no-op, in memory
// and through ON CONFLICT at the table.
func (l *Ledger) MarkDone(ctx context.Context, b bbl.BBL) error {
	if _, ok := l.done[b]; ok {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO harvest_ledger (batch, bbl) VALUES ($1, $2)
		 ON CONFLICT (batch, bbl) DO NOTHING`,
		l.batch, b.String())
	if err != nil {
		return fmt.Errorf("mark %s done in batch %s: %w", b, l.batch, err)
	}
	l.done[b] = struct{}{}
	return nil
}

// Close is a no-op; the pool belongs to the Stores.
func (l *Ledger) Close() error { return nil }

// Sink stores one JSONB document per fetched parcel, with the field order
// kept alongside so exports can rebuild stable columns.
type Sink struct {
	pool   db
	batch  string
	seen   map[bbl.BBL]struct{}
	logger *zap.Logger
}

// Append writes one record row for the parcel. An append for a parcel that
// already has a row is a logged no-op, so a resume after a crash between the
// row insert and the ledger mark can proceed to the mark.
func (s *Sink) Append(ctx context.Context, b bbl.BBL, rec *harvest.FieldRecord) error {
	if _, ok := s.seen[b]; ok {
		s.logger.Info("batch already has a record, keeping it",
			zap.String("batch", s.batch),
			zap.String("bbl", b.String()),
		)
		return nil
	}

	fields := make(map[string]string, rec.Len())
	for _, name := range rec.Names() {
		v, _ := rec.Get(name)
		fields[name] = v
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", b, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO harvest_records (batch, bbl, fields, field_order)
		 VALUES ($1, $2, $3, $4)`,
		s.batch, b.String(), doc, rec.Names())
	if err != nil {
		return fmt.Errorf("append record for %s to batch %s: %w", b, s.batch, err)
	}
	s.seen[b] = struct{}{}
	return nil
}

// Close is a no-op; the pool belongs to the Stores.
func (s *Sink) Close() error { return nil }
