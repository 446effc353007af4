package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
	"github.com/openparcels/bisharvest/internal/harvest"
)

// keyColumn is the first CSV column of every sink, holding the parcel ID.
const keyColumn = "BBL"

// CSVSink is the append-only table of fetched records for one batch, one row
// per parcel. The field set of the first record ever written fixes the header;
// later records with a drifted field set are still appended (missing columns
// empty, extra fields dropped from the row) with the drift logged as a
// warning, so partial data is preserved instead of failing the batch.
type CSVSink struct {
	path   string
	file   *os.File
	writer *csv.Writer
	header []string // nil until the first record arrives
	seen   map[bbl.BBL]struct{}
	logger *zap.Logger
}

// OpenCSVSink opens (or creates) the sink at path. Reopening an existing sink
// restores the canonical header and the set of parcels already present, so
// appends after a restart cannot corrupt or duplicate prior rows.
func OpenCSVSink(path string, logger *zap.Logger) (*CSVSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	header, rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[bbl.BBL]struct{}, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		parcel, perr := bbl.Parse(row[0])
		if perr != nil {
			logger.Warn("sink row with malformed key",
				zap.String("path", path),
				zap.String("key", row[0]),
			)
			continue
		}
		seen[parcel] = struct{}{}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open sink %s for append: %w", path, err)
	}
	return &CSVSink{
		path:   path,
		file:   file,
		writer: csv.NewWriter(file),
		header: header,
		seen:   seen,
		logger: logger,
	}, nil
}

// Append writes one row for the parcel. An append for a parcel that already
// has a row is a logged no-op: it happens on resume when a crash hit between
// the sink write and the ledger mark, and the prior row is the durable one.
func (s *CSVSink) Append(ctx context.Context, b bbl.BBL, rec *harvest.FieldRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.seen[b]; ok {
		s.logger.Info("sink already has a row, keeping it",
			zap.String("path", s.path),
			zap.String("bbl", b.String()),
		)
		return nil
	}

	if s.header == nil {
		s.header = append([]string{keyColumn}, rec.Names()...)
		if err := s.writer.Write(s.header); err != nil {
			return fmt.Errorf("write header to %s: %w", s.path, err)
		}
	} else {
		s.warnOnDrift(b, rec)
	}

	row := make([]string, 0, len(s.header))
	row = append(row, b.String())
	for _, col := range s.header[1:] {
		v, _ := rec.Get(col)
		row = append(row, v)
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("write row to %s: %w", s.path, err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush sink %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync sink %s: %w", s.path, err)
	}
	s.seen[b] = struct{}{}
	return nil
}

// Len returns the number of rows in the sink.
func (s *CSVSink) Len() int { return len(s.seen) }

// Header returns the canonical column set, or nil if no row was written yet.
func (s *CSVSink) Header() []string {
	return append([]string(nil), s.header...)
}

// Close releases the underlying file.
func (s *CSVSink) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("flush sink %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close sink %s: %w", s.path, err)
	}
	return nil
}

// warnOnDrift surfaces the taxonomy of missing and extra columns relative to
// the canonical header. Schema drift is diagnostic, never a crash.
func (s *CSVSink) warnOnDrift(b bbl.BBL, rec *harvest.FieldRecord) {
	known := make(map[string]struct{}, len(s.header))
	for _, col := range s.header[1:] {
		known[col] = struct{}{}
	}

	var missing, extra []string
	for _, col := range s.header[1:] {
		if _, ok := rec.Get(col); !ok {
			missing = append(missing, col)
		}
	}
	for _, name := range rec.Names() {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return
	}
	s.logger.Warn("record field set drifted from sink header",
		zap.String("path", s.path),
		zap.String("bbl", b.String()),
		zap.Strings("missing_columns", missing),
		zap.Strings("extra_fields", extra),
	)
}

// readTable loads a CSV file into header and data rows. A missing file yields
// a nil header and no rows.
func readTable(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // tolerate drifted row widths
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	if len(all[0]) == 0 || all[0][0] != keyColumn {
		return nil, nil, fmt.Errorf("%s: first column must be %s, got %q", path, keyColumn, all[0])
	}
	return all[0], all[1:], nil
}
