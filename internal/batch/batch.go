// Package batch prepares parcel input files for harvesting: extracting the
// parcel column from raw exports, splitting it into bounded batch files, and
// loading batch files back as validated work units.
package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
	"github.com/openparcels/bisharvest/internal/harvest"
)

const keyColumn = "BBL"

// Clean extracts the parcel column from a raw CSV export (PLUTO and friends
// carry dozens of columns) and writes it as a one-column file at dest.
// Rows whose parcel value does not validate are logged and dropped.
func Clean(src, dest string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open input %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only file

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read input %s: %w", src, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("input %s is empty", src)
	}

	col, rows := locateKeyColumn(records)
	if col < 0 {
		return 0, fmt.Errorf("input %s has no %s column", src, keyColumn)
	}

	parcels := make([]bbl.BBL, 0, len(rows))
	seen := make(map[bbl.BBL]struct{}, len(rows))
	for i, row := range rows {
		if col >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[col])
		if raw == "" {
			continue
		}
		parcel, perr := bbl.Parse(raw)
		if perr != nil {
			logger.Warn("dropping invalid parcel",
				zap.String("value", raw),
				zap.Int("row", i+1),
				zap.Error(perr),
			)
			continue
		}
		if _, dup := seen[parcel]; dup {
			continue
		}
		seen[parcel] = struct{}{}
		parcels = append(parcels, parcel)
	}

	if err := writeParcelFile(dest, parcels); err != nil {
		return 0, err
	}
	logger.Info("input cleaned",
		zap.String("src", src),
		zap.String("dest", dest),
		zap.Int("parcels", len(parcels)),
	)
	return len(parcels), nil
}

// Split divides a cleaned parcel file into numbered batch files of at most
// size parcels each, written under dir as batch_0001.csv, batch_0002.csv and
// so on. It returns the paths in batch order.
func Split(src, dir string, size int, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	parcels, err := readParcelFile(src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create batch dir %s: %w", dir, err)
	}

	var paths []string
	for i := 0; i < len(parcels); i += size {
		end := min(i+size, len(parcels))
		path := filepath.Join(dir, fmt.Sprintf("batch_%04d.csv", len(paths)+1))
		if err := writeParcelFile(path, parcels[i:end]); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	logger.Info("input split",
		zap.String("src", src),
		zap.Int("parcels", len(parcels)),
		zap.Int("batches", len(paths)),
		zap.Int("batch_size", size),
	)
	return paths, nil
}

// Load reads one batch file into a work unit named after the file.
func Load(path string) (harvest.Batch, error) {
	parcels, err := readParcelFile(path)
	if err != nil {
		return harvest.Batch{}, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return harvest.Batch{Name: name, BBLs: parcels}, nil
}

// LoadAll loads every batch file, in argument order.
func LoadAll(paths []string) ([]harvest.Batch, error) {
	batches := make([]harvest.Batch, 0, len(paths))
	for _, path := range paths {
		b, err := Load(path)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// ListBatches returns the batch files under dir in name order, which is also
// batch-number order given the zero-padded naming.
func ListBatches(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "batch_*.csv"))
	if err != nil {
		return nil, fmt.Errorf("list batches in %s: %w", dir, err)
	}
	return paths, nil
}

// locateKeyColumn finds the parcel column. A file without a header row is
// treated as a bare parcel list (column 0, all rows are data).
func locateKeyColumn(records [][]string) (int, [][]string) {
	first := records[0]
	for i, col := range first {
		if strings.EqualFold(strings.TrimSpace(col), keyColumn) {
			return i, records[1:]
		}
	}
	if len(first) > 0 {
		if _, err := bbl.Parse(strings.TrimSpace(first[0])); err == nil {
			return 0, records
		}
	}
	return -1, nil
}

func readParcelFile(path string) ([]bbl.BBL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch file %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read batch file %s: %w", path, err)
	}

	parcels := make([]bbl.BBL, 0, len(records))
	for _, row := range records {
		if len(row) == 0 {
			continue
		}
		raw := strings.TrimSpace(row[0])
		if raw == "" || strings.EqualFold(raw, keyColumn) {
			continue
		}
		parcel, perr := bbl.Parse(raw)
		if perr != nil {
			return nil, fmt.Errorf("%s: bad parcel %q: %w", path, raw, perr)
		}
		parcels = append(parcels, parcel)
	}
	return parcels, nil
}

func writeParcelFile(path string, parcels []bbl.BBL) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{keyColumn}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header to %s: %w", path, err)
	}
	for _, parcel := range parcels {
		if err := w.Write([]string{parcel.String()}); err != nil {
			_ = f.Close()
			return fmt.Errorf("write parcel to %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
