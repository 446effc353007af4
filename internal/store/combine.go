package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
	"github.com/openparcels/bisharvest/internal/hash/sha256"
)

// DuplicateEntry records one parcel found in more than one place, with every
// store it appeared in. Duplicates are diagnostic information about upstream
// batch splitting and must be surfaced, never swallowed.
type DuplicateEntry struct {
	BBL    bbl.BBL
	Stores []string
}

// IntegrityReport summarizes a merge or a duplicate audit.
type IntegrityReport struct {
	Stores     []string
	TotalRows  int
	UniqueRows int
	Duplicates []DuplicateEntry
	// Digest is the SHA-256 of the published merged file (merge only).
	Digest string
}

// Combine merges the given sink files into one deduplicated table at dest.
// Stores are read in argument order; when a parcel appears more than once the
// first encountered row wins and every later occurrence lands in the report.
// Rows are sorted by BBL and the file is published atomically: written to a
// temp file in the destination directory, then renamed.
func Combine(paths []string, dest string, logger *zap.Logger) (IntegrityReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	report := IntegrityReport{Stores: paths}
	if len(paths) == 0 {
		return report, fmt.Errorf("no sink files to combine")
	}

	var header []string
	merged := make(map[bbl.BBL]map[string]string)
	origin := make(map[bbl.BBL]string)

	for _, path := range paths {
		storeHeader, rows, err := readTable(path)
		if err != nil {
			return report, err
		}
		if storeHeader == nil {
			logger.Warn("skipping empty sink", zap.String("path", path))
			continue
		}
		header = mergeHeader(header, storeHeader)

		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			parcel, perr := bbl.Parse(row[0])
			if perr != nil {
				return report, fmt.Errorf("%s: bad row key %q: %w", path, row[0], perr)
			}
			report.TotalRows++

			if _, ok := merged[parcel]; ok {
				report.Duplicates = appendDuplicate(report.Duplicates, parcel, origin[parcel], path)
				continue
			}
			merged[parcel] = rowToFields(storeHeader, row)
			origin[parcel] = path
		}
	}
	report.UniqueRows = len(merged)
	if header == nil {
		return report, fmt.Errorf("nothing to merge: all %d sink files are empty", len(paths))
	}

	digest, err := writeMerged(dest, header, merged)
	if err != nil {
		return report, err
	}
	report.Digest = digest

	logger.Info("sinks combined",
		zap.Int("stores", len(paths)),
		zap.Int("total_rows", report.TotalRows),
		zap.Int("unique_rows", report.UniqueRows),
		zap.Int("duplicates", len(report.Duplicates)),
		zap.String("dest", dest),
	)
	return report, nil
}

// CheckDuplicates re-scans sink files and reports every parcel present more
// than once, within or across stores, without merging anything.
func CheckDuplicates(paths []string, logger *zap.Logger) (IntegrityReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	report := IntegrityReport{Stores: paths}
	firstSeen := make(map[bbl.BBL]string)

	for _, path := range paths {
		_, rows, err := readTable(path)
		if err != nil {
			return report, err
		}
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			parcel, perr := bbl.Parse(row[0])
			if perr != nil {
				return report, fmt.Errorf("%s: bad row key %q: %w", path, row[0], perr)
			}
			report.TotalRows++
			if prior, ok := firstSeen[parcel]; ok {
				report.Duplicates = appendDuplicate(report.Duplicates, parcel, prior, path)
				continue
			}
			firstSeen[parcel] = path
		}
	}
	report.UniqueRows = len(firstSeen)

	for _, dup := range report.Duplicates {
		logger.Warn("duplicate parcel",
			zap.String("bbl", dup.BBL.String()),
			zap.Strings("stores", dup.Stores),
		)
	}
	return report, nil
}

// mergeHeader keeps the first store's column order and appends columns that
// only later stores know about.
func mergeHeader(base, next []string) []string {
	if base == nil {
		return append([]string(nil), next...)
	}
	known := make(map[string]struct{}, len(base))
	for _, col := range base {
		known[col] = struct{}{}
	}
	for _, col := range next {
		if _, ok := known[col]; !ok {
			base = append(base, col)
			known[col] = struct{}{}
		}
	}
	return base
}

func rowToFields(header, row []string) map[string]string {
	fields := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(row) {
			fields[col] = row[i]
		}
	}
	return fields
}

func appendDuplicate(dups []DuplicateEntry, parcel bbl.BBL, first, current string) []DuplicateEntry {
	for i := range dups {
		if dups[i].BBL == parcel {
			dups[i].Stores = append(dups[i].Stores, current)
			return dups
		}
	}
	return append(dups, DuplicateEntry{BBL: parcel, Stores: []string{first, current}})
}

// writeMerged publishes the merged table atomically and returns its digest.
func writeMerged(dest string, header []string, merged map[bbl.BBL]map[string]string) (string, error) {
	keys := make([]bbl.BBL, 0, len(merged))
	for parcel := range merged {
		keys = append(keys, parcel)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create dest dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp merge file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after successful rename

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write merged header: %w", err)
	}
	for _, parcel := range keys {
		fields := merged[parcel]
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = fields[col]
		}
		if err := w.Write(row); err != nil {
			_ = tmp.Close()
			return "", fmt.Errorf("write merged row %s: %w", parcel, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("flush merged file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync merged file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close merged file: %w", err)
	}

	data, err := os.ReadFile(tmpName)
	if err != nil {
		return "", fmt.Errorf("read back merged file: %w", err)
	}
	digest, err := sha256.New().Hash(data)
	if err != nil {
		return "", fmt.Errorf("digest merged file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("publish merged file: %w", err)
	}
	return digest, nil
}
