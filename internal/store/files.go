package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/harvest"
)

// Artifact naming, shared by the runner-side stores and the combiner.
const (
	ledgerPrefix = "processed_bbls_"
	sinkPrefix   = "property_data_"
	combinedName = "property_data_combined.csv"
)

// FileStores opens per-batch ledgers and sinks under a single output
// directory, named after the batch: processed_bbls_<batch>.txt and
// property_data_<batch>.csv.
type FileStores struct {
	dir    string
	logger *zap.Logger
}

// NewFileStores creates the output directory if needed.
func NewFileStores(dir string, logger *zap.Logger) (*FileStores, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStores{dir: dir, logger: logger}, nil
}

// OpenLedger opens the batch's ledger file.
func (s *FileStores) OpenLedger(_ context.Context, batch string) (harvest.Ledger, error) {
	return OpenFileLedger(s.LedgerPath(batch), s.logger)
}

// OpenSink opens the batch's sink file.
func (s *FileStores) OpenSink(_ context.Context, batch string) (harvest.Sink, error) {
	return OpenCSVSink(s.SinkPath(batch), s.logger)
}

// LedgerPath returns the ledger file path for a batch.
func (s *FileStores) LedgerPath(batch string) string {
	return filepath.Join(s.dir, ledgerPrefix+batch+".txt")
}

// SinkPath returns the sink file path for a batch.
func (s *FileStores) SinkPath(batch string) string {
	return filepath.Join(s.dir, sinkPrefix+batch+".csv")
}

// CombinedPath returns where the merged output of all sinks is published.
func (s *FileStores) CombinedPath() string {
	return filepath.Join(s.dir, combinedName)
}

// ListSinks returns every per-batch sink file in the directory, sorted by
// name so the combiner sees batches in a stable order. The combined output
// shares the directory and prefix but is never a batch sink, so a later
// combine or check must not ingest it.
func (s *FileStores) ListSinks() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, sinkPrefix+"*.csv"))
	if err != nil {
		return nil, fmt.Errorf("list sinks in %s: %w", s.dir, err)
	}
	sinks := matches[:0]
	for _, match := range matches {
		if filepath.Base(match) == combinedName {
			continue
		}
		sinks = append(sinks, match)
	}
	sort.Strings(sinks)
	return sinks, nil
}
