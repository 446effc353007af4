// Package store provides the durable per-batch ledger and sink backed by
// local files, plus the post-hoc combiner and integrity audit over sinks.
package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
)

// FileLedger is a newline-delimited, append-only set of parcels already
// fetched for one batch. Every mark is fsynced before MarkDone returns, so a
// crash immediately after cannot lose it. Losing an unflushed mark would only
// cause a harmless duplicate fetch; the flush keeps even that window closed.
type FileLedger struct {
	path   string
	file   *os.File
	done   map[bbl.BBL]struct{}
	logger *zap.Logger
}

// OpenFileLedger opens (or creates) the ledger at path and loads the marks
// already present.
func OpenFileLedger(path string, logger *zap.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(map[bbl.BBL]struct{})

	existing, err := os.Open(path)
	switch {
	case err == nil:
		scanner := bufio.NewScanner(existing)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			parcel, perr := bbl.Parse(line)
			if perr != nil {
				logger.Warn("skipping malformed ledger line",
					zap.String("path", path),
					zap.String("line", line),
				)
				continue
			}
			done[parcel] = struct{}{}
		}
		scanErr := scanner.Err()
		if cerr := existing.Close(); cerr != nil && scanErr == nil {
			scanErr = cerr
		}
		if scanErr != nil {
			return nil, fmt.Errorf("read ledger %s: %w", path, scanErr)
		}
	case os.IsNotExist(err):
		// Fresh batch starts with an empty ledger.
	default:
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s for append: %w", path, err)
	}
	return &FileLedger{
		path:   path,
		file:   file,
		done:   done,
		logger: logger,
	}, nil
}

// Contains reports whether the parcel is already marked done.
func (l *FileLedger) Contains(b bbl.BBL) bool {
	_, ok := l.done[b]
	return ok
}

// MarkDone durably records the parcel. Marking an already-marked parcel is a
// no-op.
func (l *FileLedger) MarkDone(ctx context.Context, b bbl.BBL) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := l.done[b]; ok {
		return nil
	}
	if _, err := fmt.Fprintf(l.file, "%s\n", b); err != nil {
		return fmt.Errorf("append to ledger %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger %s: %w", l.path, err)
	}
	l.done[b] = struct{}{}
	return nil
}

// Len returns the number of parcels marked done.
func (l *FileLedger) Len() int { return len(l.done) }

// Close releases the underlying file.
func (l *FileLedger) Close() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close ledger %s: %w", l.path, err)
	}
	return nil
}
