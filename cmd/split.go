package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openparcels/bisharvest/internal/batch"
)

func newSplitCmd() *cobra.Command {
	var (
		outDir string
		size   int
	)

	cmd := &cobra.Command{
		Use:   "split <input.csv>",
		Short: "Clean a parcel list and split it into batch files",
		Long: `Reads a CSV export containing a BBL column (or a bare list of BBLs),
drops invalid and duplicate parcels, and writes numbered batch files ready
for the harvest command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			if outDir == "" {
				outDir = filepath.Join(cfg.Store.Dir, "batches")
			}
			if size == 0 {
				size = cfg.Harvest.BatchSize
			}

			if err := os.MkdirAll(outDir, 0o750); err != nil {
				return fmt.Errorf("create batch dir %s: %w", outDir, err)
			}
			cleaned := filepath.Join(outDir, "cleaned.csv")
			n, err := batch.Clean(args[0], cleaned, logger)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("no valid parcels in %s", args[0])
			}

			paths, err := batch.Split(cleaned, outDir, size, logger)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d batches (%d parcels) to %s\n", len(paths), n, outDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "batch output directory (default <store.dir>/batches)")
	cmd.Flags().IntVar(&size, "size", 0, "parcels per batch (default harvest.batch_size)")
	return cmd
}
