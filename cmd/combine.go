package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/store"
)

func newCombineCmd() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Merge all per-batch sinks into one deduplicated CSV",
		Long: `Reads every per-batch sink file under the store directory and publishes
a single merged CSV, sorted by BBL. When a parcel appears in more than one
sink the first occurrence wins; every duplicate is reported. The merged
file is written atomically and fingerprinted with SHA-256.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			if cfg.Store.Backend != "file" {
				return fmt.Errorf("combine works on file sinks; store.backend is %q", cfg.Store.Backend)
			}

			stores, err := store.NewFileStores(cfg.Store.Dir, logger)
			if err != nil {
				return err
			}
			if dest == "" {
				dest = stores.CombinedPath()
			}
			sinks, err := stores.ListSinks()
			if err != nil {
				return err
			}
			if len(sinks) == 0 {
				return fmt.Errorf("no sink files under %s", cfg.Store.Dir)
			}

			report, err := store.Combine(sinks, dest, logger)
			if err != nil {
				return err
			}
			for _, dup := range report.Duplicates {
				logger.Warn("duplicate parcel resolved first-wins",
					zap.String("bbl", dup.BBL.String()),
					zap.Strings("stores", dup.Stores),
				)
			}
			fmt.Printf("merged %d rows (%d unique, %d duplicates) into %s\nsha256 %s\n",
				report.TotalRows, report.UniqueRows, len(report.Duplicates), dest, report.Digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "out", "", "merged output file (default <store.dir>/property_data_combined.csv)")
	return cmd
}
