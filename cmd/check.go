package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openparcels/bisharvest/internal/store"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Audit per-batch sinks for duplicate parcels",
		Long: `Scans every per-batch sink file and reports parcels that appear more
than once, within or across batches, without modifying anything. Exits
non-zero when duplicates are found so the audit can gate a combine.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			if cfg.Store.Backend != "file" {
				return fmt.Errorf("check works on file sinks; store.backend is %q", cfg.Store.Backend)
			}

			stores, err := store.NewFileStores(cfg.Store.Dir, logger)
			if err != nil {
				return err
			}
			sinks, err := stores.ListSinks()
			if err != nil {
				return err
			}
			if len(sinks) == 0 {
				return fmt.Errorf("no sink files under %s", cfg.Store.Dir)
			}

			report, err := store.CheckDuplicates(sinks, logger)
			if err != nil {
				return err
			}
			fmt.Printf("checked %d sinks: %d rows, %d unique, %d duplicated parcels\n",
				len(sinks), report.TotalRows, report.UniqueRows, len(report.Duplicates))
			if len(report.Duplicates) > 0 {
				return fmt.Errorf("%d parcels appear more than once", len(report.Duplicates))
			}
			return nil
		},
	}
	return cmd
}
