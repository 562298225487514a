package cmd

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/internal/config"
	"github.com/obsglobal/flowscope/internal/observability"
	"github.com/obsglobal/flowscope/internal/retention"
	"github.com/obsglobal/flowscope/internal/store"
)

// newRetentionCmd creates and configures the `retention` command.
func newRetentionCmd() *cobra.Command {
	retentionCmd := &cobra.Command{
		Use:   "retention",
		Short: "Runs one retention sweep over the tier ladder",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("retention.dry_run", cmd.Flags().Lookup("dry-run")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database URL is not configured (FLOWSCOPE_DATABASE_URL)")
			}

			dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer dbPool.Close()

			dbStore, err := store.New(ctx, dbPool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize database store: %w", err)
			}

			manager := retention.New(logger, cfg.Retention, dbStore)
			report, err := manager.Sweep(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("Retention sweep failed", zap.Error(err))
				return err
			}

			mode := "applied"
			if report.DryRun {
				mode = "dry run"
			}
			fmt.Printf("\nRetention sweep (%s): %d hotspots rolled up, %d snapshots written, %d flows pruned, %d rows purged\n",
				mode, report.HotspotsRolled, report.SnapshotsWritten, report.FlowsPruned, report.RowsPurged)
			return nil
		},
	}

	retentionCmd.Flags().Bool("dry-run", false, "Compute and log the sweep without writing anything.")
	return retentionCmd
}
