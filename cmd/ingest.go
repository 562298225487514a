package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
	"github.com/obsglobal/flowscope/internal/config"
	"github.com/obsglobal/flowscope/internal/country"
	"github.com/obsglobal/flowscope/internal/fetch"
	"github.com/obsglobal/flowscope/internal/observability"
	"github.com/obsglobal/flowscope/internal/pipeline"
	"github.com/obsglobal/flowscope/internal/store"
)

// newIngestCmd creates and configures the `ingest` command.
func newIngestCmd() *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Runs the ingest pipeline: fetch, normalize, score hotspots and detect flows",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so command-line overrides win over config and env.
			if err := viper.BindPFlag("engine.worker_concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
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

			once := viper.GetBool("once")
			batchFile := viper.GetString("file")

			components, err := initializeIngestComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize ingest components: %w", err)
			}
			defer components.Shutdown()

			if batchFile != "" {
				data, err := os.ReadFile(batchFile)
				if err != nil {
					return fmt.Errorf("failed to read batch file: %w", err)
				}
				result, err := components.Pipeline.ProcessTick(ctx, string(data), time.Now().UTC())
				if err != nil {
					return err
				}
				printTickSummary(result)
				return nil
			}

			if once {
				batch, err := components.Fetcher.Fetch(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch batch: %w", err)
				}
				result, err := components.Pipeline.ProcessTick(ctx, batch, time.Now().UTC())
				if err != nil {
					return err
				}
				printTickSummary(result)
				return nil
			}

			logger.Info("Entering continuous ingest loop",
				zap.Duration("interval", cfg.Engine.BucketDuration))
			return components.Pipeline.Loop(ctx, components.Fetcher, cfg.Engine.BucketDuration)
		},
	}

	ingestCmd.Flags().Bool("once", false, "Fetch and process a single batch, then exit.")
	ingestCmd.Flags().String("file", "", "Process a local batch file instead of fetching. Implies a single run.")
	ingestCmd.Flags().IntP("concurrency", "j", 0, "Number of worker shards. (Overrides config/env)")
	ingestCmd.Flags().String("countries-file", "", "Country reference JSON overriding the embedded set.")

	return ingestCmd
}

// ingestComponents holds initialized services.
type ingestComponents struct {
	Pipeline *pipeline.Pipeline
	Fetcher  *fetch.Client
	DBPool   *pgxpool.Pool
}

// Shutdown closes everything that holds external resources.
func (ic *ingestComponents) Shutdown() {
	if ic.DBPool != nil {
		ic.DBPool.Close()
	}
}

// initializeIngestComponents handles dependency injection.
func initializeIngestComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ingestComponents, error) {
	components := &ingestComponents{}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (FLOWSCOPE_DATABASE_URL)")
	}
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	components.DBPool = dbPool

	dbStore, err := store.New(ctx, dbPool, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize database store: %w", err)
	}

	countries, err := newCountrySource()
	if err != nil {
		return components, fmt.Errorf("failed to load country reference: %w", err)
	}

	components.Fetcher = fetch.New(logger, cfg.Fetch)
	components.Pipeline = pipeline.New(logger, cfg.Engine, pipeline.Deps{
		Repo:      dbStore,
		Countries: countries,
	})
	return components, nil
}

func newCountrySource() (*country.Source, error) {
	if path := viper.GetString("countries-file"); path != "" {
		return country.NewFromFile(path)
	}
	return country.NewEmbedded()
}

func printTickSummary(result *schemas.TickResult) {
	fmt.Printf("\nTick %s complete: %d signals, %d hotspots, %d flows, %d recovered errors\n",
		result.RunID, len(result.Signals), len(result.Hotspots), len(result.Flows), result.Errors.Total())
}
