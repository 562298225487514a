// Package store is the PostgreSQL persistence layer. It implements both the
// tick handoff (schemas.Repository) and the retention surface
// (schemas.RetentionStore).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides a PostgreSQL implementation of the persistence interfaces.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// InsertSignals bulk-inserts one tick's signals into the hot tier.
func (s *Store) InsertSignals(ctx context.Context, signals []schemas.Signal) (int64, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, len(signals))
	for i, sig := range signals {
		themeCounts, err := json.Marshal(sig.ThemeCounts)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal theme counts for %s: %w", sig.SignalID, err)
		}
		persons, err := json.Marshal(sig.Persons)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal persons for %s: %w", sig.SignalID, err)
		}
		organizations, err := json.Marshal(sig.Organizations)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal organizations for %s: %w", sig.SignalID, err)
		}

		rows[i] = []interface{}{
			sig.SignalID, sig.RecordID,
			sig.Timestamp.UTC(), sig.Bucket.UTC(), sig.CountryCode,
			sig.PrimaryTheme, themeCounts,
			sig.SentimentScore, sig.Confidence, sig.Outlier,
			persons, organizations, sig.SourceOutlet,
		}
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"signals"},
		[]string{"signal_id", "record_id", "observed_at", "bucket_start", "country_code", "primary_theme", "theme_counts", "sentiment_score", "confidence", "outlier", "persons", "organizations", "source_outlet"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy signals: %w", err)
	}
	if int(copyCount) != len(signals) {
		return copyCount, fmt.Errorf("mismatch in copied signals count: expected %d, got %d", len(signals), copyCount)
	}
	return copyCount, nil
}

// UpsertHotspots writes one row per (country, bucket), replacing any existing
// row under the same key.
func (s *Store) UpsertHotspots(ctx context.Context, hotspots []schemas.Hotspot) error {
	if len(hotspots) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	sql := `
        INSERT INTO hotspots (country_code, bucket_start, intensity, volume_component, velocity_component, confidence_component, topic_count, total_theme_count, top_themes, avg_sentiment, dominant_sentiment, signal_count, source_count, source_diversity, computed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        ON CONFLICT (country_code, bucket_start) DO UPDATE SET
            intensity = EXCLUDED.intensity,
            volume_component = EXCLUDED.volume_component,
            velocity_component = EXCLUDED.velocity_component,
            confidence_component = EXCLUDED.confidence_component,
            topic_count = EXCLUDED.topic_count,
            total_theme_count = EXCLUDED.total_theme_count,
            top_themes = EXCLUDED.top_themes,
            avg_sentiment = EXCLUDED.avg_sentiment,
            dominant_sentiment = EXCLUDED.dominant_sentiment,
            signal_count = EXCLUDED.signal_count,
            source_count = EXCLUDED.source_count,
            source_diversity = EXCLUDED.source_diversity,
            computed_at = EXCLUDED.computed_at;
    `
	for _, h := range hotspots {
		topThemes, err := json.Marshal(h.TopThemes)
		if err != nil {
			return fmt.Errorf("failed to marshal top themes for %s: %w", h.CountryCode, err)
		}
		batch.Queue(sql,
			h.CountryCode, h.BucketStart.UTC(),
			h.Intensity, h.VolumeComponent, h.VelocityComponent, h.ConfidenceComponent,
			h.TopicCount, h.TotalThemeCount, topThemes,
			h.AvgSentiment, h.DominantSentiment,
			h.SignalCount, h.SourceCount, h.SourceDiversity, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range hotspots {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert hotspot for %s (index %d): %w", hotspots[i].CountryCode, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertFlows writes the qualifying flow edges of one detection tick.
func (s *Store) InsertFlows(ctx context.Context, flows []schemas.Flow) error {
	if len(flows) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]interface{}, len(flows))
	for i, f := range flows {
		shared, err := json.Marshal(f.SharedThemes)
		if err != nil {
			return fmt.Errorf("failed to marshal shared themes for %s->%s: %w", f.FromCountry, f.ToCountry, err)
		}
		rows[i] = []interface{}{
			f.FromCountry, f.ToCountry,
			f.FromTime.UTC(), f.ToTime.UTC(),
			f.Heat, f.Similarity, f.TimeDeltaHours,
			shared, now,
		}
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"flows"},
		[]string{"from_country", "to_country", "from_time", "to_time", "heat", "similarity", "time_delta_hours", "shared_themes", "detected_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy flows: %w", err)
	}
	if int(copyCount) != len(flows) {
		return fmt.Errorf("mismatch in copied flows count: expected %d, got %d", len(flows), copyCount)
	}
	return nil
}

// HotspotsAt returns the hotspots of one bucket keyed by country.
func (s *Store) HotspotsAt(ctx context.Context, bucketStart time.Time) (map[string]schemas.Hotspot, error) {
	query := `
        SELECT country_code, bucket_start, intensity, volume_component, velocity_component, confidence_component, topic_count, total_theme_count, top_themes, avg_sentiment, dominant_sentiment, signal_count, source_count, source_diversity
        FROM hotspots
        WHERE bucket_start = $1;
    `
	rows, err := s.pool.Query(ctx, query, bucketStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]schemas.Hotspot)
	for rows.Next() {
		h, err := scanHotspot(rows)
		if err != nil {
			return nil, err
		}
		out[h.CountryCode] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// HotspotsOlderThan lists raw hotspot rows whose bucket predates cutoff.
func (s *Store) HotspotsOlderThan(ctx context.Context, cutoff time.Time) ([]schemas.Hotspot, error) {
	query := `
        SELECT country_code, bucket_start, intensity, volume_component, velocity_component, confidence_component, topic_count, total_theme_count, top_themes, avg_sentiment, dominant_sentiment, signal_count, source_count, source_diversity
        FROM hotspots
        WHERE bucket_start < $1
        ORDER BY bucket_start ASC;
    `
	rows, err := s.pool.Query(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query aged hotspots: %w", err)
	}
	defer rows.Close()

	var out []schemas.Hotspot
	for rows.Next() {
		h, err := scanHotspot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func scanHotspot(rows pgx.Rows) (schemas.Hotspot, error) {
	var h schemas.Hotspot
	var topThemes []byte

	err := rows.Scan(
		&h.CountryCode, &h.BucketStart,
		&h.Intensity, &h.VolumeComponent, &h.VelocityComponent, &h.ConfidenceComponent,
		&h.TopicCount, &h.TotalThemeCount, &topThemes,
		&h.AvgSentiment, &h.DominantSentiment,
		&h.SignalCount, &h.SourceCount, &h.SourceDiversity,
	)
	if err != nil {
		return schemas.Hotspot{}, fmt.Errorf("failed to scan hotspot row: %w", err)
	}
	if len(topThemes) > 0 {
		if err := json.Unmarshal(topThemes, &h.TopThemes); err != nil {
			return schemas.Hotspot{}, fmt.Errorf("failed to unmarshal top themes: %w", err)
		}
	}
	return h, nil
}

// SnapshotsOlderThan lists rolled-up snapshots of the given granularity whose
// bucket predates cutoff.
func (s *Store) SnapshotsOlderThan(ctx context.Context, g schemas.Granularity, cutoff time.Time) ([]schemas.TopicSnapshot, error) {
	query := `
        SELECT country_code, theme, bucket_start, granularity, signal_count, theme_count, avg_sentiment, keep_forever
        FROM topic_snapshots
        WHERE granularity = $1 AND bucket_start < $2
        ORDER BY bucket_start ASC;
    `
	rows, err := s.pool.Query(ctx, query, string(g), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query aged snapshots: %w", err)
	}
	defer rows.Close()

	var out []schemas.TopicSnapshot
	for rows.Next() {
		var snap schemas.TopicSnapshot
		var granularity string
		err := rows.Scan(
			&snap.CountryCode, &snap.Theme, &snap.BucketStart, &granularity,
			&snap.SignalCount, &snap.ThemeCount, &snap.AvgSentiment, &snap.KeepForever,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snap.Granularity = schemas.Granularity(granularity)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Coalesce appends the coarser snapshots and deletes the finer rows they
// replace inside one transaction, so an interrupted sweep never loses data.
func (s *Store) Coalesce(ctx context.Context, snapshots []schemas.TopicSnapshot, replaced schemas.CoalesceSource) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if len(snapshots) > 0 {
		rows := make([][]interface{}, len(snapshots))
		for i, snap := range snapshots {
			rows[i] = []interface{}{
				snap.CountryCode, snap.Theme, snap.BucketStart.UTC(), string(snap.Granularity),
				snap.SignalCount, snap.ThemeCount, snap.AvgSentiment, snap.KeepForever,
			}
		}
		copyCount, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"topic_snapshots"},
			[]string{"country_code", "theme", "bucket_start", "granularity", "signal_count", "theme_count", "avg_sentiment", "keep_forever"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy snapshots: %w", err)
		}
		if int(copyCount) != len(snapshots) {
			return fmt.Errorf("mismatch in copied snapshots count: expected %d, got %d", len(snapshots), copyCount)
		}
	}

	// Delete only after the replacement rows are in.
	if replaced.Granularity == schemas.GranularityRaw {
		if _, err := tx.Exec(ctx, `DELETE FROM hotspots WHERE bucket_start < $1;`, replaced.Cutoff.UTC()); err != nil {
			return fmt.Errorf("failed to delete coalesced hotspots: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM topic_snapshots WHERE granularity = $1 AND bucket_start < $2;`, string(replaced.Granularity), replaced.Cutoff.UTC()); err != nil {
			return fmt.Errorf("failed to delete coalesced snapshots: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PruneFlows deletes flows whose detection time predates cutoff and whose
// heat is below floor.
func (s *Store) PruneFlows(ctx context.Context, cutoff time.Time, floor float64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flows WHERE detected_at < $1 AND heat < $2;`, cutoff.UTC(), floor)
	if err != nil {
		return 0, fmt.Errorf("failed to prune flows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Purge deletes all rows past the final horizon, sparing keep-forever
// snapshots.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	cut := cutoff.UTC()
	var total int64
	statements := []string{
		`DELETE FROM signals WHERE bucket_start < $1;`,
		`DELETE FROM hotspots WHERE bucket_start < $1;`,
		`DELETE FROM flows WHERE detected_at < $1;`,
		`DELETE FROM topic_snapshots WHERE bucket_start < $1 AND NOT keep_forever;`,
	}
	for _, stmt := range statements {
		tag, err := tx.Exec(ctx, stmt, cut)
		if err != nil {
			return 0, fmt.Errorf("failed to purge expired rows: %w", err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, nil
}
