// Package retention ages stored data through the tier ladder: raw hotspot
// rows coalesce into hourly topic snapshots, hourly snapshots into daily
// ones, and rows past the final horizon are purged. Sweeps run on their own
// cadence, independent of ingest ticks, and are idempotent: a sweep over an
// already-aged store performs no writes.
package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
	"github.com/obsglobal/flowscope/internal/config"
)

const day = 24 * time.Hour

// SweepReport summarizes one pass over the tier ladder.
type SweepReport struct {
	Started          time.Time
	HotspotsRolled   int
	HourlyRolled     int
	SnapshotsWritten int
	FlowsPruned      int64
	RowsPurged       int64
	DryRun           bool
}

// Manager drives the sweeps against a RetentionStore.
type Manager struct {
	log   *zap.Logger
	cfg   config.RetentionConfig
	store schemas.RetentionStore
}

// New returns a manager with the configured tier boundaries.
func New(logger *zap.Logger, cfg config.RetentionConfig, store schemas.RetentionStore) *Manager {
	return &Manager{log: logger.Named("retention"), cfg: cfg, store: store}
}

// Sweep runs all tier transitions once, oldest tier first so a row never
// skips a stage within a single pass. In dry-run mode everything is computed
// and logged but nothing is written.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{Started: now, DryRun: m.cfg.DryRun}

	if err := m.purgeExpired(ctx, now, &report); err != nil {
		return report, err
	}
	if err := m.coalesceWarmToCold(ctx, now, &report); err != nil {
		return report, err
	}
	if err := m.coalesceHotToWarm(ctx, now, &report); err != nil {
		return report, err
	}

	m.log.Info("retention sweep complete",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("hotspots_rolled", report.HotspotsRolled),
		zap.Int("hourly_rolled", report.HourlyRolled),
		zap.Int("snapshots_written", report.SnapshotsWritten),
		zap.Int64("flows_pruned", report.FlowsPruned),
		zap.Int64("rows_purged", report.RowsPurged))
	return report, nil
}

// coalesceHotToWarm rolls raw hotspot rows past the hot horizon into hourly
// topic snapshots.
func (m *Manager) coalesceHotToWarm(ctx context.Context, now time.Time, report *SweepReport) error {
	cutoff := now.Add(-time.Duration(m.cfg.HotDays) * day)
	hotspots, err := m.store.HotspotsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing aged hotspots: %w", err)
	}
	if len(hotspots) == 0 {
		return nil
	}

	snapshots := rollupHotspots(hotspots, m.cfg.TopThemes)
	report.HotspotsRolled = len(hotspots)
	report.SnapshotsWritten += len(snapshots)
	if m.cfg.DryRun {
		m.log.Info("dry run: would coalesce hotspots to hourly",
			zap.Int("hotspots", len(hotspots)), zap.Int("snapshots", len(snapshots)))
		return nil
	}

	source := schemas.CoalesceSource{Granularity: schemas.GranularityRaw, Cutoff: cutoff}
	if err := m.store.Coalesce(ctx, snapshots, source); err != nil {
		return fmt.Errorf("coalescing hot tier: %w", err)
	}
	return nil
}

// coalesceWarmToCold rolls hourly snapshots past the warm horizon into daily
// ones and prunes low-heat flows from the same range.
func (m *Manager) coalesceWarmToCold(ctx context.Context, now time.Time, report *SweepReport) error {
	cutoff := now.Add(-time.Duration(m.cfg.WarmDays) * day)
	hourly, err := m.store.SnapshotsOlderThan(ctx, schemas.GranularityHourly, cutoff)
	if err != nil {
		return fmt.Errorf("listing aged hourly snapshots: %w", err)
	}

	if len(hourly) > 0 {
		daily := rollupSnapshots(hourly, schemas.GranularityDaily, day)
		report.HourlyRolled = len(hourly)
		report.SnapshotsWritten += len(daily)
		if m.cfg.DryRun {
			m.log.Info("dry run: would coalesce hourly to daily",
				zap.Int("hourly", len(hourly)), zap.Int("daily", len(daily)))
		} else {
			source := schemas.CoalesceSource{Granularity: schemas.GranularityHourly, Cutoff: cutoff}
			if err := m.store.Coalesce(ctx, daily, source); err != nil {
				return fmt.Errorf("coalescing warm tier: %w", err)
			}
		}
	}

	if m.cfg.DryRun {
		return nil
	}
	pruned, err := m.store.PruneFlows(ctx, cutoff, m.cfg.ColdHeatFloor)
	if err != nil {
		return fmt.Errorf("pruning cold flows: %w", err)
	}
	report.FlowsPruned = pruned
	return nil
}

// purgeExpired drops everything past the final horizon. Keep-forever
// snapshots are exempt; the store enforces that predicate.
func (m *Manager) purgeExpired(ctx context.Context, now time.Time, report *SweepReport) error {
	cutoff := now.Add(-time.Duration(m.cfg.ColdDays) * day)
	if m.cfg.DryRun {
		m.log.Info("dry run: would purge rows", zap.Time("cutoff", cutoff))
		return nil
	}
	purged, err := m.store.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging expired rows: %w", err)
	}
	report.RowsPurged = purged
	return nil
}

type rollupKey struct {
	country string
	theme   string
	bucket  time.Time
}

type rollupAcc struct {
	signals     int
	themeCount  int
	weighted    float64
	keepForever bool
}

// rollupHotspots folds raw hotspot rows into hourly topic snapshots, one per
// (country, theme, hour). Only each hotspot's ranked themes survive the
// rollup; sentiment is theme-count weighted.
func rollupHotspots(hotspots []schemas.Hotspot, topThemes int) []schemas.TopicSnapshot {
	accs := make(map[rollupKey]*rollupAcc)
	for _, h := range hotspots {
		hour := h.BucketStart.Truncate(time.Hour)
		themes := h.TopThemes
		if topThemes > 0 && len(themes) > topThemes {
			themes = themes[:topThemes]
		}
		for _, stat := range themes {
			key := rollupKey{country: h.CountryCode, theme: stat.Label, bucket: hour}
			acc := accs[key]
			if acc == nil {
				acc = &rollupAcc{}
				accs[key] = acc
			}
			acc.signals += h.SignalCount
			acc.themeCount += stat.Count
			acc.weighted += float64(stat.Count) * stat.Sentiment
		}
	}
	return materialize(accs, schemas.GranularityHourly)
}

// rollupSnapshots coarsens snapshots onto wider buckets, carrying the
// keep-forever mark of any source row.
func rollupSnapshots(snaps []schemas.TopicSnapshot, g schemas.Granularity, width time.Duration) []schemas.TopicSnapshot {
	accs := make(map[rollupKey]*rollupAcc)
	for _, s := range snaps {
		key := rollupKey{country: s.CountryCode, theme: s.Theme, bucket: s.BucketStart.Truncate(width)}
		acc := accs[key]
		if acc == nil {
			acc = &rollupAcc{}
			accs[key] = acc
		}
		acc.signals += s.SignalCount
		acc.themeCount += s.ThemeCount
		acc.weighted += float64(s.ThemeCount) * s.AvgSentiment
		acc.keepForever = acc.keepForever || s.KeepForever
	}
	return materialize(accs, g)
}

func materialize(accs map[rollupKey]*rollupAcc, g schemas.Granularity) []schemas.TopicSnapshot {
	out := make([]schemas.TopicSnapshot, 0, len(accs))
	for key, acc := range accs {
		sentiment := 0.0
		if acc.themeCount > 0 {
			sentiment = acc.weighted / float64(acc.themeCount)
		}
		out = append(out, schemas.TopicSnapshot{
			CountryCode:  key.country,
			Theme:        key.theme,
			BucketStart:  key.bucket,
			Granularity:  g,
			SignalCount:  acc.signals,
			ThemeCount:   acc.themeCount,
			AvgSentiment: sentiment,
			KeepForever:  acc.keepForever,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.CountryCode != b.CountryCode {
			return a.CountryCode < b.CountryCode
		}
		return a.Theme < b.Theme
	})
	return out
}
