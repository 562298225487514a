package schemas

import (
	"context"
	"time"
)

// -- Persistence Interfaces --

// Repository is the persistence handoff boundary for one tick's outputs.
// This abstraction keeps the engine independent of the storage backend; the
// production implementation lives in internal/store.
type Repository interface {
	// InsertSignals bulk-inserts hot-tier signals and returns the row count.
	InsertSignals(ctx context.Context, signals []Signal) (int64, error)
	// UpsertHotspots writes one row per (country, bucket), replacing any
	// existing row under the same key. A closed bucket is superseded, never
	// appended to.
	UpsertHotspots(ctx context.Context, hotspots []Hotspot) error
	// InsertFlows writes the qualifying flow edges of one detection tick.
	InsertFlows(ctx context.Context, flows []Flow) error
	// HotspotsAt returns the hotspots whose bucket starts exactly at the
	// given instant, keyed by country. The aggregator reads the preceding
	// bucket through this to score velocity.
	HotspotsAt(ctx context.Context, bucketStart time.Time) (map[string]Hotspot, error)
}

// RetentionStore is the slice of the persistence layer the retention sweeps
// operate on. All mutation is append-then-delete inside one transaction so an
// interrupted sweep never loses data.
type RetentionStore interface {
	// HotspotsOlderThan lists raw hotspot rows whose bucket predates cutoff.
	HotspotsOlderThan(ctx context.Context, cutoff time.Time) ([]Hotspot, error)
	// SnapshotsOlderThan lists rolled-up snapshots of the given granularity
	// whose bucket predates cutoff.
	SnapshotsOlderThan(ctx context.Context, g Granularity, cutoff time.Time) ([]TopicSnapshot, error)
	// Coalesce appends the coarser snapshots and deletes the finer rows they
	// replace, atomically.
	Coalesce(ctx context.Context, snapshots []TopicSnapshot, replaced CoalesceSource) error
	// PruneFlows deletes flows whose detection time predates cutoff and whose
	// heat is below floor.
	PruneFlows(ctx context.Context, cutoff time.Time, floor float64) (int64, error)
	// Purge deletes all aged-out rows past the final horizon, sparing
	// keep-forever snapshots.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// CoalesceSource identifies the finer-grained rows a coalesce step replaces.
type CoalesceSource struct {
	Granularity Granularity
	Cutoff      time.Time
}

// -- Engine Interfaces --

// BatchSource hands the engine one already-downloaded raw batch per tick.
// The engine performs no network I/O itself.
type BatchSource interface {
	// Fetch returns the raw batch text for the current tick.
	Fetch(ctx context.Context) (string, error)
}

// CountrySource provides the read-only country reference snapshot for a tick.
type CountrySource interface {
	// Snapshot returns a consistent view of the country reference set. The
	// pipeline captures it once at tick start.
	Snapshot() map[string]Country
}
