// Package pipeline drives one ingest tick end to end: parse the raw batch,
// normalize records into signals, aggregate hotspots, detect flows, then hand
// the results to persistence. Ticks are strictly serialized; a tick arriving
// while one is in flight waits in a bounded queue and is dropped with a
// warning when the queue is full.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obsglobal/flowscope/api/schemas"
	"github.com/obsglobal/flowscope/internal/aggregate"
	"github.com/obsglobal/flowscope/internal/config"
	"github.com/obsglobal/flowscope/internal/flow"
	"github.com/obsglobal/flowscope/internal/normalize"
	"github.com/obsglobal/flowscope/internal/parser"
)

// Deps are the pipeline's external collaborators.
type Deps struct {
	Repo      schemas.Repository
	Countries schemas.CountrySource
}

// Pipeline wires the engine stages together. One instance serves the whole
// process lifetime.
type Pipeline struct {
	log        *zap.Logger
	cfg        config.EngineConfig
	parser     *parser.Parser
	normalizer *normalize.Normalizer
	aggregator *aggregate.Aggregator
	detector   *flow.Detector
	repo       schemas.Repository
	countries  schemas.CountrySource
	queue      chan string
}

// New builds a pipeline from the engine config and its collaborators.
func New(logger *zap.Logger, cfg config.EngineConfig, deps Deps) *Pipeline {
	return &Pipeline{
		log:        logger.Named("pipeline"),
		cfg:        cfg,
		parser:     parser.New(logger),
		normalizer: normalize.New(logger, cfg.BucketDuration),
		aggregator: aggregate.New(logger, cfg),
		detector:   flow.New(logger, cfg),
		repo:       deps.Repo,
		countries:  deps.Countries,
		queue:      make(chan string, cfg.QueueDepth),
	}
}

// Submit enqueues a batch for processing without blocking. It reports whether
// the batch was accepted; a full queue drops the batch, since the next feed
// window supersedes it anyway.
func (p *Pipeline) Submit(batch string) bool {
	select {
	case p.queue <- batch:
		return true
	default:
		p.log.Warn("tick queue full, dropping batch", zap.Int("queue_depth", p.cfg.QueueDepth))
		return false
	}
}

// Run consumes the queue until the context ends, processing one tick at a
// time. Tick-level failures are logged and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-p.queue:
			if _, err := p.ProcessTick(ctx, batch, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.log.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Loop runs a producer/consumer pair: the producer fetches a batch from the
// source every interval and submits it, the consumer is Run. It returns when
// the context ends.
func (p *Pipeline) Loop(ctx context.Context, source schemas.BatchSource, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				batch, err := source.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					p.log.Error("batch fetch failed", zap.Error(err))
					continue
				}
				p.Submit(batch)
			}
		}
	})
	g.Go(func() error {
		return p.Run(ctx)
	})

	return g.Wait()
}

// ProcessTick runs one full cycle over a raw batch and persists the results.
// Row- and record-level failures are folded into the returned summary; only
// infrastructure failures (persistence, cancellation) return an error.
func (p *Pipeline) ProcessTick(ctx context.Context, batch string, now time.Time) (*schemas.TickResult, error) {
	result := &schemas.TickResult{
		RunID:   uuid.NewString(),
		Started: now,
		Batch:   now.Truncate(p.cfg.BucketDuration),
		Errors:  make(schemas.ErrorSummary),
	}
	log := p.log.With(zap.String("run_id", result.RunID))

	if strings.TrimSpace(batch) == "" {
		result.Errors.Add(schemas.ErrEmptyWindow)
		log.Info("empty batch window, nothing to ingest")
		return result, nil
	}

	// The reference view is captured once so every signal of this tick is
	// judged against the same country set.
	countrySnap := p.countries.Snapshot()

	signals, parseErrs, err := p.materialize(ctx, batch)
	if err != nil {
		return result, err
	}
	for _, pe := range parseErrs {
		result.Errors.Add(pe.Kind)
	}

	signals = p.filterByReference(log, signals, countrySnap, result.Errors)
	result.Signals = signals

	// Aggregation starts only after the full signal set is materialized, so
	// hotspot components never depend on shard scheduling.
	hotspots, err := p.aggregateBuckets(ctx, signals)
	if err != nil {
		return result, fmt.Errorf("aggregating buckets: %w", err)
	}
	result.Hotspots = hotspots

	flows, stats, err := p.detector.Detect(ctx, signals)
	if err != nil {
		return result, fmt.Errorf("detecting flows: %w", err)
	}
	result.Flows = flows
	result.FlowStats = stats

	if err := p.persist(ctx, result); err != nil {
		return result, err
	}

	log.Info("tick complete",
		zap.Int("signals", len(result.Signals)),
		zap.Int("hotspots", len(result.Hotspots)),
		zap.Int("flows", len(result.Flows)),
		zap.Int("recovered_errors", result.Errors.Total()))
	return result, nil
}

// materialize parses and normalizes the batch across worker shards. Each
// shard takes a contiguous run of lines; the dedup set is shared so repeats
// landing on different shards still resolve to one winner.
func (p *Pipeline) materialize(ctx context.Context, batch string) ([]schemas.Signal, []schemas.ParseError, error) {
	lines := splitLines(batch)
	chunks := chunkLines(lines, p.cfg.WorkerConcurrency)

	dedup := normalize.NewDedupSet()
	shardSignals := make([][]schemas.Signal, len(chunks))
	shardErrs := make([][]schemas.ParseError, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			records, errs := p.parser.Parse(strings.Join(chunk.lines, "\n"))
			for j := range errs {
				errs[j].LineNo += chunk.offset
			}

			var signals []schemas.Signal
			for _, rec := range records {
				rec.LineNo += chunk.offset
				recSignals, recErrs := p.normalizer.Normalize(rec, dedup)
				signals = append(signals, recSignals...)
				errs = append(errs, recErrs...)
			}
			shardSignals[i] = signals
			shardErrs[i] = errs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var signals []schemas.Signal
	var errs []schemas.ParseError
	for i := range chunks {
		signals = append(signals, shardSignals[i]...)
		errs = append(errs, shardErrs[i]...)
	}
	return signals, errs, nil
}

// filterByReference drops signals whose country is unknown to or inactive in
// the reference snapshot.
func (p *Pipeline) filterByReference(log *zap.Logger, signals []schemas.Signal, countries map[string]schemas.Country, summary schemas.ErrorSummary) []schemas.Signal {
	kept := signals[:0]
	for _, s := range signals {
		c, ok := countries[s.CountryCode]
		if !ok || !c.Active {
			summary.Add(schemas.ErrUnresolvableLocation)
			log.Debug("dropping signal for unknown country",
				zap.String("signal_id", s.SignalID), zap.String("country", s.CountryCode))
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// aggregateBuckets computes one hotspot per (country, bucket) window,
// chronologically so a bucket computed earlier in the same tick can serve as
// the previous bucket of a later one.
func (p *Pipeline) aggregateBuckets(ctx context.Context, signals []schemas.Signal) ([]schemas.Hotspot, error) {
	groups := aggregate.GroupByBucket(signals)
	if len(groups) == 0 {
		return nil, nil
	}

	keys := make([]aggregate.BucketKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Bucket.Equal(keys[j].Bucket) {
			return keys[i].Bucket.Before(keys[j].Bucket)
		}
		return keys[i].Country < keys[j].Country
	})

	// Previous-bucket hotspots from storage, one query per distinct bucket.
	stored := make(map[time.Time]map[string]schemas.Hotspot)
	for _, key := range keys {
		prev := key.Bucket.Add(-p.cfg.BucketDuration)
		if _, ok := stored[prev]; ok {
			continue
		}
		hs, err := p.repo.HotspotsAt(ctx, prev)
		if err != nil {
			return nil, err
		}
		stored[prev] = hs
	}

	computed := make(map[aggregate.BucketKey]schemas.Hotspot)
	hotspots := make([]schemas.Hotspot, 0, len(keys))
	for _, key := range keys {
		prevKey := aggregate.BucketKey{Country: key.Country, Bucket: key.Bucket.Add(-p.cfg.BucketDuration)}

		var previous *schemas.Hotspot
		if h, ok := computed[prevKey]; ok {
			previous = &h
		} else if h, ok := stored[prevKey.Bucket][key.Country]; ok {
			previous = &h
		}

		h := p.aggregator.Aggregate(key, groups[key], previous)
		computed[key] = h
		hotspots = append(hotspots, h)
	}
	return hotspots, nil
}

func (p *Pipeline) persist(ctx context.Context, result *schemas.TickResult) error {
	if p.cfg.PersistSignals {
		if _, err := p.repo.InsertSignals(ctx, result.Signals); err != nil {
			return fmt.Errorf("persisting signals: %w", err)
		}
	}
	if err := p.repo.UpsertHotspots(ctx, result.Hotspots); err != nil {
		return fmt.Errorf("persisting hotspots: %w", err)
	}
	if err := p.repo.InsertFlows(ctx, result.Flows); err != nil {
		return fmt.Errorf("persisting flows: %w", err)
	}
	return nil
}

type lineChunk struct {
	offset int
	lines  []string
}

func splitLines(batch string) []string {
	var lines []string
	for line := range strings.Lines(batch) {
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	return lines
}

// chunkLines cuts the batch into up to n contiguous chunks, each remembering
// the line offset of its first line.
func chunkLines(lines []string, n int) []lineChunk {
	if n < 1 {
		n = 1
	}
	if len(lines) == 0 {
		return nil
	}

	size := (len(lines) + n - 1) / n
	var chunks []lineChunk
	for start := 0; start < len(lines); start += size {
		end := min(start+size, len(lines))
		chunks = append(chunks, lineChunk{offset: start, lines: lines[start:end]})
	}
	return chunks
}
