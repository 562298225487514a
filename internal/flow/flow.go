// Package flow detects directed narrative propagation between countries
// within one detection tick. Two countries form a flow when their theme
// profiles are similar enough that, after exponential time decay, the heat
// score clears the configured threshold.
package flow

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obsglobal/flowscope/api/schemas"
	"github.com/obsglobal/flowscope/internal/config"
)

// profile is one country's topical footprint for the tick: summed theme
// counts and the earliest signal timestamp per theme.
type profile struct {
	country  string
	themes   map[string]int
	earliest map[string]time.Time
	norm     float64
}

// Detector runs the pairwise scan. One instance is reused across ticks; all
// per-tick state lives in Detect's locals.
type Detector struct {
	log *zap.Logger
	cfg config.EngineConfig
}

// New returns a detector using the engine's similarity mode, halflife and
// heat threshold.
func New(logger *zap.Logger, cfg config.EngineConfig) *Detector {
	return &Detector{log: logger.Named("flow"), cfg: cfg}
}

// Detect scans all country pairs of the tick and returns the flows whose heat
// clears the threshold. Pairs with no shared theme are pruned via an inverted
// theme index before any similarity work. The scan is sharded across workers;
// flows come back hottest first, with country order breaking ties so results
// are deterministic.
func (d *Detector) Detect(ctx context.Context, signals []schemas.Signal) ([]schemas.Flow, schemas.FlowStats, error) {
	profiles := buildProfiles(signals, d.cfg.SimilarityMode)
	stats := schemas.FlowStats{CountriesAnalyzed: len(profiles)}
	if len(profiles) < 2 {
		return nil, stats, nil
	}

	countries := make([]string, 0, len(profiles))
	for cc := range profiles {
		countries = append(countries, cc)
	}
	sort.Strings(countries)

	pairs := candidatePairs(profiles, countries)
	stats.PairsConsidered = len(countries) * (len(countries) - 1) / 2
	stats.PairsComputed = len(pairs)

	var (
		mu              sync.Mutex
		flows           []schemas.Flow
		degenerateSeen  bool
		degenerateTimes int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.WorkerConcurrency)
	for _, p := range pairs {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			flow, ok, degenerate := d.scorePair(profiles[p[0]], profiles[p[1]])
			mu.Lock()
			defer mu.Unlock()
			if degenerate {
				degenerateTimes++
				if !degenerateSeen {
					degenerateSeen = true
					d.log.Warn("non-positive decay halflife, collapsing to step decay",
						zap.Float64("halflife_hours", d.cfg.HalflifeHours))
				}
			}
			if ok {
				flows = append(flows, flow)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Heat != flows[j].Heat {
			return flows[i].Heat > flows[j].Heat
		}
		if flows[i].FromCountry != flows[j].FromCountry {
			return flows[i].FromCountry < flows[j].FromCountry
		}
		return flows[i].ToCountry < flows[j].ToCountry
	})
	stats.FlowsEmitted = len(flows)
	return flows, stats, nil
}

// scorePair computes similarity, direction and heat for one candidate pair.
// ok is false when the pair produces no flow; degenerate reports whether the
// step-decay branch fired.
func (d *Detector) scorePair(a, b *profile) (schemas.Flow, bool, bool) {
	shared := sharedThemes(a, b)
	if len(shared) == 0 {
		return schemas.Flow{}, false, false
	}

	var similarity float64
	if d.cfg.SimilarityMode == config.SimilarityCosine {
		similarity = cosine(a, b)
	} else {
		similarity = jaccard(a, b)
	}
	if similarity <= 0 {
		return schemas.Flow{}, false, false
	}

	from, to, fromTime, toTime := direction(a, b, shared)
	deltaHours := math.Max(toTime.Sub(fromTime).Hours(), 0)

	decay, degenerate := d.decay(deltaHours)
	heat := similarity * decay
	if math.IsNaN(heat) || heat < 0 || heat > 1 {
		d.log.Error("refusing flow with heat outside unit interval",
			zap.String("from", from), zap.String("to", to), zap.Float64("heat", heat))
		return schemas.Flow{}, false, degenerate
	}
	if heat < d.cfg.FlowThreshold {
		return schemas.Flow{}, false, degenerate
	}

	return schemas.Flow{
		FromCountry:    from,
		ToCountry:      to,
		FromTime:       fromTime,
		ToTime:         toTime,
		Heat:           heat,
		Similarity:     similarity,
		TimeDeltaHours: deltaHours,
		SharedThemes:   annotate(shared, a, b, from),
	}, true, degenerate
}

// decay returns the exponential time-decay factor for a gap of deltaHours.
// A non-positive halflife cannot feed the exponential, so it collapses to a
// step: full weight at zero gap, nothing otherwise.
func (d *Detector) decay(deltaHours float64) (float64, bool) {
	if d.cfg.HalflifeHours <= 0 {
		if deltaHours == 0 {
			return 1.0, true
		}
		return 0.0, true
	}
	return math.Exp(-deltaHours / d.cfg.HalflifeHours), false
}

// buildProfiles folds the tick's signals into one profile per country. The
// cosine norm is precomputed only when that mode is active.
func buildProfiles(signals []schemas.Signal, mode config.SimilarityMode) map[string]*profile {
	profiles := make(map[string]*profile)
	for _, s := range signals {
		p := profiles[s.CountryCode]
		if p == nil {
			p = &profile{
				country:  s.CountryCode,
				themes:   make(map[string]int),
				earliest: make(map[string]time.Time),
			}
			profiles[s.CountryCode] = p
		}
		for theme, count := range s.ThemeCounts {
			p.themes[theme] += count
			if first, ok := p.earliest[theme]; !ok || s.Timestamp.Before(first) {
				p.earliest[theme] = s.Timestamp
			}
		}
	}
	if mode == config.SimilarityCosine {
		for _, p := range profiles {
			sum := 0.0
			for _, c := range p.themes {
				sum += float64(c) * float64(c)
			}
			p.norm = math.Sqrt(sum)
		}
	}
	return profiles
}

// candidatePairs returns the country pairs sharing at least one theme, found
// through an inverted theme index so disjoint pairs never reach the scorer.
// Pair order is (lexicographically smaller, larger) for dedup.
func candidatePairs(profiles map[string]*profile, countries []string) [][2]string {
	index := make(map[string][]string)
	for _, cc := range countries {
		for theme := range profiles[cc].themes {
			index[theme] = append(index[theme], cc)
		}
	}

	seen := make(map[[2]string]struct{})
	var pairs [][2]string
	for _, ccs := range index {
		for i := 0; i < len(ccs); i++ {
			for j := i + 1; j < len(ccs); j++ {
				key := [2]string{ccs[i], ccs[j]}
				if key[0] > key[1] {
					key[0], key[1] = key[1], key[0]
				}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				pairs = append(pairs, key)
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

func sharedThemes(a, b *profile) []string {
	small, large := a, b
	if len(b.themes) < len(a.themes) {
		small, large = b, a
	}
	var shared []string
	for theme := range small.themes {
		if _, ok := large.themes[theme]; ok {
			shared = append(shared, theme)
		}
	}
	sort.Strings(shared)
	return shared
}

// jaccard is intersection over union of the two theme sets, ignoring counts.
func jaccard(a, b *profile) float64 {
	inter := 0
	for theme := range a.themes {
		if _, ok := b.themes[theme]; ok {
			inter++
		}
	}
	union := len(a.themes) + len(b.themes) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// cosine is the count-weighted similarity of the two theme vectors.
func cosine(a, b *profile) float64 {
	if a.norm == 0 || b.norm == 0 {
		return 0
	}
	dot := 0.0
	small, large := a, b
	if len(b.themes) < len(a.themes) {
		small, large = b, a
	}
	for theme, c := range small.themes {
		if other, ok := large.themes[theme]; ok {
			dot += float64(c) * float64(other)
		}
	}
	return dot / (a.norm * b.norm)
}

// direction orders the pair by the earliest shared-theme signal: the country
// that mentioned a shared theme first is the origin. An exact tie orders
// lexicographically with a zero gap.
func direction(a, b *profile, shared []string) (from, to string, fromTime, toTime time.Time) {
	aFirst := earliestOf(a, shared)
	bFirst := earliestOf(b, shared)

	switch {
	case aFirst.Before(bFirst):
		return a.country, b.country, aFirst, bFirst
	case bFirst.Before(aFirst):
		return b.country, a.country, bFirst, aFirst
	case a.country < b.country:
		return a.country, b.country, aFirst, bFirst
	default:
		return b.country, a.country, bFirst, aFirst
	}
}

func earliestOf(p *profile, shared []string) time.Time {
	var first time.Time
	for _, theme := range shared {
		if ts, ok := p.earliest[theme]; ok && (first.IsZero() || ts.Before(first)) {
			first = ts
		}
	}
	return first
}

// annotate attaches per-country counts to the shared themes, oriented so
// FromCount always belongs to the flow's origin.
func annotate(shared []string, a, b *profile, from string) []schemas.SharedTheme {
	origin, dest := a, b
	if b.country == from {
		origin, dest = b, a
	}
	out := make([]schemas.SharedTheme, 0, len(shared))
	for _, theme := range shared {
		out = append(out, schemas.SharedTheme{
			Theme:     theme,
			FromCount: origin.themes[theme],
			ToCount:   dest.themes[theme],
		})
	}
	return out
}
