// Package aggregate folds the signals of one (country, bucket) window into a
// hotspot: a weighted intensity score plus the bucket's top themes and
// sentiment summary. Buckets are never mutated after closing; recomputation
// produces a replacement row under the same key.
package aggregate

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
	"github.com/obsglobal/flowscope/internal/config"
)

// Intensity component weights.
const (
	volumeWeight     = 0.4
	velocityWeight   = 0.3
	confidenceWeight = 0.3
)

// topThemeLimit caps the ranked theme list carried by a hotspot.
const topThemeLimit = 5

// sentimentNeutralBand is the score magnitude below which a signal counts as
// neutral when picking the dominant sentiment label.
const sentimentNeutralBand = 0.05

// BucketKey identifies one open accumulator: a country and the start of its
// time bucket.
type BucketKey struct {
	Country string
	Bucket  time.Time
}

// GroupByBucket partitions a tick's signals into per-(country, bucket)
// windows. The pipeline materializes the full signal set first, so a
// hotspot's intensity never depends on arrival order within the tick.
func GroupByBucket(signals []schemas.Signal) map[BucketKey][]schemas.Signal {
	groups := make(map[BucketKey][]schemas.Signal)
	for _, s := range signals {
		key := BucketKey{Country: s.CountryCode, Bucket: s.Bucket}
		groups[key] = append(groups[key], s)
	}
	return groups
}

// Aggregator computes hotspots from bucketed signal windows.
type Aggregator struct {
	log *zap.Logger
	cfg config.EngineConfig
}

// New returns an aggregator using the engine's volume and velocity caps.
func New(logger *zap.Logger, cfg config.EngineConfig) *Aggregator {
	return &Aggregator{log: logger.Named("aggregate"), cfg: cfg}
}

// BucketClosed reports whether a bucket's time range has fully elapsed
// relative to the ingest clock.
func (a *Aggregator) BucketClosed(bucketStart, now time.Time) bool {
	return !now.Before(bucketStart.Add(a.cfg.BucketDuration))
}

// Aggregate folds one window of signals into a hotspot. previous is the
// immediately preceding bucket's hotspot for the same country, or nil; the
// velocity component is zero without it.
func (a *Aggregator) Aggregate(key BucketKey, signals []schemas.Signal, previous *schemas.Hotspot) schemas.Hotspot {
	total := 0
	for _, s := range signals {
		total += s.TotalThemeCount()
	}

	volume := math.Min(float64(total)/a.cfg.VolumeCap, 1.0)
	velocity := a.velocity(total, previous)
	confidence := meanConfidence(signals)

	intensity := volumeWeight*volume + velocityWeight*velocity + confidenceWeight*confidence
	intensity = math.Max(0, math.Min(1, intensity))

	top, topicCount := rankThemes(signals)
	avgSentiment, dominant := summarizeSentiment(signals)
	sourceCount, diversity := sourceDiversity(signals)

	return schemas.Hotspot{
		CountryCode:         key.Country,
		BucketStart:         key.Bucket,
		Intensity:           intensity,
		VolumeComponent:     volume,
		VelocityComponent:   velocity,
		ConfidenceComponent: confidence,
		TopicCount:          topicCount,
		TotalThemeCount:     total,
		TopThemes:           top,
		AvgSentiment:        avgSentiment,
		DominantSentiment:   dominant,
		SignalCount:         len(signals),
		SourceCount:         sourceCount,
		SourceDiversity:     diversity,
	}
}

// velocity scores the growth of this bucket's theme volume against the
// previous bucket's, normalized by the configured rate cap. Shrinking volume
// clamps to zero rather than going negative.
func (a *Aggregator) velocity(total int, previous *schemas.Hotspot) float64 {
	if previous == nil {
		return 0
	}
	delta := float64(total - previous.TotalThemeCount)
	if delta <= 0 {
		return 0
	}
	baseline := math.Max(float64(previous.TotalThemeCount), 1)
	return math.Min(delta/baseline/a.cfg.VelocityRateCap, 1.0)
}

func meanConfidence(signals []schemas.Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range signals {
		sum += s.Confidence
	}
	return sum / float64(len(signals))
}

// rankThemes sums theme counts across the window and returns the top themes,
// each with its summed count and count-weighted mean sentiment, plus the
// number of distinct themes observed. Ties order by label for determinism.
func rankThemes(signals []schemas.Signal) ([]schemas.ThemeStat, int) {
	sums := make(map[string]int)
	weighted := make(map[string]float64)
	for _, s := range signals {
		for theme, count := range s.ThemeCounts {
			sums[theme] += count
			weighted[theme] += float64(count) * s.SentimentScore
		}
	}

	stats := make([]schemas.ThemeStat, 0, len(sums))
	for theme, count := range sums {
		sentiment := 0.0
		if count > 0 {
			sentiment = weighted[theme] / float64(count)
		}
		stats = append(stats, schemas.ThemeStat{Label: theme, Count: count, Sentiment: sentiment})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Label < stats[j].Label
	})

	topicCount := len(stats)
	if len(stats) > topThemeLimit {
		stats = stats[:topThemeLimit]
	}
	return stats, topicCount
}

// summarizeSentiment returns the window's mean sentiment and the majority
// label among positive/neutral/negative, ties resolving to neutral.
func summarizeSentiment(signals []schemas.Signal) (float64, string) {
	if len(signals) == 0 {
		return 0, "neutral"
	}
	sum := 0.0
	counts := map[string]int{}
	for _, s := range signals {
		sum += s.SentimentScore
		switch {
		case s.SentimentScore > sentimentNeutralBand:
			counts["positive"]++
		case s.SentimentScore < -sentimentNeutralBand:
			counts["negative"]++
		default:
			counts["neutral"]++
		}
	}

	dominant, best := "neutral", counts["neutral"]
	if counts["positive"] > best {
		dominant, best = "positive", counts["positive"]
	}
	if counts["negative"] > best {
		dominant = "negative"
	}
	return sum / float64(len(signals)), dominant
}

// sourceDiversity counts distinct outlets and their ratio to signal volume:
// 0 means one outlet dominates, 1 means every signal came from a different
// outlet.
func sourceDiversity(signals []schemas.Signal) (int, float64) {
	if len(signals) == 0 {
		return 0, 0
	}
	outlets := make(map[string]struct{})
	for _, s := range signals {
		if s.SourceOutlet != "" {
			outlets[s.SourceOutlet] = struct{}{}
		}
	}
	if len(outlets) == 0 {
		return 0, 0
	}
	return len(outlets), math.Min(float64(len(outlets))/float64(len(signals)), 1.0)
}
