// Package normalize converts parsed event records into country-scoped
// signals. One record yields one signal per distinct country in its
// locations; records without a resolvable country are dropped, and repeats
// within an ingest cycle are silently deduplicated.
package normalize

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
)

// Native tone bounds and the magnitude past which a record is flagged as a
// low-confidence sentiment outlier (still emitted, never dropped: filtering
// extreme tones here would systematically under-count crisis events).
const (
	toneScale        = 100.0
	outlierMagnitude = 50.0
)

// maxThemesPerSignal caps the theme list carried by one signal, keeping the
// highest-count themes.
const maxThemesPerSignal = 10

// Normalizer turns raw records into signals. It is stateless apart from the
// injected per-cycle dedup set, so one instance can serve all worker shards.
type Normalizer struct {
	log    *zap.Logger
	bucket time.Duration
}

// New returns a normalizer that stamps signals with buckets of the given
// duration.
func New(logger *zap.Logger, bucket time.Duration) *Normalizer {
	return &Normalizer{log: logger.Named("normalize"), bucket: bucket}
}

// Normalize converts one record into country-scoped signals. Recovered
// failures (duplicate, unresolvable location, sentiment outlier) come back as
// parse errors for the tick summary; only the first two drop the record.
func (n *Normalizer) Normalize(rec schemas.RawEventRecord, dedup *DedupSet) ([]schemas.Signal, []schemas.ParseError) {
	if dedup.CheckAndAdd(dedupKey(rec)) {
		return nil, []schemas.ParseError{{
			Kind:   schemas.ErrDuplicateRecord,
			LineNo: rec.LineNo,
			Msg:    "record already seen this cycle",
		}}
	}

	countries, confidence := resolveCountries(rec.Locations)
	if len(countries) == 0 {
		return nil, []schemas.ParseError{{
			Kind:   schemas.ErrUnresolvableLocation,
			LineNo: rec.LineNo,
			Msg:    "no location with a usable country code",
		}}
	}

	var errs []schemas.ParseError
	sentiment, outlier := normalizeSentiment(rec.Tone)
	if outlier {
		errs = append(errs, schemas.ParseError{
			Kind:   schemas.ErrOutlierSentiment,
			LineNo: rec.LineNo,
			Msg:    "tone magnitude exceeds sanity bound",
		})
	}

	themes, themeCounts, primary := rankThemes(rec.ThemeCounts)
	bucket := rec.Timestamp.Truncate(n.bucket)

	signals := make([]schemas.Signal, 0, len(countries))
	for _, cc := range countries {
		signals = append(signals, schemas.Signal{
			SignalID:       rec.RecordID + "-" + cc,
			RecordID:       rec.RecordID,
			Timestamp:      rec.Timestamp,
			Bucket:         bucket,
			CountryCode:    cc,
			Themes:         themes,
			PrimaryTheme:   primary,
			ThemeCounts:    themeCounts,
			SentimentScore: sentiment,
			Confidence:     confidence[cc],
			Outlier:        outlier,
			Persons:        rec.Persons,
			Organizations:  rec.Organizations,
			SourceOutlet:   rec.SourceOutlet,
		})
	}
	return signals, errs
}

// resolveCountries returns the distinct country codes of the record in first
// appearance order, each mapped to the confidence of its most precise
// location mention.
func resolveCountries(locations []schemas.Location) ([]string, map[string]float64) {
	var order []string
	confidence := make(map[string]float64)
	for _, loc := range locations {
		if loc.CountryCode == "" {
			continue
		}
		c := locationConfidence(loc.Type)
		if prev, ok := confidence[loc.CountryCode]; ok {
			if c > prev {
				confidence[loc.CountryCode] = c
			}
			continue
		}
		confidence[loc.CountryCode] = c
		order = append(order, loc.CountryCode)
	}
	return order, confidence
}

// locationConfidence maps location precision to signal confidence:
// country-level mentions are the vaguest, city-level the most precise.
func locationConfidence(t schemas.LocationType) float64 {
	switch t {
	case schemas.LocationCountry:
		return 0.6
	case schemas.LocationUSCity, schemas.LocationWorldCity:
		return 1.0
	default:
		return 0.8
	}
}

// normalizeSentiment maps the native -100..+100 tone to [-1,1] and reports
// whether its magnitude crosses the outlier bound. An absent tone is neutral.
func normalizeSentiment(tone schemas.Tone) (float64, bool) {
	if tone.Overall == nil {
		return 0, false
	}
	native := math.Max(-toneScale, math.Min(toneScale, *tone.Overall))
	return native / toneScale, math.Abs(*tone.Overall) > outlierMagnitude
}

// rankThemes copies theme counts verbatim, capped to the highest-count
// themes, and picks the primary theme: highest count, ties broken by first
// occurrence in the source list.
func rankThemes(counts []schemas.ThemeCount) ([]string, map[string]int, string) {
	if len(counts) == 0 {
		return nil, map[string]int{}, ""
	}

	kept := counts
	if len(kept) > maxThemesPerSignal {
		kept = make([]schemas.ThemeCount, len(counts))
		copy(kept, counts)
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Count > kept[j].Count })
		kept = kept[:maxThemesPerSignal]
	}

	themes := make([]string, 0, len(kept))
	themeCounts := make(map[string]int, len(kept))
	primary := kept[0]
	for _, tc := range kept {
		themes = append(themes, tc.Theme)
		themeCounts[tc.Theme] = tc.Count
		if tc.Count > primary.Count {
			primary = tc
		}
	}
	return themes, themeCounts, primary.Theme
}
