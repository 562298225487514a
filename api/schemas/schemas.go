package schemas

import "time"

// LocationType identifies the geographic granularity of a parsed location.
// Values follow the GKG v2.1 convention.
type LocationType int

const (
	LocationCountry       LocationType = 1
	LocationUSState       LocationType = 2
	LocationUSCity        LocationType = 3
	LocationWorldCity     LocationType = 4
	LocationWorldProvince LocationType = 5
)

// Location is one parsed block from a record's locations field.
// Latitude/Longitude are nil when the source value was missing or not a
// number; downstream averages must skip absent coordinates rather than
// treating them as zero.
type Location struct {
	Type        LocationType `json:"type"`
	FullName    string       `json:"full_name"`
	CountryCode string       `json:"country_code"`
	ADM1Code    string       `json:"adm1_code,omitempty"`
	ADM2Code    string       `json:"adm2_code,omitempty"`
	Latitude    *float64     `json:"latitude,omitempty"`
	Longitude   *float64     `json:"longitude,omitempty"`
	FeatureID   string       `json:"feature_id,omitempty"`
	CharOffset  int          `json:"char_offset,omitempty"`
}

// Tone is the parsed sentiment tuple of a record. The native scale of
// Overall is -100..+100. Components that failed to parse are nil.
type Tone struct {
	Overall         *float64 `json:"overall,omitempty"`
	PositivePct     *float64 `json:"positive_pct,omitempty"`
	NegativePct     *float64 `json:"negative_pct,omitempty"`
	Polarity        *float64 `json:"polarity,omitempty"`
	ActivityDensity *float64 `json:"activity_density,omitempty"`
	SelfRef         *float64 `json:"self_ref,omitempty"`
	WordCount       int      `json:"word_count,omitempty"`
}

// ThemeCount pairs a theme taxonomy code with its mention count in one record.
type ThemeCount struct {
	Theme string `json:"theme"`
	Count int    `json:"count"`
}

// ThemeMention is one entry from the enhanced themes field: a theme code and
// the character offset of its first mention.
type ThemeMention struct {
	Theme  string `json:"theme"`
	Offset int    `json:"offset"`
}

// EventCount is one parsed block from the counts field, e.g. "KILL#12#...".
type EventCount struct {
	Type       string    `json:"type"`
	Number     int       `json:"number"`
	ObjectType string    `json:"object_type,omitempty"`
	Location   *Location `json:"location,omitempty"`
}

// RawEventRecord is one fully parsed line of a batch. It lives only for the
// duration of normalization and is never persisted.
type RawEventRecord struct {
	RecordID         string
	Timestamp        time.Time
	SourceCollection int
	SourceOutlet     string
	SourceURL        string
	Themes           []string
	EnhancedThemes   []ThemeMention
	Locations        []Location
	Persons          []string
	Organizations    []string
	Tone             Tone
	Counts           []EventCount
	ThemeCounts      []ThemeCount
	GCAM             string
	SharingImage     string
	LineNo           int
}

// Signal is one country-scoped observation derived from a RawEventRecord.
// A record spanning N distinct countries yields N signals.
type Signal struct {
	SignalID       string         `json:"signal_id"`
	RecordID       string         `json:"record_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Bucket         time.Time      `json:"bucket"`
	CountryCode    string         `json:"country_code"`
	Themes         []string       `json:"themes"`
	PrimaryTheme   string         `json:"primary_theme"`
	ThemeCounts    map[string]int `json:"theme_counts"`
	SentimentScore float64        `json:"sentiment_score"` // normalized to [-1,1]
	Confidence     float64        `json:"confidence"`      // [0,1], from location precision
	Outlier        bool           `json:"outlier"`         // |native tone| > 50
	Persons        []string       `json:"persons,omitempty"`
	Organizations  []string       `json:"organizations,omitempty"`
	SourceOutlet   string         `json:"source_outlet,omitempty"`
}

// TotalThemeCount sums the per-theme counts of the signal.
func (s Signal) TotalThemeCount() int {
	total := 0
	for _, c := range s.ThemeCounts {
		total += c
	}
	return total
}

// ThemeStat is one ranked theme inside a hotspot: summed count plus the
// count-weighted mean sentiment of the signals that mentioned it.
type ThemeStat struct {
	Label     string  `json:"label"`
	Count     int     `json:"count"`
	Sentiment float64 `json:"sentiment"`
}

// Hotspot is the aggregate of one country over one time bucket. Once its
// bucket has closed it is immutable; a recomputation produces a replacement
// row under the same (CountryCode, BucketStart) key.
type Hotspot struct {
	CountryCode         string      `json:"country_code"`
	BucketStart         time.Time   `json:"bucket_start"`
	Intensity           float64     `json:"intensity"`
	VolumeComponent     float64     `json:"volume_component"`
	VelocityComponent   float64     `json:"velocity_component"`
	ConfidenceComponent float64     `json:"confidence_component"`
	TopicCount          int         `json:"topic_count"`
	TotalThemeCount     int         `json:"total_theme_count"`
	TopThemes           []ThemeStat `json:"top_themes"`
	AvgSentiment        float64     `json:"avg_sentiment"`
	DominantSentiment   string      `json:"dominant_sentiment"`
	SignalCount         int         `json:"signal_count"`
	SourceCount         int         `json:"source_count"`
	SourceDiversity     float64     `json:"source_diversity"`
}

// SharedTheme is one theme common to both ends of a flow, annotated with
// per-country counts for explainability.
type SharedTheme struct {
	Theme     string `json:"theme"`
	FromCount int    `json:"from_count"`
	ToCount   int    `json:"to_count"`
}

// Flow is a directed narrative-propagation edge between two countries for one
// detection tick. Heat combines topical similarity with exponential time
// decay: heat = similarity * exp(-dt/halflife).
type Flow struct {
	FromCountry    string        `json:"from_country"`
	ToCountry      string        `json:"to_country"`
	FromTime       time.Time     `json:"from_time"`
	ToTime         time.Time     `json:"to_time"`
	Heat           float64       `json:"heat"`
	Similarity     float64       `json:"similarity"`
	TimeDeltaHours float64       `json:"time_delta_hours"`
	SharedThemes   []SharedTheme `json:"shared_themes"`
}

// Granularity names the bucket width of a rolled-up aggregate.
type Granularity string

const (
	GranularityRaw    Granularity = "raw"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// TopicSnapshot is the retention unit: a (country, theme, bucket) rollup
// produced when coalescing finer buckets into coarser ones.
type TopicSnapshot struct {
	CountryCode  string      `json:"country_code"`
	Theme        string      `json:"theme"`
	BucketStart  time.Time   `json:"bucket_start"`
	Granularity  Granularity `json:"granularity"`
	SignalCount  int         `json:"signal_count"`
	ThemeCount   int         `json:"theme_count"`
	AvgSentiment float64     `json:"avg_sentiment"`
	KeepForever  bool        `json:"keep_forever"`
}

// Country is static reference data, owned externally and read-only here.
type Country struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Active    bool    `json:"active"`
}

// TickResult is the complete output of one pipeline run, handed to the
// persistence layer.
type TickResult struct {
	RunID     string
	Started   time.Time
	Batch     time.Time
	Signals   []Signal
	Hotspots  []Hotspot
	Flows     []Flow
	Errors    ErrorSummary
	FlowStats FlowStats
}

// FlowStats describes the pair scan of one detection tick.
type FlowStats struct {
	CountriesAnalyzed int `json:"countries_analyzed"`
	PairsConsidered   int `json:"pairs_considered"`
	PairsComputed     int `json:"pairs_computed"`
	FlowsEmitted      int `json:"flows_emitted"`
}
