package normalize

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
)

func floatPtr(f float64) *float64 { return &f }

func testRecord() schemas.RawEventRecord {
	return schemas.RawEventRecord{
		RecordID:  "20250114121500-7",
		Timestamp: time.Date(2025, 1, 14, 12, 22, 0, 0, time.UTC),
		Locations: []schemas.Location{
			{Type: schemas.LocationWorldCity, CountryCode: "FR"},
			{Type: schemas.LocationCountry, CountryCode: "DE"},
			{Type: schemas.LocationWorldProvince, CountryCode: "FR"},
		},
		Tone: schemas.Tone{Overall: floatPtr(-12.0)},
		ThemeCounts: []schemas.ThemeCount{
			{Theme: "PROTEST", Count: 3},
			{Theme: "ECON_INFLATION", Count: 3},
			{Theme: "LEADER", Count: 1},
		},
		SourceOutlet: "example.org",
	}
}

func TestNormalize_OneSignalPerCountry(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)

	signals, errs := n.Normalize(testRecord(), NewDedupSet())
	require.Empty(t, errs)
	require.Len(t, signals, 2)

	fr, de := signals[0], signals[1]
	assert.Equal(t, "FR", fr.CountryCode)
	assert.Equal(t, "20250114121500-7-FR", fr.SignalID)
	assert.Equal(t, "DE", de.CountryCode)

	// FR has a city-level mention, DE only a country-level one.
	assert.Equal(t, 1.0, fr.Confidence)
	assert.Equal(t, 0.6, de.Confidence)

	// Tone -12 on the native scale maps to -0.12.
	assert.InDelta(t, -0.12, fr.SentimentScore, 1e-9)
	assert.False(t, fr.Outlier)

	// Tie on the top count resolves to the first theme in source order.
	assert.Equal(t, "PROTEST", fr.PrimaryTheme)

	// Timestamps truncate onto the 15-minute bucket grid.
	assert.Equal(t, time.Date(2025, 1, 14, 12, 15, 0, 0, time.UTC), fr.Bucket)
}

func TestNormalize_ConfidenceByPrecision(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)

	tests := []struct {
		locType schemas.LocationType
		want    float64
	}{
		{schemas.LocationCountry, 0.6},
		{schemas.LocationUSState, 0.8},
		{schemas.LocationUSCity, 1.0},
		{schemas.LocationWorldCity, 1.0},
		{schemas.LocationWorldProvince, 0.8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("type_%d", tt.locType), func(t *testing.T) {
			rec := testRecord()
			rec.Locations = []schemas.Location{{Type: tt.locType, CountryCode: "BR"}}

			signals, errs := n.Normalize(rec, NewDedupSet())
			require.Empty(t, errs)
			require.Len(t, signals, 1)
			assert.Equal(t, tt.want, signals[0].Confidence)
			assert.GreaterOrEqual(t, signals[0].Confidence, 0.0)
			assert.LessOrEqual(t, signals[0].Confidence, 1.0)
		})
	}
}

func TestNormalize_NoUsableLocationDropsRecord(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)

	rec := testRecord()
	rec.Locations = []schemas.Location{{Type: schemas.LocationCountry}}

	signals, errs := n.Normalize(rec, NewDedupSet())
	assert.Empty(t, signals)
	require.Len(t, errs, 1)
	assert.Equal(t, schemas.ErrUnresolvableLocation, errs[0].Kind)
}

func TestNormalize_OutlierFlaggedNotDropped(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)

	rec := testRecord()
	rec.Tone.Overall = floatPtr(-78.0)

	signals, errs := n.Normalize(rec, NewDedupSet())
	require.Len(t, signals, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, schemas.ErrOutlierSentiment, errs[0].Kind)
	assert.True(t, signals[0].Outlier)
	assert.InDelta(t, -0.78, signals[0].SentimentScore, 1e-9)
	assert.GreaterOrEqual(t, signals[0].SentimentScore, -1.0)
}

func TestNormalize_DuplicateWithinCycleCountedOnce(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)
	dedup := NewDedupSet()

	first, errs := n.Normalize(testRecord(), dedup)
	require.Empty(t, errs)
	require.Len(t, first, 2)

	second, errs := n.Normalize(testRecord(), dedup)
	assert.Empty(t, second)
	require.Len(t, errs, 1)
	assert.Equal(t, schemas.ErrDuplicateRecord, errs[0].Kind)
}

func TestNormalize_URLHashFallbackForMissingRecordID(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)
	dedup := NewDedupSet()

	rec := testRecord()
	rec.RecordID = ""
	rec.SourceURL = "https://example.org/a"

	_, errs := n.Normalize(rec, dedup)
	require.Empty(t, errs)

	_, errs = n.Normalize(rec, dedup)
	require.Len(t, errs, 1)
	assert.Equal(t, schemas.ErrDuplicateRecord, errs[0].Kind)

	other := testRecord()
	other.RecordID = ""
	other.SourceURL = "https://example.org/b"
	_, errs = n.Normalize(other, dedup)
	assert.Empty(t, errs)
}

func TestNormalize_ThemeCapKeepsHighestCounts(t *testing.T) {
	n := New(zap.NewNop(), 15*time.Minute)

	rec := testRecord()
	rec.ThemeCounts = nil
	for i := 0; i < 15; i++ {
		rec.ThemeCounts = append(rec.ThemeCounts, schemas.ThemeCount{
			Theme: fmt.Sprintf("THEME_%02d", i),
			Count: i + 1,
		})
	}

	signals, _ := n.Normalize(rec, NewDedupSet())
	require.Len(t, signals, 2)
	assert.Len(t, signals[0].Themes, 10)
	assert.Equal(t, "THEME_14", signals[0].PrimaryTheme)
	// The five lowest-count themes fall off.
	assert.NotContains(t, signals[0].ThemeCounts, "THEME_00")
	assert.Contains(t, signals[0].ThemeCounts, "THEME_05")
}

func TestDedupSet_ConcurrentCheckAndAdd(t *testing.T) {
	dedup := NewDedupSet()

	const workers = 16
	var wg sync.WaitGroup
	dupes := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen := 0
			for j := 0; j < 100; j++ {
				if dedup.CheckAndAdd(fmt.Sprintf("rec-%d", j)) {
					seen++
				}
			}
			dupes <- seen
		}()
	}
	wg.Wait()
	close(dupes)

	total := 0
	for n := range dupes {
		total += n
	}
	// Exactly one winner per key: workers*100 attempts, 100 distinct keys.
	assert.Equal(t, workers*100-100, total)
	assert.Equal(t, 100, dedup.Len())
}
