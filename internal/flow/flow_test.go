package flow

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/obsglobal/flowscope/api/schemas"
	"github.com/obsglobal/flowscope/internal/config"
)

func testFlowConfig() config.EngineConfig {
	return config.EngineConfig{
		HalflifeHours:     6.0,
		FlowThreshold:     0.5,
		WorkerConcurrency: 4,
		SimilarityMode:    config.SimilarityJaccard,
	}
}

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	ts, err := time.Parse("15:04", hhmm)
	require.NoError(t, err)
	return time.Date(2025, 1, 14, ts.Hour(), ts.Minute(), 0, 0, time.UTC)
}

func sig(country string, ts time.Time, counts map[string]int) schemas.Signal {
	return schemas.Signal{CountryCode: country, Timestamp: ts, ThemeCounts: counts}
}

func TestDetect_IdenticalProfilesWithinHalflife(t *testing.T) {
	d := New(zap.NewNop(), testFlowConfig())

	signals := []schemas.Signal{
		sig("FR", at(t, "12:00"), map[string]int{"PROTEST": 5, "ECON": 3}),
		sig("DE", at(t, "13:00"), map[string]int{"PROTEST": 2, "ECON": 1}),
	}

	flows, stats, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	f := flows[0]
	assert.Equal(t, "FR", f.FromCountry)
	assert.Equal(t, "DE", f.ToCountry)
	assert.Equal(t, 1.0, f.Similarity)
	assert.InDelta(t, 1.0, f.TimeDeltaHours, 1e-9)
	assert.InDelta(t, math.Exp(-1.0/6.0), f.Heat, 1e-9)

	require.Len(t, f.SharedThemes, 2)
	assert.Equal(t, "ECON", f.SharedThemes[0].Theme)
	assert.Equal(t, 3, f.SharedThemes[0].FromCount)
	assert.Equal(t, 1, f.SharedThemes[0].ToCount)

	assert.Equal(t, 2, stats.CountriesAnalyzed)
	assert.Equal(t, 1, stats.PairsComputed)
	assert.Equal(t, 1, stats.FlowsEmitted)
}

func TestDetect_HalflifeDecidesBorderlinePair(t *testing.T) {
	// 6 of 7 themes shared, 3h apart. With a 6h halflife the heat is
	// (6/7)*exp(-0.5) ~ 0.52 and the flow is emitted; shrinking the
	// halflife to 3h drops it to ~0.315, under the 0.5 threshold.
	frThemes := map[string]int{"PROTEST": 1, "ECON": 1, "TAX": 1, "LEADER": 1, "KILL": 1, "ARREST": 1}
	deThemes := map[string]int{"PROTEST": 1, "ECON": 1, "TAX": 1, "LEADER": 1, "KILL": 1, "ARREST": 1, "WOUND": 1}
	signals := []schemas.Signal{
		sig("FR", at(t, "09:00"), frThemes),
		sig("DE", at(t, "12:00"), deThemes),
	}

	d := New(zap.NewNop(), testFlowConfig())
	flows, _, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.InDelta(t, (6.0/7.0)*math.Exp(-0.5), flows[0].Heat, 1e-9)

	cfg := testFlowConfig()
	cfg.HalflifeHours = 3.0
	d = New(zap.NewNop(), cfg)
	flows, stats, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Equal(t, 1, stats.PairsComputed)
}

func TestDetect_DisjointProfilesPrunedBeforeScoring(t *testing.T) {
	d := New(zap.NewNop(), testFlowConfig())

	signals := []schemas.Signal{
		sig("FR", at(t, "12:00"), map[string]int{"PROTEST": 5}),
		sig("JP", at(t, "12:05"), map[string]int{"EARTHQUAKE": 9}),
	}

	flows, stats, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Equal(t, 1, stats.PairsConsidered)
	assert.Equal(t, 0, stats.PairsComputed)
}

func TestDetect_HeatBelowThresholdSuppressed(t *testing.T) {
	d := New(zap.NewNop(), testFlowConfig())

	// Identical sets but a 12h gap: exp(-2) ~ 0.135, under the threshold.
	signals := []schemas.Signal{
		sig("FR", at(t, "00:00"), map[string]int{"PROTEST": 1}),
		sig("DE", at(t, "12:00"), map[string]int{"PROTEST": 1}),
	}

	flows, stats, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Equal(t, 1, stats.PairsComputed)
	assert.Equal(t, 0, stats.FlowsEmitted)
}

func TestDetect_DegenerateHalflifeStepDecay(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testFlowConfig()
	cfg.HalflifeHours = 0
	d := New(zap.New(core), cfg)

	// FR and DE share a theme at the same instant; BR trails by a minute.
	ts := at(t, "12:00")
	signals := []schemas.Signal{
		sig("FR", ts, map[string]int{"PROTEST": 1}),
		sig("DE", ts, map[string]int{"PROTEST": 1}),
		sig("BR", ts.Add(time.Minute), map[string]int{"PROTEST": 1}),
	}

	flows, _, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)

	// Only the zero-gap pair survives, at full weight.
	require.Len(t, flows, 1)
	assert.Equal(t, "DE", flows[0].FromCountry)
	assert.Equal(t, "FR", flows[0].ToCountry)
	assert.Equal(t, 1.0, flows[0].Heat)

	// The fallback is logged once per tick, not once per pair.
	assert.Equal(t, 1, logs.FilterMessageSnippet("step decay").Len())
}

func TestDetect_DecayMonotonicInGap(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlowThreshold = 0
	d := New(zap.NewNop(), cfg)

	prev := math.Inf(1)
	for _, gap := range []time.Duration{0, time.Hour, 6 * time.Hour, 24 * time.Hour} {
		signals := []schemas.Signal{
			sig("FR", at(t, "00:00"), map[string]int{"PROTEST": 1}),
			sig("DE", at(t, "00:00").Add(gap), map[string]int{"PROTEST": 1}),
		}
		flows, _, err := d.Detect(context.Background(), signals)
		require.NoError(t, err)
		require.Len(t, flows, 1)

		assert.LessOrEqual(t, flows[0].Heat, prev)
		assert.GreaterOrEqual(t, flows[0].Heat, 0.0)
		assert.LessOrEqual(t, flows[0].Heat, 1.0)
		prev = flows[0].Heat
	}
}

func TestDetect_CosineModeWeighsCounts(t *testing.T) {
	cfg := testFlowConfig()
	cfg.SimilarityMode = config.SimilarityCosine
	cfg.FlowThreshold = 0
	d := New(zap.NewNop(), cfg)

	// Same theme sets, very different emphasis: Jaccard would say 1.0,
	// cosine discounts the mismatch in weight.
	signals := []schemas.Signal{
		sig("FR", at(t, "12:00"), map[string]int{"PROTEST": 10, "ECON": 1}),
		sig("DE", at(t, "12:00"), map[string]int{"PROTEST": 1, "ECON": 10}),
	}

	flows, _, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Less(t, flows[0].Similarity, 1.0)
	assert.Greater(t, flows[0].Similarity, 0.0)

	// 2*10*1 / (sqrt(101)*sqrt(101))
	assert.InDelta(t, 20.0/101.0, flows[0].Similarity, 1e-9)
}

func TestDetect_DirectionFollowsEarliestSharedMention(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlowThreshold = 0
	d := New(zap.NewNop(), cfg)

	// DE's earliest overall signal predates FR's, but its first mention of
	// the shared theme comes later, so FR is still the origin.
	signals := []schemas.Signal{
		sig("DE", at(t, "10:00"), map[string]int{"LEADER": 1}),
		sig("FR", at(t, "11:00"), map[string]int{"PROTEST": 4}),
		sig("DE", at(t, "12:00"), map[string]int{"PROTEST": 2}),
	}

	flows, _, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "FR", flows[0].FromCountry)
	assert.Equal(t, "DE", flows[0].ToCountry)
	assert.Equal(t, at(t, "11:00"), flows[0].FromTime)
	assert.Equal(t, at(t, "12:00"), flows[0].ToTime)
}

func TestDetect_SingleCountryNoPairs(t *testing.T) {
	d := New(zap.NewNop(), testFlowConfig())

	flows, stats, err := d.Detect(context.Background(), []schemas.Signal{
		sig("FR", at(t, "12:00"), map[string]int{"PROTEST": 1}),
	})
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Equal(t, 1, stats.CountriesAnalyzed)
	assert.Equal(t, 0, stats.PairsConsidered)
}

func TestDetect_ManyCountriesDeterministicOrder(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlowThreshold = 0
	d := New(zap.NewNop(), cfg)

	ts := at(t, "12:00")
	signals := []schemas.Signal{
		sig("US", ts, map[string]int{"PROTEST": 1}),
		sig("BR", ts.Add(time.Minute), map[string]int{"PROTEST": 1}),
		sig("FR", ts.Add(2*time.Minute), map[string]int{"PROTEST": 1}),
	}

	first, _, err := d.Detect(context.Background(), signals)
	require.NoError(t, err)
	require.Len(t, first, 3)

	for i := 0; i < 5; i++ {
		again, _, err := d.Detect(context.Background(), signals)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
