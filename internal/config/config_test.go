package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 15*time.Minute, cfg.Engine.BucketDuration)
	assert.Equal(t, 6.0, cfg.Engine.HalflifeHours)
	assert.Equal(t, 0.5, cfg.Engine.FlowThreshold)
	assert.Equal(t, 100.0, cfg.Engine.VolumeCap)
	assert.Equal(t, 10.0, cfg.Engine.VelocityRateCap)
	assert.Equal(t, SimilarityJaccard, cfg.Engine.SimilarityMode)
	assert.Equal(t, 30, cfg.Retention.HotDays)
	assert.Equal(t, 0.7, cfg.Retention.ColdHeatFloor)

	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"threshold above one", "engine.flow_threshold", 1.5},
		{"negative threshold", "engine.flow_threshold", -0.1},
		{"zero volume cap", "engine.volume_cap", 0},
		{"zero workers", "engine.worker_concurrency", 0},
		{"zero bucket", "engine.bucket_duration", "0s"},
		{"unknown similarity mode", "engine.similarity_mode", "embedding"},
		{"inverted tiers", "retention.warm_days", 10},
		{"heat floor above one", "retention.cold_heat_floor", 2.0},
		{"zero fetch attempts", "fetch.max_attempts", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.value)

			_, err := NewConfigFromViper(v)
			require.Error(t, err)
		})
	}
}

func TestEngineConfig_DegenerateHalflifeAllowed(t *testing.T) {
	// halflife <= 0 selects the instantaneous-only decay mode; it must pass
	// validation rather than be rejected at startup.
	v := viper.New()
	SetDefaults(v)
	v.Set("engine.halflife_hours", 0.0)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Engine.HalflifeHours)
}
