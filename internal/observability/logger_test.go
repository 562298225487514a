package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/obsglobal/flowscope/internal/config"
)

func TestInitializeAndGetLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "flowscope-test"}
	Initialize(cfg, zapcore.AddSync(zaptest.NewTestingWriter(t)))

	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("logger initialized")

	// A second Initialize must be a no-op: same instance survives.
	Initialize(config.LoggerConfig{Level: "error", Format: "json"}, zapcore.AddSync(zaptest.NewTestingWriter(t)))
	assert.Same(t, logger, GetLogger())
}

func TestGetLogger_FallbackBeforeInit(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}

func TestInitialize_InvalidLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := config.LoggerConfig{Level: "verbose-ish", Format: "console", ServiceName: "flowscope-test"}
	Initialize(cfg, zapcore.AddSync(zaptest.NewTestingWriter(t)))

	logger := GetLogger()
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
