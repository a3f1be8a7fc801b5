package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/promptloop/utils"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 6, cfg.MaxOptimizationsPerDay)
	assert.Equal(t, 2*time.Hour, cfg.CoolDown)
	assert.Equal(t, 5, cfg.MinFeedbackCount)
	assert.Equal(t, 0.4, cfg.NegativeRatioThreshold)
	assert.Equal(t, 10, cfg.SampleSize)
	assert.Equal(t, 0.05, cfg.SignificanceThreshold)
	assert.Equal(t, 5.0, cfg.DeploymentThreshold)
	assert.Equal(t, 0.8, cfg.MinConfidenceLevel)
	assert.Equal(t, 50, cfg.MaxIterationsPerLab)
	assert.Equal(t, utils.LogLevelWarn, cfg.LogLevel)
	require.NoError(t, Validate(cfg))
}

func TestNewConfigOptions(t *testing.T) {
	cfg := NewConfig(
		SetProvider("mock"),
		SetAPIKey("test-key"),
		SetModel("mock-model"),
		SetTemperature(0.2),
		SetTimeout(time.Minute),
		SetMaxRetries(-5),
		SetMaxOptimizationsPerDay(3),
		SetCoolDown(time.Hour),
		SetSampleSize(0),
		SetDeploymentThreshold(2.5),
		SetLogLevel(utils.LogLevelDebug),
		SetDatabasePath("/tmp/loop.db"),
	)

	assert.Equal(t, "mock", cfg.Provider)
	assert.Equal(t, "test-key", cfg.APIKeys["mock"])
	assert.Equal(t, "mock-model", cfg.Model)
	assert.Equal(t, 0.2, cfg.Temperature)
	assert.Equal(t, time.Minute, cfg.Timeout)
	assert.Equal(t, 0, cfg.MaxRetries, "negative retries clamp to zero")
	assert.Equal(t, 3, cfg.MaxOptimizationsPerDay)
	assert.Equal(t, time.Hour, cfg.CoolDown)
	assert.Equal(t, 1, cfg.SampleSize, "sample size clamps to one")
	assert.Equal(t, 2.5, cfg.DeploymentThreshold)
	assert.Equal(t, utils.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "/tmp/loop.db", cfg.DatabasePath)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("LOOP_PROVIDER", "anthropic")
	t.Setenv("LOOP_MODEL", "claude-3-5-haiku-latest")
	t.Setenv("LOOP_MAX_PER_DAY", "2")
	t.Setenv("LOOP_COOL_DOWN", "45m")
	t.Setenv("LOOP_SIGNIFICANCE", "0.01")
	t.Setenv("LOOP_LOG_LEVEL", "DEBUG")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oa-test")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.Model)
	assert.Equal(t, 2, cfg.MaxOptimizationsPerDay)
	assert.Equal(t, 45*time.Minute, cfg.CoolDown)
	assert.Equal(t, 0.01, cfg.SignificanceThreshold)
	assert.Equal(t, utils.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "sk-ant-test", cfg.APIKeys["anthropic"])
	assert.Equal(t, "sk-oa-test", cfg.APIKeys["openai"])

	// Unset variables keep their defaults.
	assert.Equal(t, 10, cfg.SampleSize)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("LOOP_SIGNIFICANCE", "1.5")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestValidateCatchesOutOfRangeFields(t *testing.T) {
	cfg := NewConfig()
	cfg.NegativeRatioThreshold = 2.0
	assert.Error(t, Validate(cfg))

	cfg = NewConfig()
	cfg.PlateauWindow = 1
	assert.Error(t, Validate(cfg))
}
