package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "agentsubstrate", cfg.Name)
	assert.Equal(t, 512.0, cfg.Memory.PerResourceMaxMB)
	assert.Equal(t, 0.75, cfg.Memory.WarningPercent)
	assert.Equal(t, 0.9, cfg.Memory.CriticalPercent)
	assert.Equal(t, 100.0, cfg.Cache.MaxAllowedMB)
	assert.False(t, cfg.Cache.AllowOversizeDegraded)
	assert.Equal(t, time.Hour, cfg.AgentContext.EphemeralTTL)
	assert.Equal(t, 5, cfg.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestNewConfig_NoOptionsReturnsValidatedDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.NotNil(t, cfg.Logger())
}

func TestNewConfig_AppliesOptionsInOrder(t *testing.T) {
	cfg, err := NewConfig(
		WithName("garden-planner"),
		WithMemoryThresholds(256, 0.6, 0.8),
		WithCacheLimits(50, true),
		WithEphemeralTTL(30*time.Minute),
		WithCircuitBreaker(10, time.Minute),
		WithRetry(5, 200*time.Millisecond),
		WithLogLevel("debug"),
		WithLogFormat("text"),
	)
	require.NoError(t, err)

	assert.Equal(t, "garden-planner", cfg.Name)
	assert.Equal(t, 256.0, cfg.Memory.PerResourceMaxMB)
	assert.Equal(t, 0.6, cfg.Memory.WarningPercent)
	assert.Equal(t, 0.8, cfg.Memory.CriticalPercent)
	assert.Equal(t, 50.0, cfg.Cache.MaxAllowedMB)
	assert.True(t, cfg.Cache.AllowOversizeDegraded)
	assert.Equal(t, 30*time.Minute, cfg.AgentContext.EphemeralTTL)
	assert.Equal(t, 10, cfg.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Resilience.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 5, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Resilience.Retry.BaseInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestWithName_RejectsEmptyName(t *testing.T) {
	_, err := NewConfig(WithName(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name must not be empty")
}

func TestWithDevelopmentMode_EnablesDebugAndPrettyLogs(t *testing.T) {
	cfg, err := NewConfig(WithDevelopmentMode(true))
	require.NoError(t, err)
	assert.True(t, cfg.Development.Enabled)
	assert.True(t, cfg.Development.DebugLogging)
	assert.True(t, cfg.Development.PrettyLogs)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestWithLogger_InstallsCustomLogger(t *testing.T) {
	custom := &NoOpLogger{}
	cfg, err := NewConfig(WithLogger(custom))
	require.NoError(t, err)
	assert.Same(t, Logger(custom), cfg.Logger())
}

func TestConfig_Logger_LazilyBuildsProductionLogger(t *testing.T) {
	cfg := DefaultConfig()
	logger := cfg.Logger()
	require.NotNil(t, logger)
	assert.Same(t, logger, cfg.Logger())
}

func TestConfig_Validate_RejectsBadMemoryThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.WarningPercent = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.CriticalPercent = cfg.Memory.WarningPercent
	require.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsNonPositiveCacheLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.MaxAllowedMB = 0
	require.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsNonPositiveFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resilience.CircuitBreaker.FailureThreshold = 0
	require.Error(t, cfg.Validate())
}

func TestLoadConfigFile_MergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "name: from-file\nmemory:\n  per_resource_max_mb: 1024\nlogging:\n  level: warn\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadConfigFile(path))

	assert.Equal(t, "from-file", cfg.Name)
	assert.Equal(t, 1024.0, cfg.Memory.PerResourceMaxMB)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Fields absent from the file keep their prior (default) values.
	assert.Equal(t, 0.75, cfg.Memory.WarningPercent)
}

func TestLoadConfigFile_MissingFileReturnsConfigurationError(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestLoadConfigFile_InvalidYAMLReturnsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: [unterminated"), 0o600))

	cfg := DefaultConfig()
	err := cfg.LoadConfigFile(path)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestWithConfigFile_LoadsDuringNewConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: loaded-via-option\n"), 0o600))

	cfg, err := NewConfig(WithConfigFile(path), WithLogLevel("debug"))
	require.NoError(t, err)
	assert.Equal(t, "loaded-via-option", cfg.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestProductionLogger_WithComponent_PreservesParentSettings(t *testing.T) {
	logger := NewProductionLogger(LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, DevelopmentConfig{}, "svc")
	tagged := logger.(ComponentAwareLogger).WithComponent("framework/resilience")
	require.NotNil(t, tagged)

	pl, ok := tagged.(*ProductionLogger)
	require.True(t, ok)
	assert.Equal(t, "framework/resilience", pl.component)
	assert.Equal(t, "svc", pl.serviceName)
}

func TestProductionLogger_DebugGatedByLevel(t *testing.T) {
	logger := NewProductionLogger(LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, DevelopmentConfig{}, "svc")
	pl := logger.(*ProductionLogger)
	assert.False(t, pl.debug)

	debugLogger := NewProductionLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}, DevelopmentConfig{}, "svc")
	assert.True(t, debugLogger.(*ProductionLogger).debug)
}
