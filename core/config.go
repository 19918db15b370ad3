package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the ambient configuration for every component in the
// substrate. It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. A loaded YAML file (medium priority)
//  3. Functional options (highest priority)
//
// There is no HTTP, CORS, service-discovery, or Kubernetes surface here:
// the substrate is embedded in a host process and exposes only the in-process
// ports described by the core and orchestration packages.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("garden-planner"),
//	    WithMemoryThresholds(512, 0.75, 0.9),
//	    WithCircuitBreaker(5, 30*time.Second),
//	)
type Config struct {
	Name string `json:"name"`
	ID   string `json:"id"`

	Memory      MemoryConfig      `json:"memory"`
	Cache       CacheConfig       `json:"cache"`
	AgentContext ContextConfig    `json:"agent_context"`
	Resilience  ResilienceConfig  `json:"resilience"`
	Logging     LoggingConfig     `json:"logging"`
	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// MemoryConfig contains MemoryTracker (C6) defaults.
type MemoryConfig struct {
	PerResourceMaxMB float64 `json:"per_resource_max_mb" yaml:"per_resource_max_mb" default:"512"`
	WarningPercent   float64 `json:"warning_percent" yaml:"warning_percent" default:"0.75"`
	CriticalPercent  float64 `json:"critical_percent" yaml:"critical_percent" default:"0.9"`
}

// CacheConfig contains CacheStore (C4) defaults, including the resolution
// of Open Question 2 (the strict/lax max_allowed_mb switch).
type CacheConfig struct {
	MaxAllowedMB           float64 `json:"max_allowed_mb" yaml:"max_allowed_mb" default:"100"`
	AllowOversizeDegraded  bool    `json:"allow_oversize_degraded" yaml:"allow_oversize_degraded" default:"false"`
	RetryMaxAttempts       int     `json:"retry_max_attempts" yaml:"retry_max_attempts" default:"3"`
}

// ContextConfig contains ContextStore (C5) defaults.
type ContextConfig struct {
	EphemeralTTL time.Duration `json:"ephemeral_ttl" yaml:"ephemeral_ttl" default:"1h"`
}

// ResilienceConfig contains CircuitBreakerRegistry (C7) and retry defaults.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        TimeoutConfig        `json:"timeout"`
}

// CircuitBreakerConfig defines default circuit breaker thresholds used by
// get_or_create_circuit_breaker when a caller does not supply its own.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" default:"5"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout" default:"30s"`
	FailureWindow    time.Duration `json:"failure_window" yaml:"failure_window" default:"60s"`
	HalfOpenMaxTries int           `json:"half_open_max_tries" yaml:"half_open_max_tries" default:"3"`
}

// RetryConfig defines the exponential backoff used for TransientFailure
// retries across the substrate (§7: "100ms x 2^n, up to 3 times").
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts" default:"3"`
	BaseInterval time.Duration `json:"base_interval" yaml:"base_interval" default:"100ms"`
	MaxInterval  time.Duration `json:"max_interval" yaml:"max_interval" default:"30s"`
}

// TimeoutConfig defines the timeout and cancellation-grace constants
// recovered from original_source/interfaces/agent/interface.py (§12.1).
type TimeoutConfig struct {
	DefaultProcessTimeout time.Duration `json:"default_process_timeout" yaml:"default_process_timeout" default:"30s"`
	StateLockTimeout      time.Duration `json:"state_lock_timeout" yaml:"state_lock_timeout" default:"5s"`
	SetStateOverallBudget time.Duration `json:"set_state_overall_budget" yaml:"set_state_overall_budget" default:"10s"`
	CancellationGrace     time.Duration `json:"cancellation_grace" yaml:"cancellation_grace" default:"1s"`
	StageTimeout          time.Duration `json:"stage_timeout" yaml:"stage_timeout" default:"30s"`
	MaxBackoff            time.Duration `json:"max_backoff" yaml:"max_backoff" default:"10s"`
}

// LoggingConfig contains logging configuration. Supports structured (JSON)
// and human-readable (text) formats.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" default:"info"`
	Format string `json:"format" yaml:"format" default:"json"`
	Output string `json:"output" yaml:"output" default:"stdout"`
}

// DevelopmentConfig contains settings for local development and testing.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs" default:"false"`
}

// Option is a functional option for configuring the substrate.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults, matching
// the constants recovered from original_source/ in SPEC_FULL.md §12.1.
func DefaultConfig() *Config {
	return &Config{
		Name: "agentsubstrate",
		Memory: MemoryConfig{
			PerResourceMaxMB: 512,
			WarningPercent:   0.75,
			CriticalPercent:  0.9,
		},
		Cache: CacheConfig{
			MaxAllowedMB:          100,
			AllowOversizeDegraded: false,
			RetryMaxAttempts:      3,
		},
		AgentContext: ContextConfig{
			EphemeralTTL: time.Hour,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				FailureWindow:    60 * time.Second,
				HalfOpenMaxTries: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				BaseInterval: 100 * time.Millisecond,
				MaxInterval:  30 * time.Second,
			},
			Timeout: TimeoutConfig{
				DefaultProcessTimeout: 30 * time.Second,
				StateLockTimeout:      5 * time.Second,
				SetStateOverallBudget: 10 * time.Second,
				CancellationGrace:     time.Second,
				StageTimeout:          30 * time.Second,
				MaxBackoff:            10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfigFile merges a YAML file's contents into the config. Unknown
// keys are ignored; only fields present in the file are overridden.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &FrameworkError{Op: "Config.LoadConfigFile", Kind: string(KindConfigurationError), Err: err}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &FrameworkError{Op: "Config.LoadConfigFile", Kind: string(KindConfigurationError), Err: err}
	}
	return nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Memory.WarningPercent <= 0 || c.Memory.WarningPercent >= 1 {
		return &FrameworkError{Op: "Config.Validate", Kind: string(KindConfigurationError), Message: "memory.warning_percent must be in (0,1)"}
	}
	if c.Memory.CriticalPercent <= c.Memory.WarningPercent || c.Memory.CriticalPercent >= 1 {
		return &FrameworkError{Op: "Config.Validate", Kind: string(KindConfigurationError), Message: "memory.critical_percent must exceed warning_percent and be < 1"}
	}
	if c.Cache.MaxAllowedMB <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: string(KindConfigurationError), Message: "cache.max_allowed_mb must be positive"}
	}
	if c.Resilience.CircuitBreaker.FailureThreshold <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: string(KindConfigurationError), Message: "circuit_breaker.failure_threshold must be positive"}
	}
	return nil
}

// WithName sets the substrate instance name (used in log component tags).
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name must not be empty")
		}
		c.Name = name
		return nil
	}
}

// WithMemoryThresholds configures MemoryTracker defaults.
func WithMemoryThresholds(perResourceMaxMB, warningPercent, criticalPercent float64) Option {
	return func(c *Config) error {
		c.Memory.PerResourceMaxMB = perResourceMaxMB
		c.Memory.WarningPercent = warningPercent
		c.Memory.CriticalPercent = criticalPercent
		return nil
	}
}

// WithCacheLimits configures CacheStore's size enforcement (§9.2).
func WithCacheLimits(maxAllowedMB float64, allowOversizeDegraded bool) Option {
	return func(c *Config) error {
		c.Cache.MaxAllowedMB = maxAllowedMB
		c.Cache.AllowOversizeDegraded = allowOversizeDegraded
		return nil
	}
}

// WithEphemeralTTL configures ContextStore's EPHEMERAL reaping interval (§9.3).
func WithEphemeralTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.AgentContext.EphemeralTTL = ttl
		return nil
	}
}

// WithCircuitBreaker configures default circuit breaker thresholds.
func WithCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.FailureThreshold = failureThreshold
		c.Resilience.CircuitBreaker.RecoveryTimeout = recoveryTimeout
		return nil
	}
}

// WithRetry configures the default TransientFailure retry policy.
func WithRetry(maxAttempts int, baseInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.BaseInterval = baseInterval
		return nil
	}
}

// WithLogLevel configures the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat configures the logging format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithDevelopmentMode enables development-friendly defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.DebugLogging = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
		return nil
	}
}

// WithConfigFile loads a YAML file before applying subsequent options.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadConfigFile(path)
	}
}

// WithLogger installs a custom logger instead of ProductionLogger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config from defaults, applies options in order, and
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, &FrameworkError{Op: "NewConfig", Kind: string(KindConfigurationError), Err: err}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	}
	return cfg, nil
}

// Logger returns the configured logger, constructing a ProductionLogger
// from the Logging/Development sections if none was installed.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.Name)
	}
	return c.logger
}

// ============================================================================
// ProductionLogger Implementation - Layered Observability Architecture
// ============================================================================

// ProductionLogger provides layered observability for substrate operations:
// structured logs, optional metrics emission via the global MetricsRegistry,
// and trace-baggage enrichment when a context carrying baggage is supplied.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	component   string

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig and DevelopmentConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	logger := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
		component:   "framework",
	}
	trackLogger(logger)
	return logger
}

// WithComponent returns a logger tagged with the given component identifier,
// sharing the parent's output/format/level configuration. Implements
// ComponentAwareLogger per the naming convention in SPEC_FULL.md §10.1.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// EnableMetrics is called by SetMetricsRegistry to enable the metrics layer
// once a telemetry backend has registered itself.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
			timestamp, level, p.serviceName, p.component, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "resource_type", "phase_type":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "agentsubstrate.operations", 1.0, labels...)
	} else {
		emitMetric("agentsubstrate.operations", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
