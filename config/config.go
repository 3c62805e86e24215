package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Duration wraps time.Duration so JSON config files can use either
// human-readable strings ("250ms", "2h") or raw nanosecond numbers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON emits the human-readable string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a nanosecond number.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
	return nil
}

// Config represents the complete application configuration.
type Config struct {
	Version    string           `json:"version"` // Semantic version for change tracking
	App        AppConfig        `json:"app"`
	Bus        BusConfig        `json:"bus"`
	Retry      RetryConfig      `json:"retry"`
	Breaker    BreakerConfig    `json:"breaker"`
	DeadLetter DeadLetterConfig `json:"dead_letter"`
	ErrorLog   ErrorLogConfig   `json:"error_log"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Resource   ResourceConfig   `json:"resource"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Startup    StartupConfig    `json:"startup"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// AppConfig defines application identity and data placement.
type AppConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
	DataDir     string `json:"data_dir,omitempty"`
}

// BusConfig defines message bus sizing and delivery behavior.
type BusConfig struct {
	QueueCapacity   int      `json:"queue_capacity"`
	DeliveryTimeout Duration `json:"delivery_timeout"`
	MaxRetries      int      `json:"max_retries"`
}

// RetryConfig defines backoff behavior for the retry executor.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"`
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
	Multiplier   float64  `json:"multiplier"`
	JitterFactor float64  `json:"jitter_factor,omitempty"`
	TotalTimeout Duration `json:"total_timeout,omitempty"`
}

// BreakerConfig defines default circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold"`
	OpenTimeout      Duration `json:"open_timeout"`
	HalfOpenProbes   int      `json:"half_open_probes"`
}

// DeadLetterConfig defines dead letter queue retention and persistence.
type DeadLetterConfig struct {
	MaxAge          Duration `json:"max_age"`
	CleanupInterval Duration `json:"cleanup_interval"`
	Path            string   `json:"path,omitempty"`
	InMemory        bool     `json:"in_memory,omitempty"`
	SyncWrites      bool     `json:"sync_writes,omitempty"`
}

// ErrorLogConfig defines the correlation-tracked error logger.
type ErrorLogConfig struct {
	MinSeverity      string `json:"min_severity"`       // debug, info, warning, error, critical, fatal
	Format           string `json:"format"`             // structured, human, keyvalue
	MaxMessageLength int    `json:"max_message_length"`
	TopMessages      int    `json:"top_messages"`
}

// RecoveryConfig defines the bus recovery system.
type RecoveryConfig struct {
	MaxConcurrentActions int      `json:"max_concurrent_actions"`
	DefaultCooldown      Duration `json:"default_cooldown"`
	ErrorRateWindow      Duration `json:"error_rate_window"`
}

// ResourceLimits defines a per-module resource budget.
type ResourceLimits struct {
	MaxCPUPercent  float64 `json:"max_cpu_percent"`
	MaxMemoryBytes int64   `json:"max_memory_bytes"`
	MaxThreads     int     `json:"max_threads,omitempty"`
	MaxFileHandles int     `json:"max_file_handles,omitempty"`
	Priority       string  `json:"priority,omitempty"` // low, normal, high, critical
}

// ResourceConfig defines resource monitoring.
type ResourceConfig struct {
	SampleInterval Duration                  `json:"sample_interval"`
	Limits         map[string]ResourceLimits `json:"limits,omitempty"`
}

// TelemetryConfig defines performance telemetry collection.
type TelemetryConfig struct {
	SampleInterval    Duration `json:"sample_interval"`
	HistorySize       int      `json:"history_size"`
	RegressionPercent float64  `json:"regression_percent"`
	BaselineWarmup    int      `json:"baseline_warmup"`
}

// StartupConfig defines the startup sequencer policy.
type StartupConfig struct {
	PhaseTimeout  Duration `json:"phase_timeout"`
	ModuleTimeout Duration `json:"module_timeout"`
	MaxParallel   int      `json:"max_parallel"`
	ForceStart    bool     `json:"force_start,omitempty"`
}

// MetricsConfig defines the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	// Validate before updating
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// Use JSON marshaling/unmarshaling for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		// Fallback to shallow copy if marshaling fails
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name is required")
	}

	if c.Bus.QueueCapacity < 4 {
		return fmt.Errorf("bus.queue_capacity must be at least 4, got %d", c.Bus.QueueCapacity)
	}
	if c.Bus.DeliveryTimeout <= 0 {
		return errors.New("bus.delivery_timeout must be positive")
	}
	if c.Bus.MaxRetries < 0 {
		return errors.New("bus.max_retries cannot be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1.0 {
		return errors.New("retry.multiplier must be at least 1.0")
	}

	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return errors.New("breaker.success_threshold must be at least 1")
	}
	if c.Breaker.HalfOpenProbes < c.Breaker.SuccessThreshold {
		return errors.New("breaker.half_open_probes must be at least breaker.success_threshold")
	}

	switch c.ErrorLog.MinSeverity {
	case "debug", "info", "warning", "error", "critical", "fatal":
	default:
		return fmt.Errorf("error_log.min_severity %q is not valid", c.ErrorLog.MinSeverity)
	}
	switch c.ErrorLog.Format {
	case "structured", "human", "keyvalue":
	default:
		return fmt.Errorf("error_log.format %q is not valid", c.ErrorLog.Format)
	}

	if c.Recovery.MaxConcurrentActions < 1 {
		return errors.New("recovery.max_concurrent_actions must be at least 1")
	}

	if c.Startup.MaxParallel < 1 {
		return errors.New("startup.max_parallel must be at least 1")
	}

	for name, limits := range c.Resource.Limits {
		if name == "" {
			return errors.New("resource limit module name cannot be empty")
		}
		if limits.MaxCPUPercent < 0 || limits.MaxCPUPercent > 100 {
			return fmt.Errorf("resource.limits.%s.max_cpu_percent out of range", name)
		}
		if limits.MaxMemoryBytes < 0 {
			return fmt.Errorf("resource.limits.%s.max_memory_bytes cannot be negative", name)
		}
	}

	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "SKELLY",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := Defaults()

	// Load each layer and merge using map-based approach
	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	// Apply environment overrides
	l.applyEnvOverrides(cfg)

	// Validate if enabled
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the default configuration. Every section gets a
// value that passes validation so a missing config file still boots.
func Defaults() *Config {
	return &Config{
		Version: "1.0.0",
		App: AppConfig{
			Name:        "skelly-jelly",
			Environment: "dev",
			DataDir:     "./data",
		},
		Bus: BusConfig{
			QueueCapacity:   1024,
			DeliveryTimeout: Duration(5 * time.Second),
			MaxRetries:      3,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(100 * time.Millisecond),
			MaxDelay:     Duration(10 * time.Second),
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      Duration(30 * time.Second),
			HalfOpenProbes:   3,
		},
		DeadLetter: DeadLetterConfig{
			MaxAge:          Duration(24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
			InMemory:        true,
		},
		ErrorLog: ErrorLogConfig{
			MinSeverity:      "info",
			Format:           "structured",
			MaxMessageLength: 1024,
			TopMessages:      10,
		},
		Recovery: RecoveryConfig{
			MaxConcurrentActions: 2,
			DefaultCooldown:      Duration(time.Minute),
			ErrorRateWindow:      Duration(time.Minute),
		},
		Resource: ResourceConfig{
			SampleInterval: Duration(10 * time.Second),
		},
		Telemetry: TelemetryConfig{
			SampleInterval:    Duration(5 * time.Second),
			HistorySize:       720,
			RegressionPercent: 20.0,
			BaselineWarmup:    12,
		},
		Startup: StartupConfig{
			PhaseTimeout:  Duration(60 * time.Second),
			ModuleTimeout: Duration(30 * time.Second),
			MaxParallel:   4,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	// Validate JSON depth to prevent unbounded recursion on merge
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	// Marshal the base config to JSON then to map
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	// Deep merge the maps
	mergedMap := deepMergeMaps(baseMap, override)

	// Convert back to Config
	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		// If both base and override have maps at this key, merge them
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_ENVIRONMENT"); val != "" {
		cfg.App.Environment = val
	}
	if val := os.Getenv(l.envPrefix + "_DATA_DIR"); val != "" {
		cfg.App.DataDir = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_SEVERITY"); val != "" {
		cfg.ErrorLog.MinSeverity = strings.ToLower(val)
	}
	if val := os.Getenv(l.envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.ErrorLog.Format = strings.ToLower(val)
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := os.Getenv(l.envPrefix + "_DEAD_LETTER_PATH"); val != "" {
		cfg.DeadLetter.Path = val
		cfg.DeadLetter.InMemory = false
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
