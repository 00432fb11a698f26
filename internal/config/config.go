// Package config provides centralized configuration management for the ingestion core.
// Configuration is layered: built-in defaults, then a JSON or YAML file, then a
// .env file, then process environment variables.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "OHLCV_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Providers      []ProviderConfig     `json:"providers" yaml:"providers"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	APIManager     APIManagerConfig     `json:"api_manager" yaml:"api_manager"`
	Gaps           GapConfig            `json:"gaps" yaml:"gaps"`
	Backfill       BackfillConfig       `json:"backfill" yaml:"backfill"`
	Processor      ProcessorConfig      `json:"processor" yaml:"processor"`
	Live           LiveConfig           `json:"live" yaml:"live"`
	Validator      ValidatorConfig      `json:"validator" yaml:"validator"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type         string `json:"type" yaml:"type"`                   // "duckdb", "postgres", "memory"
	DatabaseURL  string `json:"database_url" yaml:"database_url"`   // file path for duckdb, DSN for postgres
	MaxConns     int    `json:"max_conns" yaml:"max_conns"`         // pool size (postgres)
	QueryTimeout string `json:"query_timeout" yaml:"query_timeout"` // per statement timeout
}

// ProviderConfig configures one upstream data provider
type ProviderConfig struct {
	Name              string `json:"name" yaml:"name"` // "binance", "coinbase", "polygon"
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	APIKey            string `json:"api_key" yaml:"api_key"`
	APISecret         string `json:"api_secret" yaml:"api_secret"`
	BaseURL           string `json:"base_url" yaml:"base_url"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	Timeout           string `json:"timeout" yaml:"timeout"`
}

// RetryConfig configures the retry engine
type RetryConfig struct {
	MaxRetries       int    `json:"max_retries" yaml:"max_retries"`
	BaseDelay        string `json:"base_delay" yaml:"base_delay"`
	MaxDelay         string `json:"max_delay" yaml:"max_delay"`
	Strategy         string `json:"strategy" yaml:"strategy"` // exponential, linear, fixed, immediate
	Jitter           bool   `json:"jitter" yaml:"jitter"`
	MaxTotalDuration string `json:"max_total_duration" yaml:"max_total_duration"` // "0" disables the ceiling

	ComponentPolicies map[string]RetryConfig `json:"component_policies,omitempty" yaml:"component_policies,omitempty"`
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	Timeout          string `json:"timeout" yaml:"timeout"`               // OPEN → HALF_OPEN cooldown
	FailureWindow    string `json:"failure_window" yaml:"failure_window"` // failures older than this are forgotten
}

// APIManagerConfig configures provider scoring and failover
type APIManagerConfig struct {
	MaxProviderAttempts int     `json:"max_provider_attempts" yaml:"max_provider_attempts"`
	MaxAssumedLatency   string  `json:"max_assumed_latency" yaml:"max_assumed_latency"`
	SuccessWeight       float64 `json:"success_weight" yaml:"success_weight"`
	LatencyWeight       float64 `json:"latency_weight" yaml:"latency_weight"`
	EMAAlpha            float64 `json:"ema_alpha" yaml:"ema_alpha"`
}

// GapConfig configures gap detection
type GapConfig struct {
	DaysBack            int    `json:"days_back" yaml:"days_back"`
	ToleranceMinutes    int    `json:"tolerance_minutes" yaml:"tolerance_minutes"`
	HighSeverityAfter   string `json:"high_severity_after" yaml:"high_severity_after"`
	MediumSeverityAfter string `json:"medium_severity_after" yaml:"medium_severity_after"`
	ExpectedStart       string `json:"expected_start" yaml:"expected_start"` // RFC3339 date the series should begin at
	RecentThreshold     string `json:"recent_threshold" yaml:"recent_threshold"`
}

// BackfillConfig configures the backfill manager
type BackfillConfig struct {
	MaxConcurrent       int    `json:"max_concurrent" yaml:"max_concurrent"`
	ChunkSizeHours      int    `json:"chunk_size_hours" yaml:"chunk_size_hours"`
	RateLimitDelay      string `json:"rate_limit_delay" yaml:"rate_limit_delay"`
	MaxBackfillAgeDays  int    `json:"max_backfill_age_days" yaml:"max_backfill_age_days"`
	LookbackDays        int    `json:"lookback_days" yaml:"lookback_days"`
	MaxGapsPerRun       int    `json:"max_gaps_per_run" yaml:"max_gaps_per_run"`
	MaxRecoveryAttempts int    `json:"max_recovery_attempts" yaml:"max_recovery_attempts"` // failed gaps at the limit are left alone
	DefaultStrategy     string `json:"default_strategy" yaml:"default_strategy"`
	Interval            string `json:"interval" yaml:"interval"` // candle interval requested from providers
}

// ProcessorConfig configures the parallel task processor
type ProcessorConfig struct {
	MaxWorkers      int    `json:"max_workers" yaml:"max_workers"`
	MaxQueueSize    int    `json:"max_queue_size" yaml:"max_queue_size"`
	ResultRetention string `json:"result_retention" yaml:"result_retention"`
	StopTimeout     string `json:"stop_timeout" yaml:"stop_timeout"`
}

// LiveConfig configures the continuous fetch loop
type LiveConfig struct {
	Interval         string   `json:"interval" yaml:"interval"`
	BackfillInterval string   `json:"backfill_interval" yaml:"backfill_interval"`
	Symbols          []string `json:"symbols" yaml:"symbols"`
	DataInterval     string   `json:"data_interval" yaml:"data_interval"`
	LookbackHours    int      `json:"lookback_hours" yaml:"lookback_hours"`
}

// ValidatorConfig configures data validation
type ValidatorConfig struct {
	MinPrice         float64 `json:"min_price" yaml:"min_price"`
	MaxPrice         float64 `json:"max_price" yaml:"max_price"`
	ExtremeMoveRatio float64 `json:"extreme_move_ratio" yaml:"extreme_move_ratio"`
	LargeDatasetSize int     `json:"large_dataset_size" yaml:"large_dataset_size"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`   // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"` // json, text
	Output        string            `json:"output" yaml:"output"` // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`
	MaxSize       int               `json:"max_size" yaml:"max_size"` // MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"`
	MaxAge        int               `json:"max_age" yaml:"max_age"` // days
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the status endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFiles   []string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. Optional env files are
// loaded with godotenv before environment overrides are applied; variables
// already present in the process environment win.
func NewConfigManager(configPath string, logger *slog.Logger, envFiles ...string) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFiles:   envFiles,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. .env files
// 3. Configuration file
// 4. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		config.ConfigPath = cm.configPath
	}

	cm.loadDotenv()
	cm.loadFromEnv(config)

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"providers", strings.Join(config.EnabledProviderNames(), ","),
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotenv loads .env files without overriding existing variables. A
// missing file is not an error.
func (cm *ConfigManager) loadDotenv() {
	files := cm.envFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			cm.logger.Warn("failed to load env file", "path", f, "error", err)
			continue
		}
		cm.logger.Debug("loaded env file", "path", f)
	}
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	switch config.Storage.Type {
	case "memory":
	case "duckdb", "postgres":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, fmt.Sprintf("storage.database_url is required for %s storage", config.Storage.Type))
		}
	case "":
		errors = append(errors, "storage.type is required")
	default:
		errors = append(errors, "storage.type must be one of: duckdb, postgres, memory")
	}

	if len(config.EnabledProviderNames()) == 0 {
		errors = append(errors, "at least one provider must be enabled")
	}
	for _, p := range config.Providers {
		switch p.Name {
		case "binance", "coinbase":
		case "polygon":
			if p.Enabled && p.APIKey == "" {
				errors = append(errors, "providers.polygon.api_key is required when polygon is enabled")
			}
		default:
			errors = append(errors, fmt.Sprintf("unknown provider %q", p.Name))
		}
		if p.Enabled && p.RequestsPerMinute <= 0 {
			errors = append(errors, fmt.Sprintf("providers.%s.requests_per_minute must be greater than 0", p.Name))
		}
		errors = appendDurationError(errors, "providers."+p.Name+".timeout", p.Timeout)
	}

	errors = append(errors, validateRetry("retry", config.Retry)...)
	for name, policy := range config.Retry.ComponentPolicies {
		errors = append(errors, validateRetry("retry.component_policies."+name, policy)...)
	}

	if config.CircuitBreaker.FailureThreshold <= 0 {
		errors = append(errors, "circuit_breaker.failure_threshold must be greater than 0")
	}
	errors = appendDurationError(errors, "circuit_breaker.timeout", config.CircuitBreaker.Timeout)
	errors = appendDurationError(errors, "circuit_breaker.failure_window", config.CircuitBreaker.FailureWindow)

	if config.APIManager.MaxProviderAttempts <= 0 {
		errors = append(errors, "api_manager.max_provider_attempts must be greater than 0")
	}
	if config.APIManager.EMAAlpha <= 0 || config.APIManager.EMAAlpha > 1 {
		errors = append(errors, "api_manager.ema_alpha must be in (0, 1]")
	}
	errors = appendDurationError(errors, "api_manager.max_assumed_latency", config.APIManager.MaxAssumedLatency)

	if config.Gaps.DaysBack <= 0 {
		errors = append(errors, "gaps.days_back must be greater than 0")
	}
	if config.Gaps.ToleranceMinutes < 0 {
		errors = append(errors, "gaps.tolerance_minutes cannot be negative")
	}
	if config.Gaps.ExpectedStart != "" {
		if _, err := time.Parse(time.RFC3339, config.Gaps.ExpectedStart); err != nil {
			errors = append(errors, fmt.Sprintf("gaps.expected_start is not RFC3339: %v", err))
		}
	}

	if config.Backfill.MaxConcurrent <= 0 {
		errors = append(errors, "backfill.max_concurrent must be greater than 0")
	}
	if config.Backfill.ChunkSizeHours <= 0 {
		errors = append(errors, "backfill.chunk_size_hours must be greater than 0")
	}
	if config.Backfill.MaxBackfillAgeDays <= 0 {
		errors = append(errors, "backfill.max_backfill_age_days must be greater than 0")
	}
	errors = appendDurationError(errors, "backfill.rate_limit_delay", config.Backfill.RateLimitDelay)

	if config.Processor.MaxWorkers <= 0 {
		errors = append(errors, "processor.max_workers must be greater than 0")
	}
	if config.Processor.MaxQueueSize <= 0 {
		errors = append(errors, "processor.max_queue_size must be greater than 0")
	}

	errors = appendDurationError(errors, "live.interval", config.Live.Interval)
	errors = appendDurationError(errors, "live.backfill_interval", config.Live.BackfillInterval)

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if config.Metrics.Enabled && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		errors = append(errors, "metrics.port must be between 1 and 65535")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func validateRetry(prefix string, r RetryConfig) []string {
	var errors []string
	if r.MaxRetries < 0 {
		errors = append(errors, prefix+".max_retries cannot be negative")
	}
	switch r.Strategy {
	case "exponential", "linear", "fixed", "immediate":
	default:
		errors = append(errors, prefix+".strategy must be one of: exponential, linear, fixed, immediate")
	}
	errors = appendDurationError(errors, prefix+".base_delay", r.BaseDelay)
	errors = appendDurationError(errors, prefix+".max_delay", r.MaxDelay)
	errors = appendDurationError(errors, prefix+".max_total_duration", r.MaxTotalDuration)
	return errors
}

func appendDurationError(errors []string, field, value string) []string {
	if value == "" {
		return errors
	}
	if _, err := time.ParseDuration(value); err != nil {
		return append(errors, fmt.Sprintf("%s is not a valid duration: %v", field, err))
	}
	return errors
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration back to the config file,
// using YAML or JSON by extension.
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cm.config)
	default:
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-ingest",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabaseURL:  "./data/ohlcv.db",
			MaxConns:     4,
			QueryTimeout: "30s",
		},
		Providers: []ProviderConfig{
			{Name: "binance", Enabled: true, RequestsPerMinute: 1200, Timeout: "30s"},
			{Name: "coinbase", Enabled: true, RequestsPerMinute: 600, Timeout: "30s"},
			{Name: "polygon", Enabled: false, RequestsPerMinute: 5, Timeout: "30s"},
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			BaseDelay:        "1s",
			MaxDelay:         "60s",
			Strategy:         "exponential",
			Jitter:           true,
			MaxTotalDuration: "5m",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          "60s",
			FailureWindow:    "300s",
		},
		APIManager: APIManagerConfig{
			MaxProviderAttempts: 3,
			MaxAssumedLatency:   "10s",
			SuccessWeight:       0.7,
			LatencyWeight:       0.3,
			EMAAlpha:            0.1,
		},
		Gaps: GapConfig{
			DaysBack:            30,
			ToleranceMinutes:    10,
			HighSeverityAfter:   "1h",
			MediumSeverityAfter: "30m",
			ExpectedStart:       "2024-01-01T00:00:00Z",
			RecentThreshold:     "2h",
		},
		Backfill: BackfillConfig{
			MaxConcurrent:       3,
			ChunkSizeHours:      30 * 24,
			RateLimitDelay:      "1s",
			MaxBackfillAgeDays:  730,
			LookbackDays:        90,
			MaxGapsPerRun:       10,
			MaxRecoveryAttempts: 5,
			DefaultStrategy:     "auto",
			Interval:            "1h",
		},
		Processor: ProcessorConfig{
			MaxWorkers:      5,
			MaxQueueSize:    1000,
			ResultRetention: "24h",
			StopTimeout:     "30s",
		},
		Live: LiveConfig{
			Interval:         "5m",
			BackfillInterval: "1h",
			Symbols:          []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "ADAUSDT"},
			DataInterval:     "1h",
			LookbackHours:    24,
		},
		Validator: ValidatorConfig{
			MinPrice:         0.000001,
			MaxPrice:         10_000_000,
			ExtremeMoveRatio: 1.0,
			LargeDatasetSize: 100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-ingest",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// EnabledProviderNames lists enabled providers in configuration order.
func (c *AppConfig) EnabledProviderNames() []string {
	var names []string
	for _, p := range c.Providers {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return names
}

// Provider returns the configuration of the named provider.
func (c *AppConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// PolicyFor returns the retry policy for a component, falling back to the
// global policy.
func (r RetryConfig) PolicyFor(component string) RetryConfig {
	if p, ok := r.ComponentPolicies[component]; ok {
		return p
	}
	return r
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	sanitized.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "[REDACTED]"
		}
		if p.APISecret != "" {
			p.APISecret = "[REDACTED]"
		}
		sanitized.Providers[i] = p
	}
	sanitized.Storage.DatabaseURL = redactDSN(c.Storage.DatabaseURL)

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}

// Duration parses a duration string, returning def when empty or invalid.
// Values are validated at load time so the fallback only applies to zero
// configs built in code.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
