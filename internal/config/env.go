package config

import (
	"os"
	"strconv"
	"strings"
)

// loadFromEnv applies OHLCV_* environment overrides. Malformed numeric
// values are ignored and logged so that validation reports the effective
// configuration.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) {
	setString := func(key string, dst *string) {
		if val, ok := os.LookupEnv(EnvPrefix + key); ok && val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		val, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			cm.logger.Warn("ignoring malformed integer env var", "key", EnvPrefix+key, "value", val)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		val, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || val == "" {
			return
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			cm.logger.Warn("ignoring malformed boolean env var", "key", EnvPrefix+key, "value", val)
			return
		}
		*dst = b
	}

	setString("APP_NAME", &config.AppName)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DatabaseURL)
	setInt("MAX_CONNS", &config.Storage.MaxConns)

	if val := os.Getenv(EnvPrefix + "PROVIDERS"); val != "" {
		enabled := make(map[string]bool)
		for _, name := range splitList(val) {
			enabled[name] = true
		}
		for i := range config.Providers {
			config.Providers[i].Enabled = enabled[config.Providers[i].Name]
		}
	}
	for i := range config.Providers {
		p := &config.Providers[i]
		prefix := strings.ToUpper(p.Name) + "_"
		setString(prefix+"API_KEY", &p.APIKey)
		setString(prefix+"API_SECRET", &p.APISecret)
		setString(prefix+"BASE_URL", &p.BaseURL)
		setInt(prefix+"REQUESTS_PER_MINUTE", &p.RequestsPerMinute)
	}

	setInt("MAX_RETRIES", &config.Retry.MaxRetries)
	setString("RETRY_BASE_DELAY", &config.Retry.BaseDelay)
	setString("RETRY_MAX_DELAY", &config.Retry.MaxDelay)
	setString("RETRY_STRATEGY", &config.Retry.Strategy)
	setBool("RETRY_JITTER", &config.Retry.Jitter)
	setString("RETRY_MAX_TOTAL_DURATION", &config.Retry.MaxTotalDuration)

	setInt("BREAKER_FAILURE_THRESHOLD", &config.CircuitBreaker.FailureThreshold)
	setString("BREAKER_TIMEOUT", &config.CircuitBreaker.Timeout)
	setString("BREAKER_FAILURE_WINDOW", &config.CircuitBreaker.FailureWindow)

	setInt("GAP_DAYS_BACK", &config.Gaps.DaysBack)
	setInt("GAP_TOLERANCE_MINUTES", &config.Gaps.ToleranceMinutes)

	setInt("BACKFILL_MAX_CONCURRENT", &config.Backfill.MaxConcurrent)
	setInt("BACKFILL_CHUNK_SIZE_HOURS", &config.Backfill.ChunkSizeHours)
	setString("BACKFILL_RATE_LIMIT_DELAY", &config.Backfill.RateLimitDelay)
	setInt("BACKFILL_MAX_AGE_DAYS", &config.Backfill.MaxBackfillAgeDays)
	setInt("BACKFILL_MAX_GAPS_PER_RUN", &config.Backfill.MaxGapsPerRun)
	setInt("BACKFILL_MAX_RECOVERY_ATTEMPTS", &config.Backfill.MaxRecoveryAttempts)
	setString("BACKFILL_STRATEGY", &config.Backfill.DefaultStrategy)

	setInt("PROCESSOR_MAX_WORKERS", &config.Processor.MaxWorkers)
	setInt("PROCESSOR_MAX_QUEUE_SIZE", &config.Processor.MaxQueueSize)

	setString("LIVE_INTERVAL", &config.Live.Interval)
	if val := os.Getenv(EnvPrefix + "SYMBOLS"); val != "" {
		config.Live.Symbols = splitList(val)
	}

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setInt("METRICS_PORT", &config.Metrics.Port)

	cm.logger.Debug("loaded configuration from environment variables")
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
