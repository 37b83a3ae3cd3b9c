package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Load returns the default configuration with environment overrides applied,
// then validates it. Call godotenv.Load before this if a .env file should
// participate.
func Load() (*Config, error) {
	cfg := Default()

	var err error
	set := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	set(envInt("MAX_CONCURRENT_TASKS_PER_CLIENT", &cfg.Tasks.MaxConcurrentTasksPerClient))
	set(envInt("MAX_RETRIES", &cfg.Executor.MaxRetries))
	set(envDurationMS("STEP_TIMEOUT_MS", &cfg.Executor.StepTimeout))
	set(envDurationMS("PERMISSION_TIMEOUT_MS", &cfg.Permission.Timeout))
	set(envInt("AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays))
	set(envDurationMS("HEALTH_CHECK_INTERVAL_MS", &cfg.Health.CheckInterval))
	set(envInt("FAILURE_THRESHOLD", &cfg.Health.FailureThreshold))
	set(envDurationMS("ROUTING_CACHE_TTL_MS", &cfg.Routing.CacheTTL))
	set(envFloat("ROUTING_CONFIDENCE_THRESHOLD", &cfg.Routing.ConfidenceThreshold))
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.HTTP.Port = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envInt(key string, dst *int) func() error {
	return func() error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
}

func envFloat(key string, dst *float64) func() error {
	return func() error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
		return nil
	}
}

func envDurationMS(key string, dst *time.Duration) func() error {
	return func() error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if ms < 0 {
			return fmt.Errorf("%s: must be non-negative, got %d", key, ms)
		}
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
}
