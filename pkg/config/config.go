// Package config holds the runtime configuration: per-component option
// structs with built-in defaults, environment overrides, and validation.
package config

import (
	"fmt"
	"time"
)

// Config is the umbrella configuration object handed to the orchestrator
// wiring at startup.
type Config struct {
	Tasks      *TaskConfig
	Executor   *ExecutorConfig
	Permission *PermissionConfig
	Audit      *AuditConfig
	Health     *HealthConfig
	Routing    *RoutingConfig
	Oracle     *OracleConfig
	HTTP       *HTTPConfig
}

// TaskConfig controls the per-client task manager.
type TaskConfig struct {
	// MaxConcurrentTasksPerClient is the admission limit of non-terminal
	// tasks a single client may own.
	MaxConcurrentTasksPerClient int

	// CompletedRetention is how long a completed/failed task stays readable
	// in the registry before removal.
	CompletedRetention time.Duration

	// CancelledRetention is how long a cancelled task stays readable.
	CancelledRetention time.Duration
}

// ExecutorConfig controls the DAG scheduler.
type ExecutorConfig struct {
	// MaxRetries is the per-step retry budget for retriable failures.
	MaxRetries int

	// StepTimeout is the hard per-step deadline.
	StepTimeout time.Duration

	// BackoffBase scales the exponential retry backoff: the Nth retry waits
	// 2^N × BackoffBase, so with the 1s default the waits run 2s, 4s, 8s.
	BackoffBase time.Duration
}

// PermissionConfig controls the approval broker.
type PermissionConfig struct {
	// Timeout is how long a waiter blocks before the request is denied
	// with reason "timeout".
	Timeout time.Duration
}

// AuditConfig controls the durable audit log.
type AuditConfig struct {
	// RetentionDays is the sweep horizon; entries older than this are deleted.
	RetentionDays int

	// CleanupInterval is the cadence of the retention sweeper.
	CleanupInterval time.Duration
}

// HealthConfig controls the recovery manager and health monitor.
type HealthConfig struct {
	// CheckInterval is the health monitor cadence.
	CheckInterval time.Duration

	// FailureThreshold is the consecutive-failure count that triggers a
	// recovery strategy.
	FailureThreshold int
}

// RoutingConfig controls the fast-path classifier.
type RoutingConfig struct {
	// CacheTTL is the lifetime of a routing cache entry.
	CacheTTL time.Duration

	// SweepInterval is the cadence of the cache TTL sweep.
	SweepInterval time.Duration

	// ConfidenceThreshold gates direct routing: decisions at or above it
	// bypass planning.
	ConfidenceThreshold float64
}

// OracleConfig configures the language oracle provider.
type OracleConfig struct {
	// BaseURL is the OpenAI-compatible endpoint. Empty means the provider
	// default.
	BaseURL string

	// APIKey authenticates against the provider.
	APIKey string

	// Model is the model identifier used for all oracle operations.
	Model string
}

// HTTPConfig configures the operational API server.
type HTTPConfig struct {
	Port string

	// WSWriteTimeout bounds a single websocket send.
	WSWriteTimeout time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tasks: &TaskConfig{
			MaxConcurrentTasksPerClient: 5,
			CompletedRetention:          60 * time.Second,
			CancelledRetention:          5 * time.Second,
		},
		Executor: &ExecutorConfig{
			MaxRetries:  2,
			StepTimeout: 30 * time.Second,
			BackoffBase: time.Second,
		},
		Permission: &PermissionConfig{
			Timeout: 5 * time.Minute,
		},
		Audit: &AuditConfig{
			RetentionDays:   30,
			CleanupInterval: 24 * time.Hour,
		},
		Health: &HealthConfig{
			CheckInterval:    60 * time.Second,
			FailureThreshold: 3,
		},
		Routing: &RoutingConfig{
			CacheTTL:            5 * time.Minute,
			SweepInterval:       time.Minute,
			ConfidenceThreshold: 0.7,
		},
		Oracle: &OracleConfig{
			Model: "gpt-4o-mini",
		},
		HTTP: &HTTPConfig{
			Port:           "8080",
			WSWriteTimeout: 10 * time.Second,
		},
	}
}

// Validate checks cross-field invariants and rejects values that would make
// a component misbehave silently.
func (c *Config) Validate() error {
	if c.Tasks.MaxConcurrentTasksPerClient < 1 {
		return fmt.Errorf("max_concurrent_tasks_per_client must be >= 1, got %d", c.Tasks.MaxConcurrentTasksPerClient)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.Executor.MaxRetries)
	}
	if c.Executor.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive, got %v", c.Executor.StepTimeout)
	}
	if c.Permission.Timeout <= 0 {
		return fmt.Errorf("permission_timeout must be positive, got %v", c.Permission.Timeout)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit_retention_days must be >= 1, got %d", c.Audit.RetentionDays)
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.Health.FailureThreshold)
	}
	if c.Routing.ConfidenceThreshold < 0 || c.Routing.ConfidenceThreshold > 1 {
		return fmt.Errorf("routing_confidence_threshold must be in [0,1], got %v", c.Routing.ConfidenceThreshold)
	}
	return nil
}
