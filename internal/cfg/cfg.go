package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string

	// Scheduler tunables
	MaxConcurrent        int
	MaxPerTenant         int
	TickMS               int
	MaxAttempts          int
	AvgProcessingSeconds int

	// Threat-intel cache tunables
	CacheCapacity   int
	CacheTTLSeconds int
	WarmBatchSize   int
	WarmBatchMS     int

	// Deadline tunables
	TimeoutSeconds int
	WarnPercent    int

	// Health check loop
	HealthIntervalSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")

	fs.IntVar(&c.MaxConcurrent, "max-concurrent", 10, "maximum investigations processing at once (1..1000)")
	fs.IntVar(&c.MaxPerTenant, "max-per-tenant", 5, "maximum queued+processing investigations per tenant (1..max-concurrent*10)")
	fs.IntVar(&c.TickMS, "tick-ms", 1000, "scheduler promotion tick interval in milliseconds (10..60000)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 3, "attempts before an investigation is terminally failed (1..10)")
	fs.IntVar(&c.AvgProcessingSeconds, "avg-processing-seconds", 300, "seed for the processing-time moving average in seconds (1..86400)")

	fs.IntVar(&c.CacheCapacity, "cache-capacity", 10000, "maximum threat-intel entries held in memory (1..1000000)")
	fs.IntVar(&c.CacheTTLSeconds, "cache-ttl-seconds", 3600, "default threat-intel TTL in seconds (1..604800)")
	fs.IntVar(&c.WarmBatchSize, "warm-batch-size", 10, "keys fetched per cache warm-up batch (1..1000)")
	fs.IntVar(&c.WarmBatchMS, "warm-batch-ms", 100, "pause between cache warm-up batches in milliseconds (0..60000)")

	fs.IntVar(&c.TimeoutSeconds, "timeout-seconds", 1800, "default investigation timeout in seconds (1..86400)")
	fs.IntVar(&c.WarnPercent, "warn-percent", 80, "percentage of the timeout at which the warning fires (1..99)")

	fs.IntVar(&c.HealthIntervalSeconds, "health-interval-seconds", 60, "seconds between periodic health checks (1..3600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Scheduler
	if c.MaxConcurrent <= 0 || c.MaxConcurrent > 1000 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT %d (must be 1..1000)", c.MaxConcurrent))
	}
	if c.MaxPerTenant <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_PER_TENANT %d (must be >= 1)", c.MaxPerTenant))
	}
	if c.TickMS < 10 || c.TickMS > 60000 {
		errs = append(errs, fmt.Errorf("invalid TICK_MS %d (must be 10..60000)", c.TickMS))
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..10)", c.MaxAttempts))
	}
	if c.AvgProcessingSeconds <= 0 || c.AvgProcessingSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid AVG_PROCESSING_SECONDS %d (must be 1..86400)", c.AvgProcessingSeconds))
	}

	// Cache
	if c.CacheCapacity <= 0 || c.CacheCapacity > 1000000 {
		errs = append(errs, fmt.Errorf("invalid CACHE_CAPACITY %d (must be 1..1000000)", c.CacheCapacity))
	}
	if c.CacheTTLSeconds <= 0 || c.CacheTTLSeconds > 604800 {
		errs = append(errs, fmt.Errorf("invalid CACHE_TTL_SECONDS %d (must be 1..604800)", c.CacheTTLSeconds))
	}
	if c.WarmBatchSize <= 0 || c.WarmBatchSize > 1000 {
		errs = append(errs, fmt.Errorf("invalid WARM_BATCH_SIZE %d (must be 1..1000)", c.WarmBatchSize))
	}
	if c.WarmBatchMS < 0 || c.WarmBatchMS > 60000 {
		errs = append(errs, fmt.Errorf("invalid WARM_BATCH_MS %d (must be 0..60000)", c.WarmBatchMS))
	}

	// Deadlines
	if c.TimeoutSeconds <= 0 || c.TimeoutSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid TIMEOUT_SECONDS %d (must be 1..86400)", c.TimeoutSeconds))
	}
	if c.WarnPercent <= 0 || c.WarnPercent >= 100 {
		errs = append(errs, fmt.Errorf("invalid WARN_PERCENT %d (must be 1..99)", c.WarnPercent))
	}

	// Health loop
	if c.HealthIntervalSeconds <= 0 || c.HealthIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid HEALTH_INTERVAL_SECONDS %d (must be 1..3600)", c.HealthIntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
