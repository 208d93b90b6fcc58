// Package cron carries the scheduled-job retry configuration surfaced
// through the config file (config.CronConfig.ToRetryConfig). Task-level
// retry semantics live in internal/retry and internal/scheduler.
package cron

import "time"

// RetryConfig configures retry/backoff for a legacy cron job runner.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the defaults: 3 retries, 2s base, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}
