package scheduler

import (
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// PendingTTL is how long a checkout may stay PENDING before it is canceled.
	PendingTTL time.Duration
	LockTTL    time.Duration
	JobTimeout time.Duration
	// MaxBatchesPerRun caps how many full batches one tick drains.
	MaxBatchesPerRun int
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		BatchSize:        100,
		PendingTTL:       30 * time.Minute,
		LockTTL:          2 * time.Minute,
		JobTimeout:       30 * time.Second,
		MaxBatchesPerRun: 10,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		PendingTTL:  cfg.Payment.PendingTTL,
		LockTTL:     cfg.Scheduler.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = defaults.PendingTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	return c
}
