package scheduler

import (
	"time"

	"github.com/smallbiznis/kpiledger/internal/config"
)

// Config controls the serve-mode ingestion loop.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 24 * time.Hour,
		JobTimeout:  6 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{RunInterval: cfg.Server.ScheduleInterval}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.JobTimeout > c.RunInterval {
		c.JobTimeout = c.RunInterval
	}
	return c
}
