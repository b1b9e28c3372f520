package dispatcher

import (
	"oprlmbatch/internal/config"
	"time"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize      int           // pending events per dispatcher (default: 1000)
	Workers         int           // concurrent delivery goroutines (default: 2)
	Timeout         time.Duration // per-delivery timeout (default: 10s)
	BreakerCooldown time.Duration // open-circuit cooldown and requeue delay (default: 30s)
}

// ConfigFromEvents maps the environment-backed events settings.
func ConfigFromEvents(cfg config.EventsConfig) MemoryConfig {
	return MemoryConfig{
		BufferSize: cfg.BufferSize,
		Workers:    cfg.Workers,
		Timeout:    cfg.Timeout,
	}.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	return c
}
