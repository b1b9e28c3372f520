// Package backoff provides capped exponential backoff.
package backoff

import (
	"context"
	"math"
	"time"
)

// Default policy values.
const (
	DefaultBase = 100 * time.Millisecond
	DefaultMax  = 5 * time.Second
)

// Policy describes a capped exponential schedule. Zero values use defaults.
type Policy struct {
	Base time.Duration // delay before the first retry
	Max  time.Duration // upper bound for any single delay
}

// Delay returns the wait before the given retry.
// Retry 1 waits Base, retry 2 waits Base*2, retry n waits Base*2^(n-1), capped at Max.
func (p Policy) Delay(retry int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	if maxDelay < base {
		maxDelay = base
	}

	if retry < 1 {
		return base
	}
	d := float64(base) * math.Pow(2.0, float64(retry-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Wait sleeps for the delay of the given retry.
// It returns ctx.Err() if the context ends first.
func (p Policy) Wait(ctx context.Context, retry int) error {
	timer := time.NewTimer(p.Delay(retry))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Exponential is shorthand for Policy{Base: cfg.Base, Max: cfg.Max}.Delay(attempt).
// A nil policy uses defaults.
func Exponential(attempt int, cfg *Policy) time.Duration {
	if cfg == nil {
		return Policy{}.Delay(attempt)
	}
	return cfg.Delay(attempt)
}
