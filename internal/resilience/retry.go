package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Policy defines retry behaviour for the initial storage connection.
type Policy struct {
	MaxAttempts       int           // total attempts, including the first
	BaseDelay         time.Duration // delay after the first failed attempt
	MaxDelay          time.Duration // cap on any single delay
	BackoffMultiplier float64
}

// DefaultPolicy returns 3 attempts with 1s, 2s delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns base * multiplier^attempt for a zero-based attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("BaseDelay must be non-negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return errors.New("BaseDelay cannot be greater than MaxDelay")
	}
	return nil
}

// Retry calls fn until it succeeds, attempts run out or ctx ends, sleeping
// Delay(i) after failed attempt i. The final error is returned wrapped.
func Retry(ctx context.Context, p Policy, logger *slog.Logger, what string, fn func(context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 0 {
				logger.Info("succeeded after retry", "what", what, "attempt", attempt+1)
			}
			return nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Delay(attempt)
		logger.Warn("attempt failed, backing off", "what", what, "attempt", attempt+1, "of", p.MaxAttempts, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", what, ctx.Err(), err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, p.MaxAttempts, err)
}
