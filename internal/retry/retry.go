// Package retry implements the jittered exponential-backoff helper used
// for the runtime's small set of retried operations (manager
// registration): a fixed-attempt backoff around an operation that either
// succeeds or returns a plain error. Failed jobs are never retried
// automatically, so there is no exit-code classification here.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// Config holds the backoff parameters for Do.
type Config struct {
	MaxAttempts    int           // total attempts, including the first
	InitialDelay   time.Duration // delay before the second attempt
	MaxDelay       time.Duration // delay is capped here
	BackoffFactor  float64       // multiplier applied to delay after each failure
	JitterFraction float64       // fraction of delay added as random jitter
}

// ManagerRegistration is the backoff used for a node registering with
// its local manager: 5 attempts, 2s initial backoff.
func ManagerRegistration() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   2 * time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
	}
}

// Do calls fn up to cfg.MaxAttempts times, sleeping with jittered
// exponential backoff between attempts, until fn returns nil or the
// context is cancelled. The final error is returned if every attempt
// fails.
func Do(ctx context.Context, cfg Config, operation string, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context cancelled before attempt %d: %w", operation, attempt+1, err)
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				logging.Log.WithField("operation", operation).
					WithField("attempt", attempt+1).
					Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts-1 {
			logging.Log.WithField("operation", operation).
				WithField("attempts", attempt+1).
				WithError(err).
				Error("retries exhausted")
			break
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		wait := addJitter(delay, cfg.JitterFraction)

		logging.Log.WithField("operation", operation).
			WithField("attempt", attempt+1).
			WithField("delay", wait).
			WithError(err).
			Warn("retrying after delay")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: context cancelled during retry delay: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	return d + time.Duration(rand.Float64()*float64(d)*fraction)
}
