// Package resilience provides the retry and rate-limit policies applied to
// external LLM and embedding calls.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/evermem/memsrv/pkg/memerr"
)

// RetryConfig parameterizes exponential backoff with jitter.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryConfig matches the service defaults: up to 5 attempts,
// 0.5s base delay doubling to an 8s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		BaseDelay:     500 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      8 * time.Second,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// attempt budget is exhausted, or ctx is cancelled. Only errors tagged
// retryable (memerr.IsRetryable) are retried; anything else is returned
// immediately. After attempt k the sleep is
// min(base * factor^(k-1), max) * (0.5 + rand/2), so concurrent callers
// do not retry in lockstep.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *log.Logger, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	// A misconfigured budget still gets one attempt; op must always run.
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !memerr.IsRetryable(err) {
			return zero, err
		}
		if attempt >= attempts {
			logger.Error("max retries exceeded", "op", name, "attempts", attempt, "error", err)
			return zero, err
		}

		sleep := delay
		if sleep > cfg.MaxDelay {
			sleep = cfg.MaxDelay
		}
		sleep = time.Duration(float64(sleep) * (0.5 + rand.Float64()/2))

		logger.Warn("retrying after transient failure", "op", name, "attempt", attempt, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
	}
}
