package sbus

import (
	"context"
	"math"
	"sync"
	"time"
)

// RetryStrategy decides how long to wait before the next attempt.
type RetryStrategy interface {
	WaitDuration(attempt uint32) time.Duration
	MaxRetries() uint32
}

// FixedRetryStrategy waits a constant delay between attempts.
type FixedRetryStrategy struct {
	Delay   time.Duration
	Retries uint32
}

// NewFixedRetryStrategy returns a new FixedRetryStrategy.
func NewFixedRetryStrategy(delay time.Duration, retries uint32) *FixedRetryStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedRetryStrategy{Delay: delay, Retries: retries}
}

// WaitDuration returns the configured delay.
func (strategy *FixedRetryStrategy) WaitDuration(attempt uint32) time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// MaxRetries returns the configured retry budget.
func (strategy *FixedRetryStrategy) MaxRetries() uint32 {
	if strategy == nil {
		return 0
	}
	return strategy.Retries
}

// ExponentialRetryStrategy grows the delay by a factor per attempt up to a cap.
type ExponentialRetryStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Retries   uint32
}

// NewExponentialRetryStrategy returns a new ExponentialRetryStrategy.
func NewExponentialRetryStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64, retries uint32) *ExponentialRetryStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialRetryStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		Retries:   retries,
	}
}

// WaitDuration returns the delay for the given attempt.
func (strategy *ExponentialRetryStrategy) WaitDuration(attempt uint32) time.Duration {
	if strategy == nil {
		return 0
	}
	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	delay := strategy.BaseDelay
	if attempt > 0 && delay > 0 {
		delayFloat := float64(delay) * math.Pow(strategy.Factor, float64(attempt))
		if delayFloat > float64(strategy.MaxDelay) {
			delayFloat = float64(strategy.MaxDelay)
		}
		delay = time.Duration(delayFloat)
	}
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay
}

// MaxRetries returns the configured retry budget.
func (strategy *ExponentialRetryStrategy) MaxRetries() uint32 {
	if strategy == nil {
		return 0
	}
	return strategy.Retries
}

// RunWithRetry re-invokes the operation after retryable failures, waiting
// per the strategy between attempts. Non-retryable failures and exhausted
// budgets return the last error; the operation is never retried past the
// context deadline.
func RunWithRetry(ctx context.Context, strategy RetryStrategy, operation func(ctx context.Context) error) error {
	if strategy == nil {
		strategy = NewFixedRetryStrategy(time.Second, 3)
	}

	var lastErr error
	for attempt := uint32(0); ; attempt++ {
		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt >= strategy.MaxRetries() {
			return lastErr
		}

		wait := strategy.WaitDuration(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}
