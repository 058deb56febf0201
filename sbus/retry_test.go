package sbus

import (
	"context"
	"testing"
	"time"
)

func TestRunWithRetrySucceedsAfterRetryableFailures(t *testing.T) {
	attempts := 0
	err := RunWithRetry(context.Background(), NewFixedRetryStrategy(time.Millisecond, 5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewError(ConnectionError, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRunWithRetryStopsOnTerminalError(t *testing.T) {
	attempts := 0
	err := RunWithRetry(context.Background(), NewFixedRetryStrategy(time.Millisecond, 5), func(ctx context.Context) error {
		attempts++
		return NewError(AuthenticationError, "bad credentials")
	})
	if ErrorCode(err) != AuthenticationError {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestRunWithRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := RunWithRetry(context.Background(), NewFixedRetryStrategy(0, 2), func(ctx context.Context) error {
		attempts++
		return NewError(ServerBusyError, "busy")
	})
	if ErrorCode(err) != ServerBusyError {
		t.Fatalf("expected the last error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", attempts)
	}
}

func TestRunWithRetryHonorsContextDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	started := time.Now()
	err := RunWithRetry(ctx, NewFixedRetryStrategy(10*time.Second, 5), func(ctx context.Context) error {
		attempts++
		return NewError(TimedOutError, "slow")
	})
	if ErrorCode(err) != TimedOutError {
		t.Fatalf("expected the last error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected the cancelled wait to stop retrying, got %d attempts", attempts)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("expected the wait to be cut short, took %v", elapsed)
	}
}

func TestExponentialWaitGrowsAndCaps(t *testing.T) {
	strategy := NewExponentialRetryStrategy(10*time.Millisecond, 40*time.Millisecond, 2, 5)

	if wait := strategy.WaitDuration(0); wait != 10*time.Millisecond {
		t.Fatalf("expected base delay on first attempt, got %v", wait)
	}
	if wait := strategy.WaitDuration(1); wait != 20*time.Millisecond {
		t.Fatalf("expected doubled delay, got %v", wait)
	}
	if wait := strategy.WaitDuration(2); wait != 40*time.Millisecond {
		t.Fatalf("expected capped delay, got %v", wait)
	}
	if wait := strategy.WaitDuration(5); wait != 40*time.Millisecond {
		t.Fatalf("expected the cap to hold, got %v", wait)
	}
}
