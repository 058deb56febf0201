package sbus

import (
	"context"
	"math"
	"time"
)

// infiniteDuration marks an operation with no deadline. Non-positive totals
// passed to newTimeoutHelper are normalized to this value.
const infiniteDuration = time.Duration(math.MaxInt64)

// timeoutHelper threads one end-to-end budget through a chain of network
// calls so their combined timeouts never exceed the caller's request.
type timeoutHelper struct {
	total    time.Duration
	deadline time.Time
	started  bool
}

// newTimeoutHelper returns a new timeoutHelper for the given total budget.
func newTimeoutHelper(total time.Duration, startImmediately bool) *timeoutHelper {
	if total <= 0 {
		total = infiniteDuration
	}
	helper := &timeoutHelper{total: total}
	if startImmediately {
		helper.start()
	}
	return helper
}

func (helper *timeoutHelper) start() {
	if helper.started || helper.total == infiniteDuration {
		helper.started = true
		return
	}
	helper.deadline = time.Now().Add(helper.total)
	helper.started = true
}

// RemainingTime returns the time left before the deadline, never negative.
// The first call starts the clock when the helper was not pre-started, so a
// fresh helper always reports the full original budget.
func (helper *timeoutHelper) RemainingTime() time.Duration {
	if helper == nil {
		return 0
	}
	if !helper.started {
		helper.start()
		return helper.total
	}
	if helper.total == infiniteDuration {
		return infiniteDuration
	}
	remaining := time.Until(helper.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingContext derives a context bounded by the remaining budget.
func (helper *timeoutHelper) RemainingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	remaining := helper.RemainingTime()
	if remaining == infiniteDuration {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, remaining)
}

// operationHelper builds a budget from the caller's context deadline when one
// is present, falling back to the supplied default timeout.
func operationHelper(ctx context.Context, defaultTimeout time.Duration) *timeoutHelper {
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		return newTimeoutHelper(time.Until(deadline), true)
	}
	return newTimeoutHelper(defaultTimeout, true)
}
