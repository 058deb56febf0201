package sbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// faultTolerant is a lazily created, lock-protected singleton resource holder.
// Concurrent GetOrCreate calls during creation share a single in-flight
// attempt; once opened, calls return the cached value with no network
// activity until a fault is observed. Creation failures are shared with every
// waiting caller and then cleared so the next call retries from scratch.
//
// A watch goroutine registered at creation time invalidates the cached value
// when the resource's done channel closes. The watcher is keyed to a creation
// epoch, so watchers from replaced resources exit without side effects and no
// handler leaks across re-creation cycles.
type faultTolerant[T any] struct {
	lock  sync.Mutex
	group singleflight.Group

	create  func(ctx context.Context) (T, error)
	closeFn func(ctx context.Context, value T) error
	doneFn  func(value T) <-chan struct{}
	logger  zerolog.Logger

	value  T
	open   bool
	closed bool
	epoch  uint64
}

// newFaultTolerant returns a new faultTolerant resource holder.
func newFaultTolerant[T any](
	create func(ctx context.Context) (T, error),
	closeFn func(ctx context.Context, value T) error,
	doneFn func(value T) <-chan struct{},
	logger zerolog.Logger,
) *faultTolerant[T] {
	return &faultTolerant[T]{
		create:  create,
		closeFn: closeFn,
		doneFn:  doneFn,
		logger:  logger,
	}
}

// GetOrCreate returns the cached open resource or runs the creation function,
// sharing the in-flight attempt with all concurrent callers.
func (holder *faultTolerant[T]) GetOrCreate(ctx context.Context) (T, error) {
	var zero T

	holder.lock.Lock()
	if holder.closed {
		holder.lock.Unlock()
		return zero, NewError(ClosedError, "resource holder is closed")
	}
	if holder.open {
		value := holder.value
		holder.lock.Unlock()
		return value, nil
	}
	holder.lock.Unlock()

	result, err, _ := holder.group.Do("create", func() (interface{}, error) {
		holder.lock.Lock()
		if holder.closed {
			holder.lock.Unlock()
			return nil, NewError(ClosedError, "resource holder is closed")
		}
		if holder.open {
			value := holder.value
			holder.lock.Unlock()
			return value, nil
		}
		holder.lock.Unlock()

		value, createErr := holder.create(ctx)
		if createErr != nil {
			return nil, createErr
		}

		holder.lock.Lock()
		if holder.closed {
			holder.lock.Unlock()
			holder.closeValue(ctx, value)
			return nil, NewError(ClosedError, "resource holder closed during creation")
		}
		holder.value = value
		holder.open = true
		epoch := holder.epoch
		holder.lock.Unlock()

		if holder.doneFn != nil {
			if done := holder.doneFn(value); done != nil {
				go holder.watch(done, epoch)
			}
		}
		return value, nil
	})

	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// setLogger swaps the logger used for background failures.
func (holder *faultTolerant[T]) setLogger(logger zerolog.Logger) {
	holder.lock.Lock()
	holder.logger = logger
	holder.lock.Unlock()
}

// TryGetOpened returns the cached resource without forcing creation.
func (holder *faultTolerant[T]) TryGetOpened() (T, bool) {
	holder.lock.Lock()
	defer holder.lock.Unlock()
	if !holder.open {
		var zero T
		return zero, false
	}
	return holder.value, true
}

func (holder *faultTolerant[T]) watch(done <-chan struct{}, epoch uint64) {
	<-done
	holder.invalidate(epoch)
}

func (holder *faultTolerant[T]) invalidate(epoch uint64) {
	holder.lock.Lock()
	if holder.open && holder.epoch == epoch {
		var zero T
		holder.value = zero
		holder.open = false
		holder.epoch++
		holder.logger.Debug().Msg("cached resource faulted, next acquisition re-creates")
	}
	holder.lock.Unlock()
}

// Close invalidates and closes the cached resource if one is open. Close
// failures are logged, never returned, since Close runs on best-effort
// cleanup paths.
func (holder *faultTolerant[T]) Close(ctx context.Context) {
	holder.lock.Lock()
	if holder.closed {
		holder.lock.Unlock()
		return
	}
	holder.closed = true
	wasOpen := holder.open
	value := holder.value
	if wasOpen {
		var zero T
		holder.value = zero
		holder.open = false
		holder.epoch++
	}
	holder.lock.Unlock()

	if wasOpen {
		holder.closeValue(ctx, value)
	}
}

func (holder *faultTolerant[T]) closeValue(ctx context.Context, value T) {
	if holder.closeFn == nil {
		return
	}
	if err := holder.closeFn(ctx, value); err != nil {
		holder.lock.Lock()
		logger := holder.logger
		holder.lock.Unlock()
		logger.Warn().Err(err).Msg("closing resource failed")
	}
}
