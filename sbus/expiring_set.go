package sbus

import (
	"sync"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// expiringSet is a self-pruning set of time-bounded keys. It caches the lock
// tokens of messages obtained through the request/response receive path so
// settlement calls can be routed to the channel that owns the lock.
//
// Contains verifies the entry has not expired before confirming membership;
// the periodic sweep only reclaims memory. Insertion and sweep scheduling are
// serialized by one mutex while the backing map supports concurrent access.
type expiringSet struct {
	entries sync.Map

	lock           sync.Mutex
	sweepScheduled bool
	sweepInterval  time.Duration
	sweepTimer     *time.Timer
	closed         bool

	now func() time.Time
}

// newExpiringSet returns a new expiringSet sweeping at the given interval.
func newExpiringSet(sweepInterval time.Duration) *expiringSet {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &expiringSet{
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

// AddOrUpdate inserts or refreshes a key and schedules a sweep if none is pending.
func (set *expiringSet) AddOrUpdate(key string, expiresAt time.Time) {
	if set == nil {
		return
	}
	set.entries.Store(key, expiresAt)

	set.lock.Lock()
	if !set.sweepScheduled && !set.closed {
		set.sweepScheduled = true
		set.sweepTimer = time.AfterFunc(set.sweepInterval, set.sweep)
	}
	set.lock.Unlock()
}

// Contains reports whether key is present and not yet expired.
func (set *expiringSet) Contains(key string) bool {
	if set == nil {
		return false
	}
	expiresAt, exists := set.entries.Load(key)
	if !exists {
		return false
	}
	return set.now().Before(expiresAt.(time.Time))
}

// Remove deletes a key regardless of expiry.
func (set *expiringSet) Remove(key string) {
	if set == nil {
		return
	}
	set.entries.Delete(key)
}

func (set *expiringSet) sweep() {
	now := set.now()
	remaining := 0
	set.entries.Range(func(key, value interface{}) bool {
		if !now.Before(value.(time.Time)) {
			set.entries.Delete(key)
		} else {
			remaining++
		}
		return true
	})

	set.lock.Lock()
	if remaining > 0 && !set.closed {
		set.sweepTimer = time.AfterFunc(set.sweepInterval, set.sweep)
	} else {
		set.sweepScheduled = false
		set.sweepTimer = nil
	}
	set.lock.Unlock()
}

// Close stops any pending sweep.
func (set *expiringSet) Close() {
	if set == nil {
		return
	}
	set.lock.Lock()
	set.closed = true
	if set.sweepTimer != nil {
		set.sweepTimer.Stop()
		set.sweepTimer = nil
	}
	set.sweepScheduled = false
	set.lock.Unlock()
}
