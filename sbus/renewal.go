package sbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTokenRefreshBuffer  = 10 * time.Second
	defaultTokenRenewalTimeout = time.Minute
)

// linkCategory selects one of the scheduler's two timer slots.
type linkCategory int

const (
	categoryLink linkCategory = iota
	categoryRPCLink
)

// activeLinkInfo describes an opened link whose token the scheduler keeps fresh.
type activeLinkInfo struct {
	category linkCategory
	name     string
	audience string
	claims   []string
	expiry   time.Time
	done     <-chan struct{}
}

type renewalSlot struct {
	info       activeLinkInfo
	timer      *time.Timer
	generation uint64
}

// renewalScheduler refreshes security tokens for up to two active links, one
// for the send/receive link and one for the request-response link. A renewal
// failure disarms the slot permanently and is only logged: the broker closes
// the link itself once authorization truly lapses, so the client fails open
// rather than retrying locally. Timer reconfiguration is generation-checked,
// keeping renewal completions and link-closed notifications race free.
type renewalScheduler struct {
	lock   sync.Mutex
	slots  map[linkCategory]*renewalSlot
	closed bool

	negotiate      func(ctx context.Context, audience string, claims []string) (time.Time, error)
	refreshBuffer  time.Duration
	renewalTimeout time.Duration
	logger         zerolog.Logger
}

// newRenewalScheduler returns a new renewalScheduler using the given
// claims-based-security negotiation function.
func newRenewalScheduler(negotiate func(ctx context.Context, audience string, claims []string) (time.Time, error), logger zerolog.Logger) *renewalScheduler {
	return &renewalScheduler{
		slots:          make(map[linkCategory]*renewalSlot),
		negotiate:      negotiate,
		refreshBuffer:  defaultTokenRefreshBuffer,
		renewalTimeout: defaultTokenRenewalTimeout,
		logger:         logger,
	}
}

// SetActiveLink records the opened link and arms its renewal timer at
// tokenExpiry minus the refresh buffer. A watcher on the link's done channel
// disarms the slot once the link closes.
func (scheduler *renewalScheduler) SetActiveLink(info activeLinkInfo) {
	scheduler.lock.Lock()
	if scheduler.closed {
		scheduler.lock.Unlock()
		return
	}
	slot, exists := scheduler.slots[info.category]
	if !exists {
		slot = &renewalSlot{}
		scheduler.slots[info.category] = slot
	}
	slot.generation++
	generation := slot.generation
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.info = info
	slot.timer = time.AfterFunc(scheduler.dueIn(info.expiry), func() {
		scheduler.renew(info.category, generation)
	})
	scheduler.lock.Unlock()

	if info.done != nil {
		go scheduler.watchLink(info.category, generation, info.done)
	}
}

func (scheduler *renewalScheduler) dueIn(expiry time.Time) time.Duration {
	due := time.Until(expiry.Add(-scheduler.refreshBuffer))
	if due < 0 {
		due = 0
	}
	return due
}

func (scheduler *renewalScheduler) watchLink(category linkCategory, generation uint64, done <-chan struct{}) {
	<-done
	scheduler.onLinkClosed(category, generation)
}

func (scheduler *renewalScheduler) onLinkClosed(category linkCategory, generation uint64) {
	scheduler.lock.Lock()
	slot, exists := scheduler.slots[category]
	if exists && slot.generation == generation {
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}
		// A renewal already in flight for this generation must not re-arm
		// the slot; only SetActiveLink revives it.
		slot.generation++
	}
	scheduler.lock.Unlock()
}

func (scheduler *renewalScheduler) renew(category linkCategory, generation uint64) {
	scheduler.lock.Lock()
	slot, exists := scheduler.slots[category]
	if !exists || slot.generation != generation || scheduler.closed {
		scheduler.lock.Unlock()
		return
	}
	info := slot.info
	scheduler.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), scheduler.renewalTimeout)
	expiry, err := scheduler.negotiate(ctx, info.audience, info.claims)
	cancel()

	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()
	slot, exists = scheduler.slots[category]
	if !exists || slot.generation != generation || scheduler.closed {
		return
	}
	if err != nil {
		scheduler.logger.Warn().Err(err).
			Str("link", info.name).
			Str("audience", info.audience).
			Msg("token renewal failed, leaving enforcement to the broker")
		slot.timer = nil
		return
	}
	slot.info.expiry = expiry
	slot.timer = time.AfterFunc(scheduler.dueIn(expiry), func() {
		scheduler.renew(category, generation)
	})
}

// Close disarms every slot.
func (scheduler *renewalScheduler) Close() {
	scheduler.lock.Lock()
	scheduler.closed = true
	for _, slot := range scheduler.slots {
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}
	}
	scheduler.lock.Unlock()
}
