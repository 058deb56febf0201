package sbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRenewalFiresBeforeExpiryAndRearms(t *testing.T) {
	var renewals atomic.Int32
	negotiate := func(ctx context.Context, audience string, claims []string) (time.Time, error) {
		renewals.Add(1)
		return time.Now().Add(60 * time.Millisecond), nil
	}

	scheduler := newRenewalScheduler(negotiate, zerolog.Nop())
	scheduler.refreshBuffer = 30 * time.Millisecond
	defer scheduler.Close()

	done := make(chan struct{})
	defer close(done)

	scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		name:     "link-1",
		audience: "amqps://testbus.example.com/queue-1",
		claims:   []string{claimListen},
		expiry:   time.Now().Add(50 * time.Millisecond),
		done:     done,
	})

	deadline := time.Now().Add(2 * time.Second)
	for renewals.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least two renewals, got %d", renewals.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRenewalFailureDisarmsSlot(t *testing.T) {
	var renewals atomic.Int32
	negotiate := func(ctx context.Context, audience string, claims []string) (time.Time, error) {
		renewals.Add(1)
		return time.Time{}, errors.New("token service unavailable")
	}

	scheduler := newRenewalScheduler(negotiate, zerolog.Nop())
	scheduler.refreshBuffer = 30 * time.Millisecond
	defer scheduler.Close()

	done := make(chan struct{})
	defer close(done)

	scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		expiry:   time.Now().Add(40 * time.Millisecond),
		done:     done,
	})

	deadline := time.Now().Add(2 * time.Second)
	for renewals.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the renewal attempt to fire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if count := renewals.Load(); count != 1 {
		t.Fatalf("expected a failed renewal to disarm the slot, got %d attempts", count)
	}
	scheduler.lock.Lock()
	timer := scheduler.slots[categoryLink].timer
	scheduler.lock.Unlock()
	if timer != nil {
		t.Fatalf("expected the slot timer to be disarmed after failure")
	}
}

func TestRenewalStopsWhenLinkCloses(t *testing.T) {
	negotiate := func(ctx context.Context, audience string, claims []string) (time.Time, error) {
		return time.Now().Add(time.Hour), nil
	}

	scheduler := newRenewalScheduler(negotiate, zerolog.Nop())
	defer scheduler.Close()

	done := make(chan struct{})
	scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		expiry:   time.Now().Add(time.Hour),
		done:     done,
	})
	close(done)

	deadline := time.Now().Add(2 * time.Second)
	for {
		scheduler.lock.Lock()
		timer := scheduler.slots[categoryLink].timer
		scheduler.lock.Unlock()
		if timer == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the closed link to disarm its slot")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRenewalInFlightWhenLinkClosesDoesNotRearm(t *testing.T) {
	var renewals atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	negotiate := func(ctx context.Context, audience string, claims []string) (time.Time, error) {
		if renewals.Add(1) == 1 {
			close(started)
		}
		<-release
		return time.Now().Add(time.Hour), nil
	}

	scheduler := newRenewalScheduler(negotiate, zerolog.Nop())
	defer scheduler.Close()

	done := make(chan struct{})
	scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		expiry:   time.Now(),
		done:     done,
	})

	// Close the link while the renewal is blocked mid-negotiation.
	<-started
	close(done)

	deadline := time.Now().Add(2 * time.Second)
	for {
		scheduler.lock.Lock()
		generation := scheduler.slots[categoryLink].generation
		scheduler.lock.Unlock()
		if generation > 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the closed link to invalidate the slot")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	time.Sleep(100 * time.Millisecond)

	scheduler.lock.Lock()
	timer := scheduler.slots[categoryLink].timer
	scheduler.lock.Unlock()
	if timer != nil {
		t.Fatalf("expected the completing renewal to leave the slot disarmed")
	}
	if count := renewals.Load(); count != 1 {
		t.Fatalf("expected no renewal after the link closed, got %d attempts", count)
	}
}

func TestRenewalReplacementSurvivesOldLinkClosure(t *testing.T) {
	negotiate := func(ctx context.Context, audience string, claims []string) (time.Time, error) {
		return time.Now().Add(time.Hour), nil
	}

	scheduler := newRenewalScheduler(negotiate, zerolog.Nop())
	defer scheduler.Close()

	firstDone := make(chan struct{})
	scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		name:     "link-1",
		expiry:   time.Now().Add(time.Hour),
		done:     firstDone,
	})

	secondDone := make(chan struct{})
	defer close(secondDone)
	scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		name:     "link-2",
		expiry:   time.Now().Add(time.Hour),
		done:     secondDone,
	})

	close(firstDone)
	time.Sleep(50 * time.Millisecond)

	scheduler.lock.Lock()
	slot := scheduler.slots[categoryLink]
	name := slot.info.name
	timer := slot.timer
	scheduler.lock.Unlock()

	if name != "link-2" || timer == nil {
		t.Fatalf("expected the replacement link to stay armed, name=%q timer=%v", name, timer)
	}
}

func TestRenewalBothCategoriesIndependent(t *testing.T) {
	negotiate := func(ctx context.Context, audience string, claims []string) (time.Time, error) {
		return time.Now().Add(time.Hour), nil
	}

	scheduler := newRenewalScheduler(negotiate, zerolog.Nop())
	defer scheduler.Close()

	linkDone := make(chan struct{})
	rpcDone := make(chan struct{})
	defer close(rpcDone)

	scheduler.SetActiveLink(activeLinkInfo{category: categoryLink, expiry: time.Now().Add(time.Hour), done: linkDone})
	scheduler.SetActiveLink(activeLinkInfo{category: categoryRPCLink, expiry: time.Now().Add(time.Hour), done: rpcDone})

	close(linkDone)

	deadline := time.Now().Add(2 * time.Second)
	for {
		scheduler.lock.Lock()
		linkTimer := scheduler.slots[categoryLink].timer
		rpcTimer := scheduler.slots[categoryRPCLink].timer
		scheduler.lock.Unlock()
		if linkTimer == nil {
			if rpcTimer == nil {
				t.Fatalf("expected the request-response slot to stay armed")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the closed link's slot to disarm")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
