package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
)

func newTestBus() *Bus {
	return New(nil, logger.Default())
}

func TestSubscribePublishDelivers(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	var received []memory.SyncEvent
	done := make(chan struct{}, 1)

	b.Subscribe("session-1", func(evt memory.SyncEvent) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		done <- struct{}{}
	})

	evt := memory.SyncEvent{Type: memory.EventCreated, SessionID: "session-1"}
	b.Publish("session-1", evt)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event delivered, got %d", len(received))
	}
	if received[0].SessionID != "session-1" {
		t.Errorf("expected session-1, got %s", received[0].SessionID)
	}
}

func TestPublishDoesNotCrossSessions(t *testing.T) {
	b := newTestBus()

	got := make(chan memory.SyncEvent, 1)
	b.Subscribe("session-a", func(evt memory.SyncEvent) { got <- evt })

	b.Publish("session-b", memory.SyncEvent{SessionID: "session-b"})

	select {
	case <-got:
		t.Fatal("subscriber on session-a should not receive session-b events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()

	got := make(chan memory.SyncEvent, 4)
	tok := b.Subscribe("session-1", func(evt memory.SyncEvent) { got <- evt })

	b.Unsubscribe(tok)
	// Unsubscribing twice must be a no-op, not a panic.
	b.Unsubscribe(tok)

	b.Publish("session-1", memory.SyncEvent{SessionID: "session-1"})

	select {
	case <-got:
		t.Fatal("unsubscribed listener should not receive events")
	case <-time.After(50 * time.Millisecond):
	}

	if n := b.SubscriberCount("session-1"); n != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", n)
	}
}

func TestOverflowMarksLossy(t *testing.T) {
	b := newTestBus()

	block := make(chan struct{})
	tok := b.Subscribe("session-1", func(evt memory.SyncEvent) {
		<-block // never returns until the test unblocks it, forcing the queue to fill
	})

	for i := 0; i < queueSize+10; i++ {
		b.Publish("session-1", memory.SyncEvent{SessionID: "session-1"})
	}

	if !b.IsLossy(tok) {
		t.Error("expected subscription to be flagged lossy after overflow")
	}

	close(block)
}

func TestDistinctTokensDoNotCollide(t *testing.T) {
	b := newTestBus()

	var count1, count2 int
	var mu sync.Mutex
	done1 := make(chan struct{}, 1)
	done2 := make(chan struct{}, 1)

	tok1 := b.Subscribe("session-1", func(evt memory.SyncEvent) {
		mu.Lock()
		count1++
		mu.Unlock()
		done1 <- struct{}{}
	})
	b.Subscribe("session-1", func(evt memory.SyncEvent) {
		mu.Lock()
		count2++
		mu.Unlock()
		done2 <- struct{}{}
	})

	b.Unsubscribe(tok1)
	b.Publish("session-1", memory.SyncEvent{SessionID: "session-1"})

	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("second subscriber should still receive events")
	}

	mu.Lock()
	defer mu.Unlock()
	if count1 != 0 {
		t.Errorf("unsubscribed listener should not have fired, count1=%d", count1)
	}
	if count2 != 1 {
		t.Errorf("expected second listener to fire once, got %d", count2)
	}
}
