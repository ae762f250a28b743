// Package bus implements the Memory Sync Bus (C2): per-session pub/sub
// fan-out of memory SyncEvents, with an optional external broker bridge
// for cross-instance delivery.
package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
)

// queueSize bounds each subscriber's pending-event buffer. A subscriber that
// falls behind drops the oldest queued event rather than blocking the publisher.
const queueSize = 256

// Bridge publishes the same event payload to an external broker for
// cross-instance fan-out. A nil Bridge is a valid configuration.
type Bridge interface {
	Publish(sessionID string, event memory.SyncEvent) error
}

// subscription is one registered callback on a session's topic.
type subscription struct {
	token    uint64
	queue    chan memory.SyncEvent
	lossy    atomic.Bool
	done     chan struct{}
	closeOne sync.Once
}

// Bus fans SyncEvents out to per-session subscribers. Delivery within a
// process is at-least-once; across processes it is best-effort, mediated
// by an optional Bridge.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*subscription
	nextID uint64

	bridge Bridge
	log    *logger.Logger
}

// New creates a Bus. bridge may be nil to disable cross-instance fan-out.
func New(bridge Bridge, log *logger.Logger) *Bus {
	return &Bus{
		topics: make(map[string]map[uint64]*subscription),
		bridge: bridge,
		log:    log.WithFields(),
	}
}

// Token identifies a subscription for later Unsubscribe calls. Tokens are
// unique per Bus and never reused, avoiding the function-pointer-identity
// bug of comparing callback values for equality.
type Token struct {
	sessionID string
	id        uint64
}

// Subscribe registers handler to receive every SyncEvent published on
// sessionID, in publish order, until Unsubscribe is called. handler runs on
// a dedicated goroutine per subscription so a slow consumer cannot block
// the publisher; if handler falls behind, the oldest queued event is
// dropped and the subscription is flagged lossy (see IsLossy).
func (b *Bus) Subscribe(sessionID string, handler func(memory.SyncEvent)) Token {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{
		token: id,
		queue: make(chan memory.SyncEvent, queueSize),
		done:  make(chan struct{}),
	}
	if b.topics[sessionID] == nil {
		b.topics[sessionID] = make(map[uint64]*subscription)
	}
	b.topics[sessionID][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case evt, ok := <-sub.queue:
				if !ok {
					return
				}
				handler(evt)
			case <-sub.done:
				return
			}
		}
	}()

	return Token{sessionID: sessionID, id: id}
}

// Unsubscribe stops delivery to the subscription identified by tok. It is
// idempotent: unsubscribing an already-removed token is a no-op.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	subs := b.topics[tok.sessionID]
	sub, ok := subs[tok.id]
	if ok {
		delete(subs, tok.id)
		if len(subs) == 0 {
			delete(b.topics, tok.sessionID)
		}
	}
	b.mu.Unlock()

	if ok {
		sub.closeOne.Do(func() { close(sub.done) })
	}
}

// IsLossy reports whether the subscription identified by tok has dropped at
// least one event due to queue overflow since it was created.
func (b *Bus) IsLossy(tok Token) bool {
	b.mu.RLock()
	sub, ok := b.topics[tok.sessionID][tok.id]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	return sub.lossy.Load()
}

// Publish fans event out to every subscriber of sessionID and, if a Bridge
// is configured, forwards it externally on topic "memnexus:session:<id>".
// Publish never blocks on a slow subscriber: an overflowing queue drops its
// oldest entry to make room.
func (b *Bus) Publish(sessionID string, event memory.SyncEvent) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.topics[sessionID]))
	for _, sub := range b.topics[sessionID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		enqueue(sub, event)
	}

	if b.bridge != nil {
		if err := b.bridge.Publish(sessionID, event); err != nil {
			b.log.Warn("external memory bridge publish failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}

// enqueue delivers event to sub's queue, dropping the oldest queued event
// and flagging the subscription lossy if the queue is full.
func enqueue(sub *subscription, event memory.SyncEvent) {
	select {
	case sub.queue <- event:
		return
	default:
	}

	select {
	case <-sub.queue:
	default:
	}
	sub.lossy.Store(true)

	select {
	case sub.queue <- event:
	default:
	}
}

// SubscriberCount returns the number of active subscriptions on sessionID,
// primarily for diagnostics and tests.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[sessionID])
}
