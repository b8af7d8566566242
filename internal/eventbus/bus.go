// Package eventbus carries the engine's discrete diagnostic events
// (ingress handled/dropped, reconcile lifecycle, overlay transitions)
// to observers such as the UI layer and tests.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names published by the engine.
const (
	EventIngested           = "offer.ingested"
	EventDropped            = "offer.dropped"
	EventOverlayShown       = "overlay.shown"
	EventOverlayExpired     = "overlay.expired"
	EventOverlayDismissed   = "overlay.dismissed"
	EventOverlayAccepted    = "overlay.accepted"
	EventOverlayRejected    = "overlay.rejected"
	EventReconcileRequested = "reconcile.requested"
	EventReconcileDone      = "reconcile.done"
	EventReconcileFailed    = "reconcile.failed"
	EventBackpressureDrop   = "queue.backpressure"
	EventAvailability       = "availability.changed"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type    string
	Time    time.Time
	OfferID string
	Reason  string
	Data    any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently closed channel would
		// panic the send, so recover and treat it as a drop.
		func() {
			defer func() {
				if recover() != nil {
					b.dropped.Add(1)
				}
			}()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many events were discarded because a subscriber
// could not keep up.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
