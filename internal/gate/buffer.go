package gate

import (
	"time"

	"offergate/internal/ingress"
)

// Buffer is the bounded, TTL'd FIFO holding envelopes that arrived
// while availability was unknown. Entries are purely transient.
type Buffer struct {
	cap     int
	ttl     time.Duration
	entries []pending
}

type pending struct {
	env ingress.Envelope
	at  time.Time
}

func NewBuffer(capacity int, ttl time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = 32
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Buffer{cap: capacity, ttl: ttl}
}

func (b *Buffer) Len() int { return len(b.entries) }

// Push appends an envelope. When full, the oldest entry is displaced
// and returned so the caller can emit an eviction record.
func (b *Buffer) Push(env ingress.Envelope, now time.Time) *ingress.Envelope {
	var evicted *ingress.Envelope
	if len(b.entries) >= b.cap {
		old := b.entries[0].env
		evicted = &old
		b.entries = append(b.entries[:0], b.entries[1:]...)
	}
	b.entries = append(b.entries, pending{env: env, at: now})
	return evicted
}

// DrainFresh empties the buffer, splitting entries into those still
// inside the TTL (in arrival order) and those that went stale.
func (b *Buffer) DrainFresh(now time.Time) (fresh, stale []ingress.Envelope) {
	cutoff := now.Add(-b.ttl)
	for _, p := range b.entries {
		if p.at.Before(cutoff) {
			stale = append(stale, p.env)
		} else {
			fresh = append(fresh, p.env)
		}
	}
	b.entries = nil
	return fresh, stale
}

// Remove deletes every buffered envelope for id. Accept/reject/cancel
// paths use it so a terminated offer cannot replay out of the buffer.
func (b *Buffer) Remove(id string) int {
	if id == "" {
		return 0
	}
	kept := b.entries[:0]
	removed := 0
	for _, p := range b.entries {
		if p.env.ID == id {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	b.entries = kept
	return removed
}

// DrainAll empties the buffer and returns everything it held.
func (b *Buffer) DrainAll() []ingress.Envelope {
	out := make([]ingress.Envelope, 0, len(b.entries))
	for _, p := range b.entries {
		out = append(out, p.env)
	}
	b.entries = nil
	return out
}

func (b *Buffer) Reset() { b.entries = nil }
