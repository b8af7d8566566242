// Package gate decides, per inbound envelope, whether the offer should
// be shown, buffered, or dropped based on an externally-owned
// availability signal, and owns the startup buffer that absorbs the
// cold-start race while availability is still unknown.
package gate

import (
	"time"

	"offergate/internal/ingress"
)

// Availability is the three-valued external availability signal.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityOnline
	AvailabilityOffline
)

func (a Availability) String() string {
	switch a {
	case AvailabilityOnline:
		return "online"
	case AvailabilityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type Decision int

const (
	DecideShow Decision = iota
	DecideBuffer
	DecideDrop
)

// Transition is the result of an availability change: envelopes to
// replay in arrival order, and envelopes to drop (stale buffered
// entries on flush, or the whole buffer on an offline transition).
type Transition struct {
	From, To   Availability
	Flush      []ingress.Envelope
	Dropped    []ingress.Envelope
	DropReason string
}

// Gate pairs the current availability value with the startup buffer.
//
// Not safe for concurrent use; the coordinator applies decisions and
// transitions under its single writer lock so no envelope is ever gated
// against a stale availability value.
type Gate struct {
	avail Availability
	buf   *Buffer
}

func New(bufferCap int, bufferTTL time.Duration) *Gate {
	return &Gate{buf: NewBuffer(bufferCap, bufferTTL)}
}

func (g *Gate) Availability() Availability { return g.avail }
func (g *Gate) Buffered() int              { return g.buf.Len() }

// Decide gates one envelope against the current availability value.
// DecideBuffer means the caller must Push the envelope into the buffer.
func (g *Gate) Decide() (Decision, string) {
	switch g.avail {
	case AvailabilityOnline:
		return DecideShow, ""
	case AvailabilityOffline:
		return DecideDrop, "availability_offline"
	default:
		return DecideBuffer, "availability_unknown"
	}
}

// Push buffers an envelope that arrived while availability was unknown.
// The returned envelope, if any, was displaced by the capacity bound.
func (g *Gate) Push(env ingress.Envelope, now time.Time) *ingress.Envelope {
	return g.buf.Push(env, now)
}

// Remove deletes any buffered envelopes for id.
func (g *Gate) Remove(id string) int {
	return g.buf.Remove(id)
}

// SetAvailability applies a transition and returns what to do with the
// buffer: on →ONLINE the fresh entries are flushed in ascending
// ReceivedAt order and TTL-stale ones dropped; on →OFFLINE the whole
// buffer is dropped.
func (g *Gate) SetAvailability(next Availability, now time.Time) Transition {
	tr := Transition{From: g.avail, To: next}
	if next == g.avail {
		return tr
	}
	g.avail = next

	switch next {
	case AvailabilityOnline:
		tr.Flush, tr.Dropped = g.buf.DrainFresh(now)
		tr.DropReason = "buffer_ttl_expired"
	case AvailabilityOffline:
		tr.Dropped = g.buf.DrainAll()
		tr.DropReason = "availability_offline"
	}
	return tr
}

func (g *Gate) Reset() {
	g.avail = AvailabilityUnknown
	g.buf.Reset()
}
