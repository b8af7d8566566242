// Package overlay models the single "currently shown" offer plus its
// priority-ordered backlog. It is a passive data structure: the
// coordinator owns it under the single writer lock and drives the
// countdown/grace timers, so every transition here is synchronous and
// deterministic.
package overlay

import (
	"sort"
	"time"

	"offergate/internal/offer"
)

// Outcome names how a shown offer left the slot.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExpired   Outcome = "expired"
	OutcomeDismissed Outcome = "dismissed"
)

// Entry is one queued presentation item. ExpiresAt is the locally
// computed countdown deadline, not necessarily the offer's own expiry.
type Entry struct {
	Offer      offer.Offer
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

func entryLess(a, b Entry) bool {
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	return offer.Less(a.Offer, b.Offer)
}

// Queue is the overlay state machine: EMPTY -> SHOWING ->
// {accepted|rejected|expired|dismissed} -> EMPTY or SHOWING(next).
//
// A cancellation of the shown offer holds the slot in a grace state
// (cancellation notice) until EndGrace; new arrivals back up in the
// backlog meanwhile.
type Queue struct {
	cap     int
	current *Entry
	backlog []Entry // priority-sorted, index 0 = next up
	grace   bool
	graceID string
}

func NewQueue(backlogCap int) *Queue {
	if backlogCap <= 0 {
		backlogCap = 10
	}
	return &Queue{cap: backlogCap}
}

// Current returns a copy of the shown entry, or nil.
func (q *Queue) Current() *Entry {
	if q.current == nil {
		return nil
	}
	cp := *q.current
	return &cp
}

func (q *Queue) InGrace() bool    { return q.grace }
func (q *Queue) BacklogLen() int  { return len(q.backlog) }
func (q *Queue) CurrentID() string {
	if q.current == nil {
		return ""
	}
	return q.current.Offer.ID
}

// Add places an entry: straight into the slot when it is free and not
// held by a grace window, otherwise into the priority backlog. shown
// reports slot placement; evicted is the backlog entry displaced by the
// capacity bound (possibly the newcomer itself when it is the lowest
// priority).
func (q *Queue) Add(e Entry) (shown bool, evicted *Entry) {
	if q.current == nil && !q.grace {
		q.current = &e
		return true, nil
	}
	q.backlog = append(q.backlog, e)
	sort.Slice(q.backlog, func(i, j int) bool { return entryLess(q.backlog[i], q.backlog[j]) })
	if len(q.backlog) > q.cap {
		last := q.backlog[len(q.backlog)-1]
		q.backlog = q.backlog[:len(q.backlog)-1]
		evicted = &last
	}
	return false, evicted
}

// Resolve ends the current showing with the given outcome and promotes
// the next backlog entry. Backlog entries whose deadline already passed
// are skipped and returned as expired. Returns nil resolved when
// nothing was showing.
func (q *Queue) Resolve(outcome Outcome, now time.Time) (resolved *Entry, next *Entry, expired []Entry) {
	_ = outcome
	if q.current == nil {
		return nil, nil, nil
	}
	cur := *q.current
	q.current = nil
	next, expired = q.promote(now)
	return &cur, next, expired
}

// Update replaces the stored entry for e.Offer.ID wherever it lives,
// so a versioned update of an offer never occupies a second
// presentation slot. isCurrent reports a slot replacement; found
// reports whether the id was present at all.
func (q *Queue) Update(e Entry) (isCurrent, found bool) {
	if q.current != nil && q.current.Offer.ID == e.Offer.ID {
		q.current = &e
		return true, true
	}
	for i := range q.backlog {
		if q.backlog[i].Offer.ID == e.Offer.ID {
			q.backlog[i] = e
			sort.Slice(q.backlog, func(i, j int) bool { return entryLess(q.backlog[i], q.backlog[j]) })
			return false, true
		}
	}
	return false, false
}

// PurgeBacklog removes every backlog entry for id and reports how many
// were dropped. The current slot is untouched.
func (q *Queue) PurgeBacklog(id string) int {
	kept := q.backlog[:0]
	removed := 0
	for _, e := range q.backlog {
		if e.Offer.ID == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.backlog = kept
	return removed
}

// BeginGrace clears the shown offer after a cancellation but holds the
// slot so the UI can show a cancellation notice. Returns the cancelled
// entry, or nil if the id was not showing.
func (q *Queue) BeginGrace(id string) *Entry {
	if q.current == nil || q.current.Offer.ID != id {
		return nil
	}
	cur := *q.current
	q.current = nil
	q.grace = true
	q.graceID = id
	return &cur
}

// EndGrace frees the slot and promotes the next backlog entry.
func (q *Queue) EndGrace(now time.Time) (next *Entry, expired []Entry) {
	if !q.grace {
		return nil, nil
	}
	q.grace = false
	q.graceID = ""
	return q.promote(now)
}

// Remove takes id out of every structure it could be in (current slot
// and backlog) in one operation. When it was showing, the next entry is
// promoted immediately.
func (q *Queue) Remove(id string, now time.Time) (wasCurrent bool, found bool, next *Entry, expired []Entry) {
	if q.current != nil && q.current.Offer.ID == id {
		q.current = nil
		q.PurgeBacklog(id)
		next, expired = q.promote(now)
		return true, true, next, expired
	}
	if q.PurgeBacklog(id) > 0 {
		return false, true, nil, nil
	}
	return false, false, nil, nil
}

func (q *Queue) promote(now time.Time) (next *Entry, expired []Entry) {
	for len(q.backlog) > 0 {
		head := q.backlog[0]
		q.backlog = q.backlog[1:]
		if !head.ExpiresAt.After(now) {
			expired = append(expired, head)
			continue
		}
		q.current = &head
		cp := head
		return &cp, expired
	}
	return nil, expired
}

func (q *Queue) Reset() {
	q.current = nil
	q.backlog = nil
	q.grace = false
	q.graceID = ""
}
