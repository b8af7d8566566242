// Package store holds the canonical in-memory view of currently-active
// offers. It is the single source of truth both the ingress pipeline
// and the reconciliation engine write through.
package store

import (
	"sort"
	"time"

	"offergate/internal/offer"
)

// Store is a bounded map of active offers keyed by ID.
//
// Not safe for concurrent use; the coordinator's single writer owns it.
// Callers only ever receive value copies, never references into the map.
type Store struct {
	cap    int
	offers map[string]offer.Offer
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 50
	}
	return &Store{cap: capacity, offers: make(map[string]offer.Offer, capacity)}
}

func (s *Store) Len() int { return len(s.offers) }

func (s *Store) Get(id string) (offer.Offer, bool) {
	o, ok := s.offers[id]
	return o, ok
}

// Upsert replaces the offer stored under o.ID. prev is the previous
// value, if any. When the store is full and the ID is new, the
// lowest-priority existing entry is evicted and returned so the caller
// can emit an eviction record; the new offer always wins admission.
func (s *Store) Upsert(o offer.Offer) (prev, evicted *offer.Offer) {
	if o.ID == "" {
		return nil, nil
	}
	if old, ok := s.offers[o.ID]; ok {
		s.offers[o.ID] = o
		return &old, nil
	}
	if len(s.offers) >= s.cap {
		if victim := s.lowestPriority(); victim != "" {
			old := s.offers[victim]
			delete(s.offers, victim)
			evicted = &old
		}
	}
	s.offers[o.ID] = o
	return nil, evicted
}

// PatchFill applies a lightweight fulfillment delta to an existing
// offer. If the patch drives remaining to zero or the derived status is
// terminal, the entry is removed instead; removed reports which
// happened. Returns (nil, false) when the ID is unknown.
func (s *Store) PatchFill(id string, filled, remaining int) (updated *offer.Offer, removed bool) {
	cur, ok := s.offers[id]
	if !ok {
		return nil, false
	}
	next := cur.WithFill(filled, remaining)
	if remaining <= 0 || next.Status.Terminal() {
		delete(s.offers, id)
		return &next, true
	}
	s.offers[id] = next
	return &next, false
}

// Remove deletes the offer and returns its last value, or nil.
func (s *Store) Remove(id string) *offer.Offer {
	o, ok := s.offers[id]
	if !ok {
		return nil
	}
	delete(s.offers, id)
	return &o
}

// Snapshot returns a priority-sorted copy of all active offers:
// soonest-expiring first, ties broken toward higher fare and newer
// versions.
func (s *Store) Snapshot() []offer.Offer {
	out := make([]offer.Offer, 0, len(s.offers))
	for _, o := range s.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return offer.Less(out[i], out[j]) })
	return out
}

// IDs returns the current key set. Used by reconciliation to diff
// against a fetched snapshot.
func (s *Store) IDs() map[string]int64 {
	out := make(map[string]int64, len(s.offers))
	for id, o := range s.offers {
		out[id] = o.EventVersion
	}
	return out
}

// ExpiredIDs returns IDs whose own expiry time has passed.
func (s *Store) ExpiredIDs(now time.Time) []string {
	var out []string
	for id, o := range s.offers {
		if !o.ExpiryTime.IsZero() && o.ExpiryTime.Before(now) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) Reset() { clear(s.offers) }

func (s *Store) lowestPriority() string {
	var worstID string
	var worst offer.Offer
	first := true
	for id, o := range s.offers {
		if first || offer.Less(worst, o) {
			worstID, worst = id, o
			first = false
		}
	}
	return worstID
}
