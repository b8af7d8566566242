package store

import (
	"fmt"
	"testing"
	"time"

	"offergate/internal/offer"
)

func active(id string, expiry time.Time, fare int64) offer.Offer {
	return offer.Offer{ID: id, ExpiryTime: expiry, FareCents: fare, Status: offer.StatusActive, TotalNeeded: 1, Remaining: 1}
}

func TestUpsertReplacesByID(t *testing.T) {
	t.Parallel()
	s := New(10)
	now := time.Now()

	prev, evicted := s.Upsert(active("b1", now.Add(time.Minute), 100))
	if prev != nil || evicted != nil {
		t.Fatalf("fresh insert: prev=%v evicted=%v", prev, evicted)
	}

	prev, _ = s.Upsert(active("b1", now.Add(2*time.Minute), 200))
	if prev == nil || prev.FareCents != 100 {
		t.Fatalf("prev = %v", prev)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestCapacityEvictsLowestPriority(t *testing.T) {
	t.Parallel()
	s := New(3)
	now := time.Now()

	s.Upsert(active("soon", now.Add(time.Minute), 100))
	s.Upsert(active("later", now.Add(time.Hour), 100))
	s.Upsert(active("mid", now.Add(10*time.Minute), 100))

	_, evicted := s.Upsert(active("new", now.Add(5*time.Minute), 100))
	if evicted == nil || evicted.ID != "later" {
		t.Fatalf("evicted = %v, want later (lowest priority)", evicted)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d", s.Len())
	}
	if _, ok := s.Get("new"); !ok {
		t.Fatal("new offer must win admission")
	}
}

func TestPatchFillUpdatesAndRemoves(t *testing.T) {
	t.Parallel()
	s := New(10)
	now := time.Now()
	o := active("b1", now.Add(time.Minute), 100)
	o.TotalNeeded, o.Remaining = 3, 3
	s.Upsert(o)

	upd, removed := s.PatchFill("b1", 2, 1)
	if removed {
		t.Fatal("partial fill should not remove")
	}
	if upd.Status != offer.StatusPartiallyFilled || upd.Filled != 2 {
		t.Fatalf("updated = %+v", upd)
	}

	upd, removed = s.PatchFill("b1", 3, 0)
	if !removed {
		t.Fatal("remaining 0 must remove the entry")
	}
	if upd.Status != offer.StatusFullyFilled {
		t.Fatalf("status = %v", upd.Status)
	}
	if _, ok := s.Get("b1"); ok {
		t.Fatal("b1 should be gone")
	}

	if upd, _ := s.PatchFill("nope", 1, 1); upd != nil {
		t.Fatal("unknown id should return nil")
	}
}

func TestSnapshotPrioritySorted(t *testing.T) {
	t.Parallel()
	s := New(10)
	now := time.Now()
	s.Upsert(active("later", now.Add(time.Hour), 100))
	s.Upsert(active("soon", now.Add(time.Minute), 100))
	s.Upsert(active("rich", now.Add(time.Minute), 900))

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d", len(snap))
	}
	if snap[0].ID != "rich" || snap[1].ID != "soon" || snap[2].ID != "later" {
		t.Fatalf("order = %s,%s,%s", snap[0].ID, snap[1].ID, snap[2].ID)
	}

	// Snapshot is a copy, not a view.
	snap[0].FareCents = 1
	if got, _ := s.Get("rich"); got.FareCents != 900 {
		t.Fatal("snapshot mutation leaked into the store")
	}
}

func TestBoundHolds(t *testing.T) {
	t.Parallel()
	s := New(5)
	now := time.Now()
	for i := 0; i < 100; i++ {
		s.Upsert(active(fmt.Sprintf("b%d", i), now.Add(time.Duration(i)*time.Second), 100))
		if s.Len() > 5 {
			t.Fatalf("capacity exceeded: %d", s.Len())
		}
	}
}

func TestExpiredIDs(t *testing.T) {
	t.Parallel()
	s := New(10)
	now := time.Now()
	s.Upsert(active("dead", now.Add(-time.Minute), 100))
	s.Upsert(active("live", now.Add(time.Minute), 100))

	ids := s.ExpiredIDs(now)
	if len(ids) != 1 || ids[0] != "dead" {
		t.Fatalf("ExpiredIDs = %v", ids)
	}
}
