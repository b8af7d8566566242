package gate

import (
	"fmt"
	"testing"
	"time"

	"offergate/internal/ingress"
)

func env(id string, at time.Time) ingress.Envelope {
	return ingress.Envelope{ID: id, ReceivedAt: at}
}

func TestDecidePerAvailability(t *testing.T) {
	t.Parallel()
	g := New(8, time.Minute)

	if d, reason := g.Decide(); d != DecideBuffer || reason != "availability_unknown" {
		t.Fatalf("unknown: %v %q", d, reason)
	}

	g.SetAvailability(AvailabilityOnline, time.Now())
	if d, _ := g.Decide(); d != DecideShow {
		t.Fatalf("online: %v", d)
	}

	g.SetAvailability(AvailabilityOffline, time.Now())
	if d, reason := g.Decide(); d != DecideDrop || reason != "availability_offline" {
		t.Fatalf("offline: %v %q", d, reason)
	}
}

func TestFlushPreservesArrivalOrder(t *testing.T) {
	t.Parallel()
	now := time.Now()
	g := New(8, time.Minute)
	for i := 0; i < 5; i++ {
		g.Push(env(fmt.Sprintf("b%d", i), now.Add(time.Duration(i)*time.Second)), now.Add(time.Duration(i)*time.Second))
	}

	tr := g.SetAvailability(AvailabilityOnline, now.Add(10*time.Second))
	if len(tr.Flush) != 5 || len(tr.Dropped) != 0 {
		t.Fatalf("flush=%d dropped=%d", len(tr.Flush), len(tr.Dropped))
	}
	for i, e := range tr.Flush {
		if e.ID != fmt.Sprintf("b%d", i) {
			t.Fatalf("order broken at %d: %s", i, e.ID)
		}
	}
	if g.Buffered() != 0 {
		t.Fatal("buffer should be empty after flush")
	}
}

func TestFlushDropsStaleEntries(t *testing.T) {
	t.Parallel()
	now := time.Now()
	g := New(8, 10*time.Second)
	g.Push(env("old", now), now)
	g.Push(env("new", now.Add(15*time.Second)), now.Add(15*time.Second))

	tr := g.SetAvailability(AvailabilityOnline, now.Add(21*time.Second))
	if len(tr.Flush) != 1 || tr.Flush[0].ID != "new" {
		t.Fatalf("flush = %v", tr.Flush)
	}
	if len(tr.Dropped) != 1 || tr.Dropped[0].ID != "old" {
		t.Fatalf("dropped = %v", tr.Dropped)
	}
	if tr.DropReason != "buffer_ttl_expired" {
		t.Fatalf("reason = %q", tr.DropReason)
	}
}

func TestOfflineDiscardsBuffer(t *testing.T) {
	t.Parallel()
	now := time.Now()
	g := New(8, time.Minute)
	for i := 0; i < 3; i++ {
		g.Push(env(fmt.Sprintf("b%d", i), now), now)
	}

	tr := g.SetAvailability(AvailabilityOffline, now)
	if len(tr.Flush) != 0 {
		t.Fatal("offline must not flush")
	}
	if len(tr.Dropped) != 3 || tr.DropReason != "availability_offline" {
		t.Fatalf("dropped=%d reason=%q", len(tr.Dropped), tr.DropReason)
	}
	if g.Buffered() != 0 {
		t.Fatal("buffer should be empty")
	}
}

func TestBufferCapacityDisplacesOldest(t *testing.T) {
	t.Parallel()
	now := time.Now()
	g := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if ev := g.Push(env(fmt.Sprintf("b%d", i), now), now); ev != nil {
			t.Fatal("no eviction expected below capacity")
		}
	}
	ev := g.Push(env("b3", now), now)
	if ev == nil || ev.ID != "b0" {
		t.Fatalf("evicted = %v, want b0", ev)
	}
	if g.Buffered() != 3 {
		t.Fatalf("Buffered = %d", g.Buffered())
	}
}

func TestNoopTransition(t *testing.T) {
	t.Parallel()
	g := New(8, time.Minute)
	g.Push(env("b1", time.Now()), time.Now())
	tr := g.SetAvailability(AvailabilityUnknown, time.Now())
	if len(tr.Flush) != 0 || len(tr.Dropped) != 0 || g.Buffered() != 1 {
		t.Fatal("same-state transition must not touch the buffer")
	}
}
