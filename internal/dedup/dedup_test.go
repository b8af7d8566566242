package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestSetIdempotentAdd(t *testing.T) {
	t.Parallel()
	s := NewSet(8)
	if !s.Add("new|b1|v0") {
		t.Fatal("first add should be new")
	}
	for i := 0; i < 5; i++ {
		if s.Add("new|b1|v0") {
			t.Fatal("repeated add should be duplicate")
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestSetDistinctVersionsNotDuplicates(t *testing.T) {
	t.Parallel()
	s := NewSet(8)
	if !s.Add("new|b1|1") || !s.Add("new|b1|2") {
		t.Fatal("distinct version keys must both be admitted")
	}
}

func TestSetCapacityBound(t *testing.T) {
	t.Parallel()
	s := NewSet(4)
	for i := 0; i < 50; i++ {
		s.Add(fmt.Sprintf("new|b%d|v0", i))
		if s.Len() > 4 {
			t.Fatalf("capacity exceeded: %d", s.Len())
		}
	}
	// Oldest evicted: the very first key is admitted again as new.
	if !s.Add("new|b0|v0") {
		t.Fatal("evicted key should be admitted as new")
	}
}

func TestSetLRUTouchOnDuplicate(t *testing.T) {
	t.Parallel()
	s := NewSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("a") // refresh a
	s.Add("c") // should evict b, not a
	if s.Add("a") {
		t.Fatal("a should still be present")
	}
	if !s.Add("b") {
		t.Fatal("b should have been evicted")
	}
}

func TestTombstoneSuppression(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ts := NewTombstones(time.Minute, 32)
	ts.Record("b1", "3", now)

	if !ts.Suppressed("b1", "3", now.Add(time.Second)) {
		t.Fatal("exact version should be suppressed")
	}
	if !ts.Suppressed("b1", "", now.Add(time.Second)) {
		t.Fatal("versionless payload should hit the unversioned fallback")
	}
	if !ts.Suppressed("b1", "9", now.Add(time.Second)) {
		t.Fatal("other versions fall back to the bare id key")
	}
	if ts.Suppressed("b2", "", now) {
		t.Fatal("unrelated id should not be suppressed")
	}
}

func TestTombstoneTTLLapse(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ts := NewTombstones(time.Minute, 32)
	ts.Record("b1", "", now)

	if !ts.Suppressed("b1", "", now.Add(59*time.Second)) {
		t.Fatal("still inside TTL")
	}
	if ts.Suppressed("b1", "", now.Add(61*time.Second)) {
		t.Fatal("tombstone should lapse after TTL")
	}
	if ts.Len() != 0 {
		t.Fatalf("lazy prune should have emptied the map, Len = %d", ts.Len())
	}
}

func TestTombstoneCapacityBound(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ts := NewTombstones(time.Hour, 10)
	for i := 0; i < 100; i++ {
		ts.Record(fmt.Sprintf("b%d", i), "", now.Add(time.Duration(i)*time.Millisecond))
		if ts.Len() > 10 {
			t.Fatalf("capacity exceeded: %d", ts.Len())
		}
	}
	// Newest survives, oldest evicted.
	if !ts.Suppressed("b99", "", now.Add(time.Second)) {
		t.Fatal("newest tombstone must survive eviction")
	}
	if ts.Suppressed("b0", "", now.Add(time.Second)) {
		t.Fatal("oldest tombstone should have been evicted")
	}
}

func TestTombstoneRerecordSurvivesStaleQueueEntry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ts := NewTombstones(10*time.Second, 32)
	ts.Record("b1", "", now)
	ts.Record("b1", "", now.Add(8*time.Second))

	// First queue entry expires, but the re-record must keep the key alive.
	if !ts.Suppressed("b1", "", now.Add(15*time.Second)) {
		t.Fatal("re-recorded tombstone should survive the stale queue entry")
	}
}
