package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"offergate/internal/eventbus"
	"offergate/internal/gate"
	"offergate/internal/offer"
	"offergate/internal/reconcile"
	"offergate/pkg/logx"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	forced int
	res    reconcile.Result
	err    error
}

func (f *fakeBackend) FetchActive(ctx context.Context, force bool, cursor string) (reconcile.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if force {
		f.forced++
	}
	return f.res, f.err
}

func (f *fakeBackend) forcedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

type harness struct {
	svc     *Service
	backend *fakeBackend
	avail   chan gate.Availability
	events  <-chan eventbus.Event
	unsub   func()
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		QueueSize:           64,
		DefaultOfferTimeout: 10 * time.Second,
		Reconcile: reconcile.Config{
			Debounce:    5 * time.Millisecond,
			MinInterval: time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	// An empty incremental result keeps reconcile runs from touching
	// state unless a test sets a real response.
	backend := &fakeBackend{res: reconcile.Result{Partial: true}}
	avail := make(chan gate.Availability, 4)
	svc := New(cfg, Deps{
		Availability: avail,
		Fetcher:      backend,
	}, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	events, unsub := svc.Bus().Subscribe(256)
	t.Cleanup(func() {
		unsub()
		_ = svc.Stop(context.Background())
	})
	return &harness{svc: svc, backend: backend, avail: avail, events: events, unsub: unsub}
}

func (h *harness) goOnline(t *testing.T) {
	t.Helper()
	h.avail <- gate.AvailabilityOnline
	waitFor(t, func() bool {
		return h.svc.FeedState().Availability == gate.AvailabilityOnline
	})
}

func newOfferPayload(id string, version int, fare int64, expiresAt time.Time) []byte {
	trip := map[string]any{
		"id":           id,
		"total_needed": 3,
		"remaining":    3,
		"fare_cents":   fare,
		"event_version": version,
		"status":       "active",
	}
	if !expiresAt.IsZero() {
		trip["expires_at"] = expiresAt.UnixMilli()
	}
	b, _ := json.Marshal(map[string]any{
		"broadcast_id": id,
		"version":      version,
		"trip":         trip,
	})
	return b
}

func fillPayload(id string, version, filled, remaining int) []byte {
	b, _ := json.Marshal(map[string]any{
		"broadcast_id": id,
		"version":      version,
		"filled":       filled,
		"remaining":    remaining,
	})
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func (h *harness) countEvents(typ string) int {
	n := 0
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func TestRoundTripPartialFill(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 1 })
	if fs := h.svc.FeedState(); fs.Offers[0].Status != offer.StatusActive {
		t.Fatalf("status = %s, want active", fs.Offers[0].Status)
	}
	if cur := h.svc.FeedState().Current; cur == nil || cur.ID != "b1" {
		t.Fatal("b1 should be showing")
	}

	h.svc.IngestSocket("broadcast.fill", fillPayload("b1", 2, 2, 1))
	waitFor(t, func() bool {
		fs := h.svc.FeedState()
		return len(fs.Offers) == 1 && fs.Offers[0].Status == offer.StatusPartiallyFilled
	})
	if fs := h.svc.FeedState(); fs.Offers[0].Filled != 2 {
		t.Fatalf("filled = %d, want 2", fs.Offers[0].Filled)
	}

	h.svc.IngestSocket("broadcast.fill", fillPayload("b1", 3, 3, 0))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 0 })
}

func TestDuplicateEnvelopeDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	payload := newOfferPayload("b1", 1, 5000, time.Time{})
	h.svc.IngestSocket("broadcast.new", payload)
	h.svc.IngestPush("broadcast.new", payload)

	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 1 })
	waitFor(t, func() bool { return h.countEvents(eventbus.EventDropped) >= 1 })
}

func TestTombstoneSuppressesResurrection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 1 })

	h.svc.IngestSocket("broadcast.cancelled", fillPayload("b1", 2, 0, 0))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 0 })

	// A delayed "new" for the same id must not resurrect it.
	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 3, 5000, time.Time{}))
	time.Sleep(50 * time.Millisecond)
	if got := len(h.svc.FeedState().Offers); got != 0 {
		t.Fatalf("tombstoned offer resurrected: %d offers", got)
	}
}

func TestAvailabilityBufferingFlushOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	// Availability starts unknown: everything buffers.
	for i := 0; i < 3; i++ {
		h.svc.IngestSocket("broadcast.new", newOfferPayload(fmt.Sprintf("b%d", i), 1, int64(1000*(i+1)), time.Time{}))
	}
	waitFor(t, func() bool { return h.svc.FeedState().PendingCount == 3 })
	if got := len(h.svc.FeedState().Offers); got != 0 {
		t.Fatalf("offers visible while unknown: %d", got)
	}

	h.goOnline(t)
	waitFor(t, func() bool {
		fs := h.svc.FeedState()
		return len(fs.Offers) == 3 && fs.PendingCount == 0
	})
}

func TestAvailabilityOfflineDropsBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	h.svc.IngestSocket("broadcast.new", newOfferPayload("b2", 1, 6000, time.Time{}))
	waitFor(t, func() bool { return h.svc.FeedState().PendingCount == 2 })

	h.avail <- gate.AvailabilityOffline
	waitFor(t, func() bool {
		fs := h.svc.FeedState()
		return fs.Availability == gate.AvailabilityOffline && fs.PendingCount == 0
	})
	if got := len(h.svc.FeedState().Offers); got != 0 {
		t.Fatalf("offline drop leaked offers: %d", got)
	}
}

func TestQueueOverflowDropsOldestAndForcesReconcile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.QueueSize = 5 })
	h.goOnline(t)
	// The online transition schedules its own forced reconcile; let it
	// land before taking the baseline.
	waitFor(t, func() bool { return h.backend.forcedCalls() >= 1 })
	baseForced := h.backend.forcedCalls()

	// Stall the worker so enqueues outrun the drain.
	h.svc.mu.Lock()
	h.svc.IngestSocket("broadcast.new", newOfferPayload("w0", 1, 1000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.ingestCh) == 0 }) // worker holds w0, blocked on mu
	for i := 1; i <= 5; i++ {
		h.svc.IngestSocket("broadcast.new", newOfferPayload(fmt.Sprintf("w%d", i), 1, 1000, time.Time{}))
	}
	// Sixth distinct id overflows: exactly one backpressure drop.
	h.svc.IngestSocket("broadcast.new", newOfferPayload("w6", 1, 1000, time.Time{}))
	h.svc.mu.Unlock()

	// w1 was displaced; w0 plus w2..w6 survive.
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 6 })
	if got := h.countEvents(eventbus.EventBackpressureDrop); got != 1 {
		t.Fatalf("backpressure drops = %d, want 1", got)
	}
	waitFor(t, func() bool { return h.backend.forcedCalls() > baseForced })
}

func TestExpiryPromotesBacklog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.DefaultOfferTimeout = 300 * time.Millisecond })
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("first", 1, 1000, time.Time{}))
	waitFor(t, func() bool {
		cur := h.svc.FeedState().Current
		return cur != nil && cur.ID == "first"
	})
	// Space the second arrival out so its deadline clearly outlives the
	// first offer's countdown.
	time.Sleep(150 * time.Millisecond)
	h.svc.IngestSocket("broadcast.new", newOfferPayload("second", 1, 2000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 2 })

	// No action: the countdown expires and the backlog item takes over.
	waitFor(t, func() bool {
		cur := h.svc.FeedState().Current
		return cur != nil && cur.ID == "second"
	})
	waitFor(t, func() bool { return h.countEvents(eventbus.EventOverlayExpired) >= 1 })
	if got := len(h.svc.FeedState().Offers); got != 1 {
		t.Fatalf("expired offer still in feed: %d offers", got)
	}
}

func TestAcceptRemovesEverywhere(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	h.svc.IngestSocket("broadcast.new", newOfferPayload("b2", 1, 4000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 2 })

	if !h.svc.AcceptCurrent() {
		t.Fatal("nothing was showing")
	}
	fs := h.svc.FeedState()
	if len(fs.Offers) != 1 || fs.Offers[0].ID != "b2" {
		t.Fatalf("offers after accept = %+v", fs.Offers)
	}
	if fs.Current == nil || fs.Current.ID != "b2" {
		t.Fatal("backlog entry not promoted after accept")
	}
	if h.svc.AcceptCurrent() && h.svc.AcceptCurrent() {
		t.Fatal("accept on empty slot should report false")
	}
}

func TestReconcileAppliesDiffAtomically(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("stale", 1, 1000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 1 })

	h.backend.mu.Lock()
	h.backend.res = reconcile.Result{Offers: []offer.Offer{
		{ID: "fresh", EventVersion: 1, Status: offer.StatusActive, Remaining: 1, TotalNeeded: 1},
	}}
	h.backend.mu.Unlock()

	h.svc.RequestReconcile(true)
	waitFor(t, func() bool {
		fs := h.svc.FeedState()
		return len(fs.Offers) == 1 && fs.Offers[0].ID == "fresh"
	})
}

func TestStopIsIdempotentAndQuiesces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 1 })

	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Ingest after stop must not fire into state.
	h.svc.IngestSocket("broadcast.new", newOfferPayload("b2", 1, 5000, time.Time{}))
	time.Sleep(30 * time.Millisecond)
	if got := len(h.svc.FeedState().Offers); got != 0 {
		t.Fatalf("state mutated after stop: %d offers", got)
	}
}

func TestSubscribeFeedLatestWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	ch, cancel := h.svc.SubscribeFeed(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		h.svc.IngestSocket("broadcast.new", newOfferPayload(fmt.Sprintf("b%d", i), 1, 1000, time.Time{}))
	}
	waitFor(t, func() bool { return len(h.svc.FeedState().Offers) == 5 })

	var last FeedState
	got := false
	for {
		select {
		case fs := <-ch:
			last, got = fs, true
			continue
		default:
		}
		break
	}
	if !got {
		t.Fatal("no feed snapshots delivered")
	}
	if len(last.Offers) == 0 {
		t.Fatal("latest snapshot should carry offers")
	}
}

func TestVersionedUpdateOfShownOfferThenAccept(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.goOnline(t)

	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	waitFor(t, func() bool {
		cur := h.svc.FeedState().Current
		return cur != nil && cur.ID == "b1"
	})

	// A higher-version "new" for the shown offer is a true update, not a
	// duplicate: it must replace the entry in place, never backlog a
	// second copy.
	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 2, 6000, time.Time{}))
	waitFor(t, func() bool {
		fs := h.svc.FeedState()
		return len(fs.Offers) == 1 && fs.Offers[0].EventVersion == 2
	})
	if cur := h.svc.FeedState().Current; cur == nil || cur.EventVersion != 2 {
		t.Fatalf("shown entry not updated in place: %+v", cur)
	}

	if !h.svc.AcceptCurrent() {
		t.Fatal("nothing was showing")
	}
	fs := h.svc.FeedState()
	if len(fs.Offers) != 0 {
		t.Fatalf("offers after accept = %+v", fs.Offers)
	}
	if fs.Current != nil {
		t.Fatalf("accepted offer re-shown: %q", fs.Current.ID)
	}
	// Give any stray promotion a chance to fire before re-checking.
	time.Sleep(50 * time.Millisecond)
	if cur := h.svc.FeedState().Current; cur != nil {
		t.Fatalf("accepted offer re-shown after settle: %q", cur.ID)
	}
}

func TestAvailabilityTransitionAlonePublishesFeed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	ch, cancel := h.svc.SubscribeFeed(1)
	defer cancel()

	// Empty buffer: the transition mutates nothing in the store but is
	// still part of the observable snapshot.
	h.avail <- gate.AvailabilityOnline
	waitFor(t, func() bool {
		select {
		case fs := <-ch:
			return fs.Availability == gate.AvailabilityOnline
		default:
			return false
		}
	})
}

func TestReconcileAddCollapsesBufferedDuplicate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	// Availability unknown: b1 sits in the startup buffer.
	h.svc.IngestSocket("broadcast.new", newOfferPayload("b1", 1, 5000, time.Time{}))
	waitFor(t, func() bool { return h.svc.FeedState().PendingCount == 1 })

	h.backend.mu.Lock()
	h.backend.res = reconcile.Result{Offers: []offer.Offer{
		{ID: "b1", EventVersion: 2, Status: offer.StatusActive, Remaining: 3, TotalNeeded: 3},
	}}
	h.backend.mu.Unlock()

	h.svc.RequestReconcile(true)
	waitFor(t, func() bool {
		fs := h.svc.FeedState()
		return len(fs.Offers) == 1 && fs.PendingCount == 0
	})
	if fs := h.svc.FeedState(); fs.Offers[0].EventVersion != 2 {
		t.Fatalf("store kept stale copy: %+v", fs.Offers[0])
	}
}
