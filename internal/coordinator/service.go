// Package coordinator is the composition root of the engine: it owns
// the bounded ingress queue, the single worker that applies envelopes
// to state, the presentation timers, and the reconciliation hooks.
//
// Concurrency model: one writer. The worker goroutine, the timer
// callbacks, and the reconcile apply hook all take the coordinator
// mutex before touching the dedup set, tombstones, gate, store, or
// overlay queue; producers only enqueue envelopes or read snapshots.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"offergate/internal/dedup"
	"offergate/internal/eventbus"
	"offergate/internal/gate"
	"offergate/internal/ingress"
	"offergate/internal/journal"
	"offergate/internal/overlay"
	"offergate/internal/reconcile"
	"offergate/internal/store"
	"offergate/internal/telemetry"
	"offergate/pkg/logx"
)

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	sink telemetry.Sink
	bus  eventbus.Bus

	engine   *reconcile.Engine
	periodic *reconcile.Periodic

	// mu is the single writer lock; everything below it is only touched
	// while holding it.
	mu        sync.Mutex
	stopped   bool
	dedup     *dedup.Set
	tombs     *dedup.Tombstones
	gate      *gate.Gate
	store     *store.Store
	queue     *overlay.Queue
	lastDelta StateDelta
	updatedAt time.Time

	// lastServerTime/lastServerAt pin the most recent backend clock
	// sample to the local clock for skew estimation.
	lastServerTime time.Time
	lastServerAt   time.Time

	expiryTimer *time.Timer
	graceTimer  *time.Timer

	feedMu   sync.Mutex
	feedSubs map[uint64]chan FeedState
	feedSeq  atomic.Uint64

	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	ingestCh chan ingress.Envelope
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Nop{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		sink:     deps.Sink,
		bus:      deps.Bus,
		dedup:    dedup.NewSet(cfg.DedupSize),
		tombs:    dedup.NewTombstones(cfg.TombstoneTTL, cfg.TombstoneSize),
		gate:     gate.New(cfg.BufferSize, cfg.BufferTTL),
		store:    store.New(cfg.MaxActive),
		queue:    overlay.NewQueue(cfg.BacklogSize),
		feedSubs: map[uint64]chan FeedState{},
	}
	s.engine = reconcile.New(cfg.Reconcile, deps.Fetcher, reconcile.Hooks{
		Snapshot:  s.reconcileSnapshot,
		Apply:     s.reconcileApply,
		OnFailure: s.reconcileFailed,
	}, deps.Sink, log)
	s.periodic = reconcile.NewPeriodic(s.engine, log)
	return s
}

// Bus exposes the diagnostic event stream.
func (s *Service) Bus() eventbus.Bus { return s.bus }

// Start spins up the worker and the reconciliation engine. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ingestCh = make(chan ingress.Envelope, s.cfg.QueueSize)

	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()

	s.engine.Start(runCtx)
	if err := s.periodic.Start(s.cfg.PeriodicSpec); err != nil {
		s.engine.Stop()
		cancel()
		return err
	}

	s.wg.Add(1)
	go s.worker(runCtx)

	s.running = true
	s.log.Info("coordinator started",
		logx.Int("queue_size", s.cfg.QueueSize),
		logx.Int("max_active", s.cfg.MaxActive))
	return nil
}

// Stop cancels the worker and all timers, drains the ingress queue
// without processing it, and resets every bounded structure. Leftover
// queued work never fires into state afterwards. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.periodic.Stop()
	s.engine.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.stopped = true
	s.stopTimersLocked()
	s.dedup.Reset()
	s.tombs.Reset()
	s.gate.Reset()
	s.store.Reset()
	s.queue.Reset()
	s.lastDelta = StateDelta{}
	s.mu.Unlock()

	// Drain, not process.
	drained := 0
	for {
		select {
		case <-s.ingestCh:
			drained++
		default:
			s.log.Info("coordinator stopped", logx.Int("drained", drained))
			return nil
		}
	}
}

// IngestSocket feeds one raw socket event into the pipeline.
func (s *Service) IngestSocket(rawEvent string, payload []byte) {
	s.enqueue(ingress.Normalize(ingress.SourceSocket, rawEvent, payload, time.Now()))
}

// IngestPush feeds one background-push payload into the pipeline.
func (s *Service) IngestPush(rawEvent string, payload []byte) {
	s.enqueue(ingress.Normalize(ingress.SourcePush, rawEvent, payload, time.Now()))
}

// IngestNotificationOpen resolves a tapped-notification id into a full
// offer, then ingests it. The lookup happens before enqueue so the
// worker never waits on the network. A failed lookup schedules a forced
// reconcile: the offer, if still live, will come back via resync.
func (s *Service) IngestNotificationOpen(ctx context.Context, id string) error {
	if s.deps.ByID == nil || id == "" {
		s.engine.Request(true)
		return nil
	}
	start := time.Now()
	o, err := s.deps.ByID.FetchByID(ctx, id)
	s.sink.RecordLatency("notification.fetch", time.Since(start))
	if err != nil {
		s.log.Warn("notification-open fetch failed", logx.String("offer_id", id), logx.Err(err))
		s.sink.Record(telemetry.StageIngress, telemetry.StatusFailed, "notification_fetch_error", nil)
		s.engine.Request(true)
		return err
	}
	s.enqueue(ingress.FromOffer(ingress.SourceNotification, "notification.open", o, time.Now()))
	return nil
}

// RequestReconcile schedules a reconciliation run.
func (s *Service) RequestReconcile(force bool) {
	s.bus.Publish(eventbus.Event{Type: eventbus.EventReconcileRequested})
	s.engine.Request(force)
}

// AcceptCurrent resolves the shown offer as accepted.
func (s *Service) AcceptCurrent() bool {
	return s.resolveCurrent(overlay.OutcomeAccepted, eventbus.EventOverlayAccepted)
}

// RejectCurrent resolves the shown offer as rejected.
func (s *Service) RejectCurrent() bool {
	return s.resolveCurrent(overlay.OutcomeRejected, eventbus.EventOverlayRejected)
}

// DismissCurrent resolves the shown offer as dismissed.
func (s *Service) DismissCurrent() bool {
	return s.resolveCurrent(overlay.OutcomeDismissed, eventbus.EventOverlayDismissed)
}

// FeedState returns a consistent snapshot of the observable state.
func (s *Service) FeedState() FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedStateLocked()
}

// SubscribeFeed returns a latest-wins feed channel: a slow subscriber
// loses its oldest queued snapshot, never the newest. The returned
// cancel func is safe to call more than once.
func (s *Service) SubscribeFeed(buffer int) (<-chan FeedState, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan FeedState, buffer)
	id := s.feedSeq.Add(1)

	s.feedMu.Lock()
	s.feedSubs[id] = ch
	s.feedMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.feedMu.Lock()
			delete(s.feedSubs, id)
			s.feedMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Service) feedStateLocked() FeedState {
	fs := FeedState{
		Offers:       s.store.Snapshot(),
		PendingCount: s.gate.Buffered(),
		Availability: s.gate.Availability(),
		Reconciling:  s.engine.Reconciling(),
		UpdatedAt:    s.updatedAt,
		LastDelta:    s.lastDelta,
	}
	if cur := s.queue.Current(); cur != nil {
		o := cur.Offer
		fs.Current = &o
	}
	return fs
}

// publishFeedLocked commits a delta and fans the new snapshot out.
// Called with s.mu held.
func (s *Service) publishFeedLocked(d StateDelta) {
	s.lastDelta = d
	s.updatedAt = time.Now()
	fs := s.feedStateLocked()

	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for _, ch := range s.feedSubs {
		select {
		case ch <- fs:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- fs:
		default:
		}
	}
}

func (s *Service) stopTimersLocked() {
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// audit writes one journal entry, when a journal is configured.
// Journal failures degrade to a debug log; they never affect the
// pipeline.
func (s *Service) audit(e journal.Entry) {
	if s.deps.Journal == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := s.deps.Journal.Append(context.Background(), e); err != nil {
		s.log.Debug("journal append failed", logx.Err(err))
	}
}
