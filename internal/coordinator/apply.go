package coordinator

import (
	"context"
	"runtime/debug"
	"time"

	"offergate/internal/eventbus"
	"offergate/internal/gate"
	"offergate/internal/ingress"
	"offergate/internal/journal"
	"offergate/internal/offer"
	"offergate/internal/overlay"
	"offergate/internal/reconcile"
	"offergate/internal/telemetry"
	"offergate/pkg/logx"
)

// Drop reasons reported through telemetry, the event bus, and the
// journal.
const (
	reasonUnparseable    = "unparseable_payload"
	reasonDuplicate      = "duplicate_id"
	reasonTombstoned     = "tombstone_suppressed"
	reasonMissingPayload = "payload_fetch_required"
	reasonBackpressure   = "queue_backpressure"
	reasonBufferCapacity = "buffer_capacity"
	reasonUnknownEvent   = "unknown_event"
)

// enqueue admits env into the bounded ingress queue with drop-oldest
// overflow: the newest arrival always wins admission, the displaced
// oldest is reported and a forced reconcile recovers whatever was lost
// under load.
func (s *Service) enqueue(env ingress.Envelope) {
	s.runMu.Lock()
	running := s.running
	ch := s.ingestCh
	s.runMu.Unlock()
	if !running {
		return
	}

	for {
		select {
		case ch <- env:
			return
		default:
		}
		select {
		case old := <-ch:
			s.log.Warn("ingress queue overflow; dropping oldest",
				logx.String("offer_id", old.ID), logx.String("source", string(old.Source)))
			s.sink.Record(telemetry.StageQueue, telemetry.StatusDropped, reasonBackpressure,
				map[string]string{"offer_id": old.ID})
			s.bus.Publish(eventbus.Event{Type: eventbus.EventBackpressureDrop, OfferID: old.ID, Reason: reasonBackpressure})
			s.audit(journal.Entry{Stage: telemetry.StageQueue, Status: telemetry.StatusDropped,
				Reason: reasonBackpressure, OfferID: old.ID, Source: string(old.Source)})
			s.engine.Request(true)
		default:
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	avCh := s.deps.Availability
	ch := s.ingestCh
	for {
		// Fast exit so a full queue cannot outcompete cancellation.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case env := <-ch:
			s.apply(env)
		case av, ok := <-avCh:
			if !ok {
				avCh = nil
				continue
			}
			s.applyAvailability(av)
		}
	}
}

// apply runs one envelope through the full pipeline under the writer
// lock. A panic is contained to this envelope; the worker loop
// continues with the next item.
func (s *Service) apply(env ingress.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("envelope apply panicked",
				logx.Any("panic", r), logx.String("offer_id", env.ID),
				logx.Stack(string(debug.Stack())))
			s.sink.Record(telemetry.StageIngress, telemetry.StatusFailed, "panic",
				map[string]string{"offer_id": env.ID})
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	var d StateDelta
	s.applyLocked(env, &d)
	if !d.Empty() {
		s.publishFeedLocked(d)
	}
}

func (s *Service) applyLocked(env ingress.Envelope, d *StateDelta) {
	now := env.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	if !env.ServerTime.IsZero() {
		s.lastServerTime = env.ServerTime
		s.lastServerAt = now
	}
	for _, w := range env.Warnings {
		s.log.Debug("ingress warning", logx.String("offer_id", env.ID),
			logx.String("event", env.RawEvent), logx.String("warning", w))
	}

	if env.ID == "" {
		s.dropLocked(env, reasonUnparseable)
		return
	}

	// Buffer replays already passed the dedup set on first arrival.
	if env.Source != ingress.SourceReplay && !s.dedup.Add(env.DedupKey()) {
		s.dropLocked(env, reasonDuplicate)
		return
	}

	switch env.Class {
	case offer.ClassCancel, offer.ClassExpire:
		s.terminateLocked(env, now, d)
	case offer.ClassPartial:
		s.patchLocked(env, d)
	case offer.ClassNew:
		s.admitLocked(env, now, d)
	default:
		switch {
		case env.Fill != nil:
			s.patchLocked(env, d)
		case env.Offer != nil:
			s.admitLocked(env, now, d)
		default:
			s.dropLocked(env, reasonUnknownEvent)
		}
	}
}

// terminateLocked handles cancel/expire: tombstone the id, then remove
// it from every structure it could live in. A cancellation of the
// currently shown offer holds the slot in a grace window first.
func (s *Service) terminateLocked(env ingress.Envelope, now time.Time, d *StateDelta) {
	s.tombs.Record(env.ID, env.Version, now)
	s.gate.Remove(env.ID)

	if removed := s.store.Remove(env.ID); removed != nil {
		d.RemovedIDs = append(d.RemovedIDs, env.ID)
	}

	if s.queue.CurrentID() == env.ID && env.Class == offer.ClassCancel {
		if cur := s.queue.BeginGrace(env.ID); cur != nil {
			s.rescheduleExpiryLocked()
			s.armGraceLocked()
			s.bus.Publish(eventbus.Event{Type: eventbus.EventOverlayDismissed, OfferID: env.ID, Reason: "cancelled"})
		}
	} else {
		wasCurrent, _, next, expired := s.queue.Remove(env.ID, now)
		s.retireExpiredLocked(expired, d)
		if wasCurrent {
			s.shownLocked(next)
		}
	}

	s.sink.Record(telemetry.StageStore, telemetry.StatusHandled, string(env.Class),
		map[string]string{"offer_id": env.ID})
	s.audit(journal.Entry{Stage: telemetry.StageStore, Status: telemetry.StatusHandled,
		Reason: string(env.Class), OfferID: env.ID, Source: string(env.Source)})
}

// patchLocked applies a lightweight fulfillment delta. Driving
// remaining to zero removes the offer everywhere.
func (s *Service) patchLocked(env ingress.Envelope, d *StateDelta) {
	if env.Fill == nil {
		s.dropLocked(env, reasonUnknownEvent)
		return
	}
	updated, removed := s.store.PatchFill(env.ID, env.Fill.Filled, env.Fill.Remaining)
	if updated == nil {
		// Unknown id: the full offer will arrive via reconcile if live.
		s.dropLocked(env, reasonMissingPayload)
		s.engine.Request(false)
		return
	}
	if removed {
		d.RemovedIDs = append(d.RemovedIDs, env.ID)
		s.tombs.Record(env.ID, env.Version, time.Now())
		s.removeFromPresentationLocked(env.ID, d)
	} else {
		d.Updated = append(d.Updated, *updated)
	}
	s.sink.Record(telemetry.StageStore, telemetry.StatusHandled, "partial_fill",
		map[string]string{"offer_id": env.ID})
}

// admitLocked runs a new offer through tombstone check, availability
// gate, state store, and presentation.
func (s *Service) admitLocked(env ingress.Envelope, now time.Time, d *StateDelta) {
	if s.tombs.Suppressed(env.ID, env.Version, now) {
		s.dropLocked(env, reasonTombstoned)
		return
	}

	decision, reason := s.gate.Decide()
	switch decision {
	case gate.DecideDrop:
		s.dropLocked(env, reason)
		return
	case gate.DecideBuffer:
		if displaced := s.gate.Push(env, now); displaced != nil {
			s.dropLocked(*displaced, reasonBufferCapacity)
		}
		s.sink.Record(telemetry.StageGate, telemetry.StatusHandled, "buffered",
			map[string]string{"offer_id": env.ID})
		return
	}

	if env.Offer == nil {
		// Identity known, payload absent; resync fills the gap.
		s.dropLocked(env, reasonMissingPayload)
		s.engine.Request(false)
		return
	}

	o := *env.Offer
	prev, evicted := s.store.Upsert(o)
	if evicted != nil {
		s.sink.Record(telemetry.StageStore, telemetry.StatusEvicted, "capacity",
			map[string]string{"offer_id": evicted.ID})
		s.audit(journal.Entry{Stage: telemetry.StageStore, Status: telemetry.StatusEvicted,
			Reason: "capacity", OfferID: evicted.ID})
		d.RemovedIDs = append(d.RemovedIDs, evicted.ID)
		s.removeFromPresentationLocked(evicted.ID, d)
	}
	if prev != nil {
		d.Updated = append(d.Updated, o)
	} else {
		d.Added = append(d.Added, o)
	}

	shown := s.presentLocked(o, now)

	s.sink.Record(telemetry.StageIngress, telemetry.StatusHandled, string(env.Source),
		map[string]string{"offer_id": env.ID})
	s.bus.Publish(eventbus.Event{Type: eventbus.EventIngested, OfferID: env.ID, Reason: string(env.Source)})

	// Opportunistic resync after a successfully displayed offer.
	if shown {
		s.engine.Request(false)
	}
}

// presentLocked places o into the overlay. An id already showing or
// backlogged is updated in place so one offer never occupies two
// presentation slots. Reports whether o took the empty slot.
func (s *Service) presentLocked(o offer.Offer, now time.Time) bool {
	expiresAt := overlay.ComputeExpiry(o, now, s.serverNowFor(now), s.cfg.SkewTolerance, s.cfg.DefaultOfferTimeout)
	entry := overlay.Entry{Offer: o, ReceivedAt: now, ExpiresAt: expiresAt}

	if isCurrent, found := s.queue.Update(entry); found {
		if isCurrent {
			s.rescheduleExpiryLocked()
		}
		return false
	}

	shown, dropped := s.queue.Add(entry)
	if dropped != nil {
		// Presentation-only drop; the offer stays in the feed.
		s.sink.Record(telemetry.StageOverlay, telemetry.StatusDropped, "backlog_capacity",
			map[string]string{"offer_id": dropped.Offer.ID})
		s.bus.Publish(eventbus.Event{Type: eventbus.EventDropped, OfferID: dropped.Offer.ID, Reason: "backlog_capacity"})
	}
	if shown {
		s.shownLocked(s.queue.Current())
	}
	return shown
}

func (s *Service) dropLocked(env ingress.Envelope, reason string) {
	s.log.Debug("envelope dropped", logx.String("offer_id", env.ID),
		logx.String("event", env.RawEvent), logx.String("reason", reason))
	s.sink.Record(telemetry.StageIngress, telemetry.StatusDropped, reason,
		map[string]string{"offer_id": env.ID, "source": string(env.Source)})
	s.bus.Publish(eventbus.Event{Type: eventbus.EventDropped, OfferID: env.ID, Reason: reason})
	s.audit(journal.Entry{Stage: telemetry.StageIngress, Status: telemetry.StatusDropped,
		Reason: reason, OfferID: env.ID, Source: string(env.Source)})
}

// applyAvailability applies one availability transition atomically:
// no envelope is ever gated against a stale value, and buffered
// envelopes replay through the same pipeline in arrival order.
func (s *Service) applyAvailability(av gate.Availability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	now := time.Now()
	tr := s.gate.SetAvailability(av, now)
	if tr.From == tr.To {
		return
	}
	s.log.Info("availability changed",
		logx.String("from", tr.From.String()), logx.String("to", tr.To.String()),
		logx.Int("flush", len(tr.Flush)), logx.Int("dropped", len(tr.Dropped)))
	s.bus.Publish(eventbus.Event{Type: eventbus.EventAvailability, Reason: av.String()})

	var d StateDelta
	for _, env := range tr.Dropped {
		s.dropLocked(env, tr.DropReason)
	}
	for _, env := range tr.Flush {
		env.Source = ingress.SourceReplay
		s.applyLocked(env, &d)
	}
	if av == gate.AvailabilityOnline {
		s.engine.Request(true)
	}
	// Availability is part of the observable snapshot; publish even when
	// the replay produced no store mutation.
	s.publishFeedLocked(d)
}

// resolveCurrent backs AcceptCurrent/RejectCurrent/DismissCurrent:
// remove the shown offer everywhere, promote the next backlog entry.
func (s *Service) resolveCurrent(outcome overlay.Outcome, eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	now := time.Now()
	id := s.queue.CurrentID()
	if id == "" {
		return false
	}
	// Remove everywhere: clear any backlogged copy of the same id
	// before promotion so a superseded duplicate can never re-show.
	s.queue.PurgeBacklog(id)
	resolved, next, expired := s.queue.Resolve(outcome, now)
	if resolved == nil {
		return false
	}

	var d StateDelta
	if removed := s.store.Remove(id); removed != nil {
		d.RemovedIDs = append(d.RemovedIDs, id)
	}
	s.gate.Remove(id)
	if outcome == overlay.OutcomeAccepted || outcome == overlay.OutcomeRejected {
		s.tombs.Record(id, "", now)
	}

	s.retireExpiredLocked(expired, &d)
	s.shownLocked(next)

	s.sink.Record(telemetry.StageOverlay, telemetry.StatusHandled, string(outcome),
		map[string]string{"offer_id": id})
	s.bus.Publish(eventbus.Event{Type: eventType, OfferID: id, Reason: string(outcome)})
	s.audit(journal.Entry{Stage: telemetry.StageOverlay, Status: telemetry.StatusHandled,
		Reason: string(outcome), OfferID: id})

	if !d.Empty() {
		s.publishFeedLocked(d)
	}
	return true
}

// removeFromPresentationLocked takes id out of the overlay (slot and
// backlog) after a store-side removal.
func (s *Service) removeFromPresentationLocked(id string, d *StateDelta) {
	wasCurrent, _, next, expired := s.queue.Remove(id, time.Now())
	s.retireExpiredLocked(expired, d)
	if wasCurrent {
		s.shownLocked(next)
	}
}

// retireExpiredLocked finishes backlog entries whose deadline passed
// while queued: they leave the store and the feed like any other
// expiry.
func (s *Service) retireExpiredLocked(expired []overlay.Entry, d *StateDelta) {
	now := time.Now()
	for _, e := range expired {
		id := e.Offer.ID
		if removed := s.store.Remove(id); removed != nil {
			d.RemovedIDs = append(d.RemovedIDs, id)
		}
		s.tombs.Record(id, "", now)
		s.sink.Record(telemetry.StageOverlay, telemetry.StatusDropped, "expired",
			map[string]string{"offer_id": id})
		s.bus.Publish(eventbus.Event{Type: eventbus.EventOverlayExpired, OfferID: id, Reason: "backlog_expired"})
	}
}

// shownLocked records a slot change (next may be nil) and re-arms the
// countdown timer for the new occupant.
func (s *Service) shownLocked(next *overlay.Entry) {
	s.rescheduleExpiryLocked()
	if next != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventOverlayShown, OfferID: next.Offer.ID})
		s.sink.Record(telemetry.StageOverlay, telemetry.StatusHandled, "shown",
			map[string]string{"offer_id": next.Offer.ID})
	}
}

// rescheduleExpiryLocked keeps exactly one countdown timer alive,
// tracking the current slot occupant.
func (s *Service) rescheduleExpiryLocked() {
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	cur := s.queue.Current()
	if cur == nil {
		return
	}
	id := cur.Offer.ID
	delay := time.Until(cur.ExpiresAt)
	if delay < 0 {
		delay = 0
	}
	s.expiryTimer = time.AfterFunc(delay, func() { s.onExpiry(id) })
}

func (s *Service) onExpiry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.queue.CurrentID() != id {
		return
	}
	now := time.Now()
	s.queue.PurgeBacklog(id)
	resolved, next, expired := s.queue.Resolve(overlay.OutcomeExpired, now)
	if resolved == nil {
		return
	}

	var d StateDelta
	if removed := s.store.Remove(id); removed != nil {
		d.RemovedIDs = append(d.RemovedIDs, id)
	}
	s.tombs.Record(id, "", now)
	s.retireExpiredLocked(expired, &d)
	s.shownLocked(next)

	s.sink.Record(telemetry.StageOverlay, telemetry.StatusHandled, "expired",
		map[string]string{"offer_id": id})
	s.bus.Publish(eventbus.Event{Type: eventbus.EventOverlayExpired, OfferID: id})
	s.audit(journal.Entry{Stage: telemetry.StageOverlay, Status: telemetry.StatusHandled,
		Reason: "expired", OfferID: id})

	if !d.Empty() {
		s.publishFeedLocked(d)
	}
}

// armGraceLocked schedules the end of a cancellation grace window.
func (s *Service) armGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.cfg.CancelGrace, s.onGraceEnd)
}

func (s *Service) onGraceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.graceTimer = nil
	next, expired := s.queue.EndGrace(time.Now())
	var d StateDelta
	s.retireExpiredLocked(expired, &d)
	s.shownLocked(next)
	if !d.Empty() {
		s.publishFeedLocked(d)
	}
}

// serverNowFor estimates the backend clock at a local instant from the
// most recent pinned server timestamp. Zero when no sample exists yet.
func (s *Service) serverNowFor(local time.Time) time.Time {
	if s.lastServerTime.IsZero() {
		return time.Time{}
	}
	return s.lastServerTime.Add(local.Sub(s.lastServerAt))
}

// Reconciliation hooks. Snapshot and Apply run under the writer lock;
// the fetch itself never does.

func (s *Service) reconcileSnapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.IDs()
}

func (s *Service) reconcileApply(diff reconcile.Diff, res reconcile.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	now := time.Now()
	if !res.ServerTime.IsZero() {
		s.lastServerTime = res.ServerTime
		s.lastServerAt = now
	}

	var d StateDelta
	online := s.gate.Availability() == gate.AvailabilityOnline
	for _, o := range diff.Added {
		if s.tombs.Suppressed(o.ID, "", now) {
			continue
		}
		// The fetched copy supersedes any envelope still sitting in the
		// startup buffer; an id never lives in both.
		s.gate.Remove(o.ID)
		_, evicted := s.store.Upsert(o)
		if evicted != nil {
			d.RemovedIDs = append(d.RemovedIDs, evicted.ID)
			s.removeFromPresentationLocked(evicted.ID, &d)
		}
		d.Added = append(d.Added, o)
		if online {
			s.presentLocked(o, now)
		}
	}
	for _, o := range diff.Updated {
		s.store.Upsert(o)
		d.Updated = append(d.Updated, o)
	}
	for _, id := range diff.RemovedIDs {
		if removed := s.store.Remove(id); removed != nil {
			d.RemovedIDs = append(d.RemovedIDs, id)
		}
		s.gate.Remove(id)
		s.removeFromPresentationLocked(id, &d)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventReconcileDone, Data: d})
	// Reconcile applies atomically: one delta even when empty, so
	// observers can see the run completed.
	s.publishFeedLocked(d)
}

func (s *Service) reconcileFailed(err error) {
	s.bus.Publish(eventbus.Event{Type: eventbus.EventReconcileFailed, Reason: err.Error()})
	s.audit(journal.Entry{Stage: telemetry.StageReconcile, Status: telemetry.StatusFailed, Reason: err.Error()})
}
