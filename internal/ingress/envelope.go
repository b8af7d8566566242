package ingress

import (
	"time"

	"offergate/internal/offer"
)

// Source identifies the delivery channel an envelope arrived on.
type Source string

const (
	SourceSocket       Source = "socket"
	SourcePush         Source = "push"
	SourceNotification Source = "notification_open"
	SourceReplay       Source = "buffer_replay"
)

// Fill carries a lightweight fulfillment delta ("N trucks remaining")
// that patches an existing offer without a full replace.
type Fill struct {
	Filled    int
	Remaining int
}

// Envelope is the normalized representation of one inbound delivery
// event, regardless of source channel.
//
// A nil Offer with a non-empty ID means "identity known, data must be
// fetched". An empty ID means the payload was unparsable; the pipeline
// drops it with a reason instead of crashing.
type Envelope struct {
	Source     Source
	RawEvent   string
	ID         string
	Class      offer.EventClass
	ReceivedAt time.Time

	// ServerTime is the backend's clock as reported in the payload
	// (zero if absent). Used for clock-skew checks when computing
	// presentation expiry.
	ServerTime time.Time

	// Version is the payload version token used for dedup/tombstone
	// granularity. Empty when the channel does not carry one.
	Version string

	Warnings []string

	Offer *offer.Offer
	Fill  *Fill
}

// DedupKey builds the (class, id, version) identity used by the dedup
// set. Versionless payloads collapse onto a "v0" slot so that a true
// update with a new version is never treated as a duplicate.
func (e Envelope) DedupKey() string {
	v := e.Version
	if v == "" {
		v = "v0"
	}
	return string(e.Class) + "|" + e.ID + "|" + v
}

// FromOffer wraps an already-parsed offer (notification-open lookups,
// reconcile-sourced replays) in an envelope.
func FromOffer(src Source, rawEvent string, o offer.Offer, now time.Time) Envelope {
	return Envelope{
		Source:     src,
		RawEvent:   rawEvent,
		ID:         o.ID,
		Class:      offer.ClassNew,
		ReceivedAt: now,
		Version:    versionToken(o.EventVersion),
		Offer:      &o,
	}
}
