package coordinator

import (
	"context"
	"time"

	"offergate/internal/eventbus"
	"offergate/internal/gate"
	"offergate/internal/journal"
	"offergate/internal/offer"
	"offergate/internal/reconcile"
	"offergate/internal/telemetry"
)

// Config bounds and tunes the whole engine. Zero values fall back to
// the documented defaults.
type Config struct {
	// QueueSize is the ingress queue capacity (drop-oldest). Default 64.
	QueueSize int
	// DedupSize is the LRU dedup set capacity. Default 512.
	DedupSize int
	// TombstoneSize / TombstoneTTL bound the cancellation tombstones.
	// Defaults 256 / 60s.
	TombstoneSize int
	TombstoneTTL  time.Duration
	// BufferSize / BufferTTL bound the startup buffer. Defaults 32 / 45s.
	BufferSize int
	BufferTTL  time.Duration
	// MaxActive bounds the canonical state store. Default 50.
	MaxActive int
	// BacklogSize bounds the presentation backlog. Default 10.
	BacklogSize int
	// DefaultOfferTimeout is the countdown fallback when an offer's own
	// expiry is untrustworthy. Default 25s.
	DefaultOfferTimeout time.Duration
	// SkewTolerance is the max local/server clock divergence at which
	// the offer's own expiry is still trusted. Default 30s.
	SkewTolerance time.Duration
	// CancelGrace holds the overlay slot after a cancellation so the UI
	// can show a notice. Default 2s.
	CancelGrace time.Duration

	Reconcile reconcile.Config
	// PeriodicSpec optionally drives background reconciles from a cron
	// spec ("@every 2m" works). Empty disables.
	PeriodicSpec string
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 512
	}
	if c.TombstoneSize <= 0 {
		c.TombstoneSize = 256
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 60 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 32
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = 45 * time.Second
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 50
	}
	if c.BacklogSize <= 0 {
		c.BacklogSize = 10
	}
	if c.DefaultOfferTimeout <= 0 {
		c.DefaultOfferTimeout = 25 * time.Second
	}
	if c.SkewTolerance <= 0 {
		c.SkewTolerance = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
}

// ByIDFetcher looks up a single offer, used by the notification-open
// path before an envelope can be constructed.
type ByIDFetcher interface {
	FetchByID(ctx context.Context, id string) (offer.Offer, error)
}

type ByIDFetcherFunc func(ctx context.Context, id string) (offer.Offer, error)

func (f ByIDFetcherFunc) FetchByID(ctx context.Context, id string) (offer.Offer, error) {
	return f(ctx, id)
}

// Deps are the injected external collaborators.
type Deps struct {
	// Availability is the side-band availability signal. May be nil.
	Availability <-chan gate.Availability
	// Fetcher serves reconciliation fetches. Required.
	Fetcher reconcile.Fetcher
	// ByID serves notification-open lookups. May be nil.
	ByID ByIDFetcher
	// Bus receives diagnostic events. Defaults to a fresh in-memory bus.
	Bus eventbus.Bus
	// Sink receives telemetry. Defaults to telemetry.Nop.
	Sink telemetry.Sink
	// Journal receives the audit trail. May be nil.
	Journal journal.Journal
}

// StateDelta is the unit emitted to observers after any state store
// mutation: all adds/updates/removals of one atomic transition.
type StateDelta struct {
	Added      []offer.Offer
	Updated    []offer.Offer
	RemovedIDs []string
}

func (d StateDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.RemovedIDs) == 0
}

// FeedState is the externally observable snapshot. Offers is a
// priority-sorted copy; holding it never aliases live internal state.
type FeedState struct {
	Offers       []offer.Offer
	Current      *offer.Offer
	PendingCount int
	Availability gate.Availability
	Reconciling  bool
	UpdatedAt    time.Time
	LastDelta    StateDelta
}
