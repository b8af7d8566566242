package offer

import "time"

// Status is the fulfillment sub-state of a broadcast offer.
type Status string

const (
	StatusActive          Status = "active"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFullyFilled     Status = "fully_filled"
	StatusExpired         Status = "expired"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status ends the offer's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFullyFilled, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

type Location struct {
	Label string  `json:"label,omitempty"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// Offer is one dispatchable, time-boxed job opportunity.
//
// Offers are immutable value objects: every update replaces the stored
// value by ID, never mutates in place. EventVersion is monotonic per ID
// and decides which of two competing payloads is newer.
type Offer struct {
	ID            string         `json:"id"`
	RequesterID   string         `json:"requester_id,omitempty"`
	RequesterName string         `json:"requester_name,omitempty"`
	Pickup        Location       `json:"pickup"`
	Drop          Location       `json:"drop"`
	Resources     map[string]int `json:"resources,omitempty"`

	TotalNeeded int `json:"total_needed"`
	Filled      int `json:"filled"`
	Remaining   int `json:"remaining"`

	FareCents   int64   `json:"fare_cents"`
	DistanceKM  float64 `json:"distance_km,omitempty"`
	DurationMin int     `json:"duration_min,omitempty"`

	ExpiryTime   time.Time `json:"expiry_time"`
	EventVersion int64     `json:"event_version"`
	Status       Status    `json:"status"`
}

// WithFill returns a copy with updated fulfillment totals.
// The status is derived: remaining 0 means fully filled, a non-zero fill
// means partially filled, otherwise the current status is kept.
func (o Offer) WithFill(filled, remaining int) Offer {
	cp := o
	cp.Filled = filled
	cp.Remaining = remaining
	switch {
	case remaining <= 0:
		cp.Status = StatusFullyFilled
	case filled > 0:
		cp.Status = StatusPartiallyFilled
	}
	return cp
}

// Less orders offers for presentation: soonest expiry first, then
// highest fare, then highest event version, then lexical ID for a
// stable total order.
func Less(a, b Offer) bool {
	if !a.ExpiryTime.Equal(b.ExpiryTime) {
		return a.ExpiryTime.Before(b.ExpiryTime)
	}
	if a.FareCents != b.FareCents {
		return a.FareCents > b.FareCents
	}
	if a.EventVersion != b.EventVersion {
		return a.EventVersion > b.EventVersion
	}
	return a.ID < b.ID
}
