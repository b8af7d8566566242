package overlay

import (
	"time"

	"offergate/internal/offer"
)

// ComputeExpiry derives the countdown deadline for a presented offer.
//
// The offer's own expiry time is only trusted when the local clock and
// the most recent server timestamp agree within skewTolerance; with no
// server timestamp or too much skew, the deadline falls back to
// receivedAt + defaultTimeout.
func ComputeExpiry(o offer.Offer, receivedAt, serverNow time.Time, skewTolerance, defaultTimeout time.Duration) time.Time {
	if !o.ExpiryTime.IsZero() && !serverNow.IsZero() {
		skew := receivedAt.Sub(serverNow)
		if skew < 0 {
			skew = -skew
		}
		if skew <= skewTolerance {
			return o.ExpiryTime
		}
	}
	return receivedAt.Add(defaultTimeout)
}
