package ingress

import (
	"encoding/json"
	"strconv"
	"time"

	"offergate/internal/offer"
)

// wirePayload is the superset of fields seen across delivery channels.
// Socket pushes nest the trip under "trip"; background pushes flatten
// most of it; fill deltas carry only totals.
type wirePayload struct {
	BroadcastID string          `json:"broadcast_id"`
	TripID      string          `json:"trip_id"`
	ID          string          `json:"id"`
	Version     json.Number     `json:"version"`
	ServerTS    int64           `json:"server_ts"` // unix millis
	Filled      *int            `json:"filled"`
	Remaining   *int            `json:"remaining"`
	Trip        json.RawMessage `json:"trip"`
}

type wireTrip struct {
	ID            string         `json:"id"`
	RequesterID   string         `json:"requester_id"`
	RequesterName string         `json:"requester_name"`
	Pickup        offer.Location `json:"pickup"`
	Drop          offer.Location `json:"drop"`
	Resources     map[string]int `json:"resources"`
	TotalNeeded   int            `json:"total_needed"`
	Filled        int            `json:"filled"`
	Remaining     int            `json:"remaining"`
	FareCents     int64          `json:"fare_cents"`
	DistanceKM    float64        `json:"distance_km"`
	DurationMin   int            `json:"duration_min"`
	ExpiresAtMS   int64          `json:"expires_at"` // unix millis
	EventVersion  int64          `json:"event_version"`
	Status        string         `json:"status"`
}

// Normalize turns a raw inbound payload into one canonical Envelope.
//
// It never fails: malformed input yields an envelope with an empty ID
// and a warning, which the pipeline treats as drop-with-reason.
func Normalize(src Source, rawEvent string, payload []byte, now time.Time) Envelope {
	env := Envelope{
		Source:     src,
		RawEvent:   rawEvent,
		Class:      offer.ClassifyEvent(rawEvent),
		ReceivedAt: now,
	}

	var wp wirePayload
	if err := json.Unmarshal(payload, &wp); err != nil {
		env.Warnings = append(env.Warnings, "payload not parseable: "+err.Error())
		return env
	}

	var trip *wireTrip
	if len(wp.Trip) > 0 {
		var wt wireTrip
		if err := json.Unmarshal(wp.Trip, &wt); err != nil {
			env.Warnings = append(env.Warnings, "trip not parseable: "+err.Error())
		} else {
			trip = &wt
		}
	}

	env.ID = extractID(wp, trip, &env.Warnings)
	env.Version = extractVersion(wp, trip)

	if wp.ServerTS > 0 {
		env.ServerTime = time.UnixMilli(wp.ServerTS)
	}

	if wp.Filled != nil && wp.Remaining != nil {
		env.Fill = &Fill{Filled: *wp.Filled, Remaining: *wp.Remaining}
	}

	if trip != nil {
		o := tripToOffer(env.ID, *trip)
		env.Offer = &o
	}

	return env
}

// extractID resolves offer identity across heterogeneous payload
// shapes: broadcast_id is the primary field; trip_id, id and trip.id
// are accepted as fallbacks, each recorded as a warning so channel
// drift is visible in diagnostics.
func extractID(wp wirePayload, trip *wireTrip, warnings *[]string) string {
	if wp.BroadcastID != "" {
		return wp.BroadcastID
	}
	if wp.TripID != "" {
		*warnings = append(*warnings, "id from fallback field trip_id")
		return wp.TripID
	}
	if wp.ID != "" {
		*warnings = append(*warnings, "id from fallback field id")
		return wp.ID
	}
	if trip != nil && trip.ID != "" {
		*warnings = append(*warnings, "id from fallback field trip.id")
		return trip.ID
	}
	*warnings = append(*warnings, "no id field in payload")
	return ""
}

func extractVersion(wp wirePayload, trip *wireTrip) string {
	if s := wp.Version.String(); s != "" && s != "0" {
		return s
	}
	if trip != nil && trip.EventVersion > 0 {
		return versionToken(trip.EventVersion)
	}
	return ""
}

func versionToken(v int64) string {
	if v <= 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func tripToOffer(id string, wt wireTrip) offer.Offer {
	o := offer.Offer{
		ID:            id,
		RequesterID:   wt.RequesterID,
		RequesterName: wt.RequesterName,
		Pickup:        wt.Pickup,
		Drop:          wt.Drop,
		Resources:     wt.Resources,
		TotalNeeded:   wt.TotalNeeded,
		Filled:        wt.Filled,
		Remaining:     wt.Remaining,
		FareCents:     wt.FareCents,
		DistanceKM:    wt.DistanceKM,
		DurationMin:   wt.DurationMin,
		EventVersion:  wt.EventVersion,
		Status:        offer.Status(wt.Status),
	}
	if wt.ExpiresAtMS > 0 {
		o.ExpiryTime = time.UnixMilli(wt.ExpiresAtMS)
	}
	if o.Status == "" {
		o.Status = offer.StatusActive
	}
	if o.Remaining == 0 && o.TotalNeeded > 0 && o.Filled < o.TotalNeeded {
		o.Remaining = o.TotalNeeded - o.Filled
	}
	return o
}
