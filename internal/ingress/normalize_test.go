package ingress

import (
	"strings"
	"testing"
	"time"

	"offergate/internal/offer"
)

func TestNormalizeNestedTrip(t *testing.T) {
	t.Parallel()
	now := time.Now()
	payload := []byte(`{
		"broadcast_id": "b1",
		"version": 7,
		"server_ts": 1700000000000,
		"trip": {
			"requester_id": "r9",
			"pickup": {"lat": 1.5, "lng": 103.8},
			"drop": {"lat": 1.6, "lng": 103.9},
			"total_needed": 3,
			"filled": 0,
			"fare_cents": 45000,
			"expires_at": 1700000060000,
			"event_version": 7,
			"status": "active"
		}
	}`)

	env := Normalize(SourceSocket, "broadcast.new", payload, now)
	if env.ID != "b1" {
		t.Fatalf("ID = %q", env.ID)
	}
	if env.Class != offer.ClassNew {
		t.Fatalf("Class = %v", env.Class)
	}
	if len(env.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", env.Warnings)
	}
	if env.Version != "7" {
		t.Fatalf("Version = %q", env.Version)
	}
	if env.ServerTime.IsZero() {
		t.Fatal("ServerTime not parsed")
	}
	if env.Offer == nil {
		t.Fatal("Offer not parsed")
	}
	if env.Offer.TotalNeeded != 3 || env.Offer.Remaining != 3 {
		t.Fatalf("offer totals: %+v", env.Offer)
	}
	if env.Offer.ExpiryTime.IsZero() {
		t.Fatal("ExpiryTime not parsed")
	}
}

func TestNormalizeIDFallbackChain(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name    string
		payload string
		wantID  string
		warn    string
	}{
		{"primary", `{"broadcast_id":"p1"}`, "p1", ""},
		{"trip_id", `{"trip_id":"t1"}`, "t1", "trip_id"},
		{"bare id", `{"id":"i1"}`, "i1", "fallback field id"},
		{"nested", `{"trip":{"id":"n1"}}`, "n1", "trip.id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			env := Normalize(SourcePush, "broadcast.new", []byte(tt.payload), now)
			if env.ID != tt.wantID {
				t.Fatalf("ID = %q, want %q", env.ID, tt.wantID)
			}
			if tt.warn == "" {
				if len(env.Warnings) != 0 {
					t.Fatalf("unexpected warnings: %v", env.Warnings)
				}
				return
			}
			if len(env.Warnings) == 0 || !strings.Contains(env.Warnings[0], tt.warn) {
				t.Fatalf("warnings = %v, want mention of %q", env.Warnings, tt.warn)
			}
		})
	}
}

func TestNormalizeGarbageNeverPanics(t *testing.T) {
	t.Parallel()
	now := time.Now()
	for _, payload := range []string{``, `{`, `[]`, `"str"`, `{"trip": "nope"}`} {
		env := Normalize(SourceSocket, "broadcast.new", []byte(payload), now)
		if env.ID != "" {
			t.Fatalf("payload %q: ID = %q, want empty", payload, env.ID)
		}
		if len(env.Warnings) == 0 {
			t.Fatalf("payload %q: expected a warning", payload)
		}
	}
}

func TestNormalizeFillDelta(t *testing.T) {
	t.Parallel()
	env := Normalize(SourceSocket, "broadcast.fill", []byte(`{"broadcast_id":"b1","filled":2,"remaining":1,"version":9}`), time.Now())
	if env.Class != offer.ClassPartial {
		t.Fatalf("Class = %v", env.Class)
	}
	if env.Fill == nil || env.Fill.Filled != 2 || env.Fill.Remaining != 1 {
		t.Fatalf("Fill = %+v", env.Fill)
	}
	if env.Offer != nil {
		t.Fatal("fill delta should not carry a full offer")
	}
}

func TestDedupKeyVersioning(t *testing.T) {
	t.Parallel()
	a := Envelope{Class: offer.ClassNew, ID: "b1", Version: "3"}
	b := Envelope{Class: offer.ClassNew, ID: "b1", Version: "4"}
	c := Envelope{Class: offer.ClassNew, ID: "b1"}
	if a.DedupKey() == b.DedupKey() {
		t.Fatal("distinct versions must produce distinct keys")
	}
	if c.DedupKey() != "new|b1|v0" {
		t.Fatalf("versionless key = %q", c.DedupKey())
	}
}
