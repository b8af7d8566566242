package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string config field.
// Empty means "unset" and yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// unset/zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every duration field so a bad config is rejected
// before commit instead of surfacing mid-flight.
func (c *Config) Validate() error {
	fields := []struct {
		path string
		raw  string
	}{
		{"engine.tombstone_ttl", c.Engine.TombstoneTTL},
		{"engine.buffer_ttl", c.Engine.BufferTTL},
		{"overlay.default_offer_timeout", c.Overlay.DefaultOfferTimeout},
		{"overlay.skew_tolerance", c.Overlay.SkewTolerance},
		{"overlay.cancel_grace", c.Overlay.CancelGrace},
		{"reconcile.debounce", c.Reconcile.Debounce},
		{"reconcile.min_interval", c.Reconcile.MinInterval},
		{"reconcile.fetch_timeout", c.Reconcile.FetchTimeout},
		{"breaker.reset_timeout", c.Breaker.ResetTimeout},
	}
	if c.Journal != nil {
		fields = append(fields, struct {
			path string
			raw  string
		}{"journal.busy_timeout", c.Journal.BusyTimeout})
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
