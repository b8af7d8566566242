// Package journal provides an optional append-only audit trail of
// pipeline outcomes (drops, evictions, reconcile runs) for offline
// diagnostics. Offers themselves are never persisted; the canonical
// state store stays purely in memory.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	"offergate/pkg/logx"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the journal.
//
// Driver values:
//   - "file": dependency-free JSONL append log
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one pipeline outcome. Keep it compact and schema-stable.
type Entry struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	OfferID string    `json:"offer_id,omitempty"`
	Source  string    `json:"source,omitempty"`
	Meta    string    `json:"meta,omitempty"`
}

type Journal interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Open initializes the configured journal.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
