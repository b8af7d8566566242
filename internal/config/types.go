package config

// Config is the full daemon configuration. Files may be YAML or JSON;
// both are decoded strictly (unknown fields are rejected).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Overlay   OverlayConfig   `json:"overlay"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Breaker   BreakerConfig   `json:"breaker,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Journal   *JournalConfig  `json:"journal,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"` // trace|debug|info|warn|error
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// EngineConfig bounds the ingestion pipeline's in-memory structures.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - dedup_size: 512
//   - tombstone_size: 256, tombstone_ttl: "60s"
//   - buffer_size: 32, buffer_ttl: "45s"
//   - max_active: 50
type EngineConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	DedupSize     int    `json:"dedup_size,omitempty"`
	TombstoneSize int    `json:"tombstone_size,omitempty"`
	TombstoneTTL  string `json:"tombstone_ttl,omitempty"`
	BufferSize    int    `json:"buffer_size,omitempty"`
	BufferTTL     string `json:"buffer_ttl,omitempty"`
	MaxActive     int    `json:"max_active,omitempty"`
}

// OverlayConfig controls the presentation queue.
//
// Defaults:
//   - backlog_size: 10
//   - default_offer_timeout: "25s"
//   - skew_tolerance: "30s"
//   - cancel_grace: "2s"
type OverlayConfig struct {
	BacklogSize         int    `json:"backlog_size,omitempty"`
	DefaultOfferTimeout string `json:"default_offer_timeout,omitempty"`
	SkewTolerance       string `json:"skew_tolerance,omitempty"`
	CancelGrace         string `json:"cancel_grace,omitempty"`
}

// ReconcileConfig controls the resync engine.
//
// Defaults:
//   - debounce: "350ms"
//   - min_interval: "5s"
//   - fetch_timeout: "10s"
//   - periodic: "" (disabled); cron spec or "@every 2m"
type ReconcileConfig struct {
	Debounce     string `json:"debounce,omitempty"`
	MinInterval  string `json:"min_interval,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	Periodic     string `json:"periodic,omitempty"`
}

// BreakerConfig controls the circuit breaker around outbound fetches.
type BreakerConfig struct {
	Threshold    int    `json:"threshold,omitempty"`     // default 5
	ResetTimeout string `json:"reset_timeout,omitempty"` // default "30s"
	ProbeCount   int    `json:"probe_count,omitempty"`   // default 1
}

type TelemetryConfig struct {
	// LogPerSec rate-limits the debug log sink. Default 50.
	LogPerSec int `json:"log_per_sec,omitempty"`
	// PrometheusAddr enables the /metrics listener when set
	// (e.g. "127.0.0.1:9090").
	PrometheusAddr string `json:"prometheus_addr,omitempty"`
}

// JournalConfig controls the optional pipeline audit journal.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./offergate_audit.jsonl" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
