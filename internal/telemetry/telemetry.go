// Package telemetry is the fire-and-forget diagnostics sink the
// pipeline reports into. Sinks never block ingestion and never
// propagate errors back into the caller.
package telemetry

import (
	"time"

	"golang.org/x/time/rate"

	"offergate/pkg/logx"
)

// Stages reported by the pipeline.
const (
	StageIngress   = "ingress"
	StageGate      = "gate"
	StageStore     = "store"
	StageOverlay   = "overlay"
	StageReconcile = "reconcile"
	StageQueue     = "queue"
)

// Statuses reported per stage.
const (
	StatusHandled = "handled"
	StatusDropped = "dropped"
	StatusEvicted = "evicted"
	StatusFailed  = "failed"
	StatusOK      = "ok"
)

type Sink interface {
	// Record reports one pipeline outcome. reason may be empty.
	Record(stage, status, reason string, attrs map[string]string)
	// RecordLatency reports a duration sample.
	RecordLatency(name string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(string, string, string, map[string]string) {}
func (Nop) RecordLatency(string, time.Duration)              {}

// LogSink writes telemetry as debug-level structured logs, rate-limited
// so a drop storm cannot flood the sinks.
type LogSink struct {
	log logx.Logger
	lim *rate.Limiter
}

func NewLogSink(log logx.Logger, perSec int) *LogSink {
	if perSec <= 0 {
		perSec = 50
	}
	return &LogSink{log: log, lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (s *LogSink) Record(stage, status, reason string, attrs map[string]string) {
	if !s.lim.Allow() {
		return
	}
	fields := []logx.Field{logx.String("stage", stage), logx.String("status", status)}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	for k, v := range attrs {
		fields = append(fields, logx.String(k, v))
	}
	s.log.Debug("pipeline event", fields...)
}

func (s *LogSink) RecordLatency(name string, d time.Duration) {
	if !s.lim.Allow() {
		return
	}
	s.log.Debug("pipeline latency", logx.String("name", name), logx.Duration("dur", d))
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Record(stage, status, reason string, attrs map[string]string) {
	for _, s := range m {
		s.Record(stage, status, reason, attrs)
	}
}

func (m Multi) RecordLatency(name string, d time.Duration) {
	for _, s := range m {
		s.RecordLatency(name, d)
	}
}
