package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exposes pipeline outcomes as prometheus metrics.
type PromSink struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func NewPromSink() *PromSink {
	return &PromSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offergate_pipeline_events_total",
			Help: "Pipeline outcomes by stage, status and reason.",
		}, []string{"stage", "status", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offergate_latency_seconds",
			Help:    "Latency samples by operation name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
}

// Register installs the sink's collectors on the given registerer
// (prometheus.DefaultRegisterer in the daemon).
func (s *PromSink) Register(reg prometheus.Registerer) error {
	if err := reg.Register(s.events); err != nil {
		return err
	}
	return reg.Register(s.latency)
}

func (s *PromSink) Record(stage, status, reason string, attrs map[string]string) {
	_ = attrs // high-cardinality attrs stay out of metric labels
	s.events.WithLabelValues(stage, status, reason).Inc()
}

func (s *PromSink) RecordLatency(name string, d time.Duration) {
	s.latency.WithLabelValues(name).Observe(d.Seconds())
}
