package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	PollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhook_metadata_poll_attempts_total",
			Help: "Start-task lookups against the metadata service by outcome.",
		},
		[]string{"outcome"}, // found, not_found, empty, timeout, error
	)

	PollDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowhook_metadata_poll_duration_seconds",
			Help:    "Wall time spent waiting for the start task to become visible.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	MetadataWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhook_metadata_writes_total",
			Help: "Task metadata writes by result.",
		},
		[]string{"result"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhook_dispatches_total",
			Help: "Event dispatches by transport and result.",
		},
		[]string{"transport", "result"},
	)

	DispatchLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowhook_dispatch_latency_seconds",
			Help:    "Time to hand an event to its destination.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(PollAttemptsTotal, PollDurationSeconds, MetadataWritesTotal, DispatchesTotal, DispatchLatencySeconds)
}

// NewRegistry returns a private registry with all flowhook collectors registered
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	MustRegister(reg)
	return reg
}

func RecordPollAttempt(outcome string) {
	PollAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObservePollDuration(d time.Duration) {
	PollDurationSeconds.Observe(d.Seconds())
}

func RecordMetadataWrite(result string) {
	MetadataWritesTotal.WithLabelValues(result).Inc()
}

func RecordDispatch(transport, result string, d time.Duration) {
	DispatchesTotal.WithLabelValues(transport, result).Inc()
	DispatchLatencySeconds.WithLabelValues(transport).Observe(d.Seconds())
}

// Push sends the registry to a Pushgateway. Both commands exit long before
// any scrape could reach them, so this is the only way their metrics leave
// the process. An empty url is a no-op.
func Push(ctx context.Context, url, job string, reg *prometheus.Registry) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(reg).PushContext(ctx)
}
