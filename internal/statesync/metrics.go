package statesync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "statesync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Next block number without a stored state diff.
	StateMarker metrics.Gauge
	// Whether the syncer is behind the header marker (1) or waiting for new
	// blocks (0).
	CatchingUp metrics.Gauge
	// Number of state diffs appended to the canonical chain.
	CommittedStateDiffs metrics.Counter
	// Number of state diffs stored as ommers.
	OmmerStateDiffs metrics.Counter
	// Number of events the router could not store.
	SkippedEvents metrics.Counter
	// Number of times the syncer met a block diverging from the stored header.
	Reorgs metrics.Counter
	// Number of recoverable errors the syncer backed off from.
	RecoverableErrors metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		StateMarker: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "state_marker",
			Help:      "The next block number without a stored state diff.",
		}, labels).With(labelsAndValues...),
		CatchingUp: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "catching_up",
			Help:      "Whether state diffs lag behind headers (1 if yes, 0 if no).",
		}, labels).With(labelsAndValues...),
		CommittedStateDiffs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_state_diffs",
			Help:      "The number of state diffs appended to the canonical chain.",
		}, labels).With(labelsAndValues...),
		OmmerStateDiffs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ommer_state_diffs",
			Help:      "The number of state diffs stored as ommers.",
		}, labels).With(labelsAndValues...),
		SkippedEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "skipped_events",
			Help:      "The number of state diffs that could not be stored.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "The number of blocks found diverging from the stored header.",
		}, labels).With(labelsAndValues...),
		RecoverableErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "recoverable_errors",
			Help:      "The number of sync passes that failed and were retried.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		StateMarker:         discard.NewGauge(),
		CatchingUp:          discard.NewGauge(),
		CommittedStateDiffs: discard.NewCounter(),
		OmmerStateDiffs:     discard.NewCounter(),
		SkippedEvents:       discard.NewCounter(),
		Reorgs:              discard.NewCounter(),
		RecoverableErrors:   discard.NewCounter(),
	}
}
