package headersync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "headersync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Next block number without a stored header.
	HeaderMarker metrics.Gauge
	// Latest block number reported by the source.
	SourceLatest metrics.Gauge
	// Number of blocks moved to ommer storage by reorgs.
	RevertedBlocks metrics.Counter
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
		HeaderMarker: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "header_marker",
			Help:      "The next block number without a stored header.",
		}, labels).With(labelsAndValues...),
		SourceLatest: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "source_latest",
			Help:      "The latest block number reported by the source.",
		}, labels).With(labelsAndValues...),
		RevertedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reverted_blocks",
			Help:      "The number of blocks moved to ommer storage by reorgs.",
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
		HeaderMarker:      discard.NewGauge(),
		SourceLatest:      discard.NewGauge(),
		RevertedBlocks:    discard.NewCounter(),
		RecoverableErrors: discard.NewCounter(),
	}
}
