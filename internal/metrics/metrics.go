// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	eventsIngestedCounter *prometheus.CounterVec
	parseErrorsCounter    prometheus.Counter
	forksCounter          *prometheus.CounterVec
	rewindsCounter        *prometheus.CounterVec
	retentionSweepCounter prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsIngestedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forked_events_ingested_total",
				Help: "Total number of trace events persisted, by stream.",
			},
			[]string{"stream"},
		)

		parseErrorsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forked_ingest_parse_errors_total",
				Help: "Total number of malformed tracer frames dropped.",
			},
		)

		forksCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forked_forks_total",
				Help: "Total number of fork executions by outcome.",
			},
			[]string{"outcome"},
		)

		rewindsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forked_rewinds_total",
				Help: "Total number of rewind executions by outcome.",
			},
			[]string{"outcome"},
		)

		retentionSweepCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forked_retention_sweeps_total",
				Help: "Total number of retention sweeps completed without error.",
			},
		)

		prometheus.MustRegister(
			eventsIngestedCounter,
			parseErrorsCounter,
			forksCounter,
			rewindsCounter,
			retentionSweepCounter,
		)
	})
}

// EventIngested counts one persisted trace event.
func EventIngested(stream string) {
	if eventsIngestedCounter != nil {
		eventsIngestedCounter.WithLabelValues(stream).Inc()
	}
}

// ParseError counts one dropped malformed frame.
func ParseError() {
	if parseErrorsCounter != nil {
		parseErrorsCounter.Inc()
	}
}

// ForkFinished counts one fork execution.
func ForkFinished(outcome string) {
	if forksCounter != nil {
		forksCounter.WithLabelValues(outcome).Inc()
	}
}

// RewindFinished counts one rewind execution.
func RewindFinished(outcome string) {
	if rewindsCounter != nil {
		rewindsCounter.WithLabelValues(outcome).Inc()
	}
}

// RetentionSweep counts one retention sweep.
func RetentionSweep() {
	if retentionSweepCounter != nil {
		retentionSweepCounter.Inc()
	}
}
