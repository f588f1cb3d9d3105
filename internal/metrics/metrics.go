package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels finalized diagnoses.
	OutcomeSuccess = "success"
	// OutcomeError labels requests that surfaced a pipeline error.
	OutcomeError = "error"
)

var (
	diagnosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdant_diagnose",
			Name:      "diagnoses_total",
			Help:      "Total diagnosis requests handled, partitioned by outcome and winning source.",
		},
		[]string{"outcome", "source"},
	)

	diagnosisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "verdant_diagnose",
			Name:      "diagnosis_seconds",
			Help:      "End-to-end diagnosis latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	remoteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdant_diagnose",
			Name:      "remote_failures_total",
			Help:      "Remote classifier failures absorbed by the arbiter, by kind.",
		},
		[]string{"kind"},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "verdant_diagnose",
			Name:      "cache_hits_total",
			Help:      "Diagnoses served from the content-hash result cache.",
		},
	)
)

// Register attaches all collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		diagnosesTotal,
		diagnosisDurationSeconds,
		remoteFailuresTotal,
		cacheHitsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDiagnosis records one finished request.
func ObserveDiagnosis(duration time.Duration, outcome, source string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	if source == "" {
		source = "none"
	}
	diagnosesTotal.WithLabelValues(outcome, source).Inc()
	if duration < 0 {
		duration = 0
	}
	diagnosisDurationSeconds.Observe(duration.Seconds())
}

// ObserveRemoteFailure counts an absorbed remote backend failure.
func ObserveRemoteFailure(kind string) {
	remoteFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveCacheHit counts a diagnosis served without re-running the backends.
func ObserveCacheHit() {
	cacheHitsTotal.Inc()
}
