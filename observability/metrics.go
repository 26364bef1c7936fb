package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	agreementMetricsOnce sync.Once
	agreementRegistry    *AgreementMetrics

	proverMetricsOnce sync.Once
	proverRegistry    *ProverMetrics

	witnessMetricsOnce sync.Once
	witnessRegistry    *WitnessMetrics

	throttleMetricsOnce sync.Once
	throttleRegistry    *throttleMetrics
)

// AgreementMetrics captures agreement registry activity.
type AgreementMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	released *prometheus.CounterVec
}

// Agreement returns the singleton metrics registry for the agreement
// registry.
func Agreement() *AgreementMetrics {
	agreementMetricsOnce.Do(func() {
		agreementRegistry = &AgreementMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "agreement",
				Name:      "operations_total",
				Help:      "Count of agreement registry operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nagare",
				Subsystem: "agreement",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for agreement registry operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "agreement",
				Name:      "errors_total",
				Help:      "Count of rejected agreement operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "agreement",
				Name:      "released_total",
				Help:      "Vault units released to receivers segmented by cause.",
			}, []string{"cause"}),
		}
		prometheus.MustRegister(
			agreementRegistry.requests,
			agreementRegistry.latency,
			agreementRegistry.errors,
			agreementRegistry.released,
		)
	})
	return agreementRegistry
}

// Observe records the execution metrics for a registry operation. reason is
// only used when err is non-nil and should be a stable label.
func (m *AgreementMetrics) Observe(operation string, duration time.Duration, reason string, err error) {
	if m == nil {
		return
	}
	op := labelOrUnknown(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, labelOrUnknown(reason)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRelease adds amount to the released counter.
func (m *AgreementMetrics) RecordRelease(cause string, amount *big.Int) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(labelOrUnknown(cause)).Add(bigToFloat(amount))
}

// ProverMetrics wraps collectors tracking the proof pipeline.
type ProverMetrics struct {
	stageLatency *prometheus.HistogramVec
	outcomes     *prometheus.CounterVec
	issued       prometheus.Counter
}

// Prover exposes the metrics registry for the proof pipeline service.
func Prover() *ProverMetrics {
	proverMetricsOnce.Do(func() {
		proverRegistry = &ProverMetrics{
			stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nagare",
				Subsystem: "prover",
				Name:      "stage_duration_seconds",
				Help:      "Latency distribution for each proof pipeline stage.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"stage"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "prover",
				Name:      "pipeline_total",
				Help:      "Count of pipeline runs segmented by the stage that ended them and outcome.",
			}, []string{"stage", "outcome"}),
			issued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "prover",
				Name:      "proofs_issued_total",
				Help:      "Count of encoded proofs returned to callers.",
			}),
		}
		prometheus.MustRegister(proverRegistry.stageLatency, proverRegistry.outcomes, proverRegistry.issued)
	})
	return proverRegistry
}

// ObserveStage records how long a pipeline stage took.
func (m *ProverMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(labelOrUnknown(stage)).Observe(d.Seconds())
}

// RecordOutcome counts a finished pipeline run.
func (m *ProverMetrics) RecordOutcome(stage string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else {
		m.issued.Inc()
	}
	m.outcomes.WithLabelValues(labelOrUnknown(stage), outcome).Inc()
}

// WitnessMetrics bundles collectors for the reference attester.
type WitnessMetrics struct {
	attestations *prometheus.CounterVec
	fetchLatency prometheus.Histogram
}

// Witness returns the metrics registry for the witness service.
func Witness() *WitnessMetrics {
	witnessMetricsOnce.Do(func() {
		witnessRegistry = &WitnessMetrics{
			attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "witness",
				Name:      "attestations_total",
				Help:      "Count of zk-fetch attestation requests segmented by outcome.",
			}, []string{"outcome"}),
			fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "nagare",
				Subsystem: "witness",
				Name:      "fetch_duration_seconds",
				Help:      "Latency distribution of attested upstream fetches.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(witnessRegistry.attestations, witnessRegistry.fetchLatency)
	})
	return witnessRegistry
}

// RecordAttestation counts an attestation request outcome.
func (m *WitnessMetrics) RecordAttestation(outcome string) {
	if m == nil {
		return
	}
	m.attestations.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// ObserveFetch records the upstream fetch latency.
func (m *WitnessMetrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchLatency.Observe(d.Seconds())
}

type throttleMetrics struct {
	throttles *prometheus.CounterVec
}

// Throttles returns the registry counting requests rejected by rate limits.
func Throttles() *throttleMetrics {
	throttleMetricsOnce.Do(func() {
		throttleRegistry = &throttleMetrics{
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nagare",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"service", "reason"}),
		}
		prometheus.MustRegister(throttleRegistry.throttles)
	})
	return throttleRegistry
}

// RecordThrottle increments the throttle counter for the supplied service and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *throttleMetrics) RecordThrottle(service, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(labelOrUnknown(service), reason).Inc()
}

func labelOrUnknown(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	if floatVal < 0 {
		return 0
	}
	return floatVal
}
