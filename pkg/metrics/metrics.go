// Package metrics exports Prometheus metrics for guardrail sessions and checks.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

const subsystem = "guardrails"

// Registry holds every metric of this package
var Registry = prometheus.NewRegistry()

var (
	// CheckLatencyBuckets span fast rule filters up to slow judge calls
	CheckLatencyBuckets = []float64{
		0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	}

	// ResponseLengthBuckets are in characters
	ResponseLengthBuckets = []float64{
		0, 30, 60, 120, 240, 480, 600, 1200, 2400,
	}
)

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Count of finished streaming sessions by outcome and stop reason.",
		},
		[]string{"outcome", "stop_reason"},
	)
	checksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "checks_dispatched_total",
			Help:      "Count of verification checks started by streaming sessions.",
		},
		[]string{"kind"},
	)
	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "check_duration_seconds",
			Help:      "Verifier latency by guardrail and result.",
			Buckets:   CheckLatencyBuckets,
		},
		[]string{"guardrail", "result"},
	)
	responseCharacters = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "response_characters",
			Help:      "Characters consumed per streaming session.",
			Buckets:   ResponseLengthBuckets,
		},
		[]string{"outcome"},
	)
)

var registerMetrics sync.Once

// Register registers all metrics with Registry
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(sessionsTotal)
		Registry.MustRegister(checksDispatchedTotal)
		Registry.MustRegister(checkDuration)
		Registry.MustRegister(responseCharacters)
	})
}

// Handler serves Registry in the Prometheus text format
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordSession records a finished session
func RecordSession(res *streaming.Result) {
	if res == nil {
		return
	}
	sessionsTotal.WithLabelValues(string(res.Outcome), string(res.StopReason)).Inc()
	responseCharacters.WithLabelValues(string(res.Outcome)).Observe(float64(res.TotalCharacters))
}

// RecordCheckDispatched records a check started by a session
func RecordCheckDispatched(final bool) {
	checksDispatchedTotal.WithLabelValues(checkKind(final)).Inc()
}

// RecordCheckDuration records how long a verifier took
func RecordCheckDuration(guardrail string, verdict interfaces.Verdict, err error, duration time.Duration) {
	checkDuration.WithLabelValues(guardrail, checkResult(verdict, err)).Observe(duration.Seconds())
}

// Hooks returns session hooks that count dispatched checks. other runs
// after the metric is recorded.
func Hooks(other streaming.Hooks) streaming.Hooks {
	next := other.OnDispatch
	other.OnDispatch = func(dispatchLength int, final bool) {
		RecordCheckDispatched(final)
		if next != nil {
			next(dispatchLength, final)
		}
	}
	return other
}

// InstrumentVerifier times every call to verifier
func InstrumentVerifier(verifier interfaces.Verifier, guardrail string) interfaces.Verifier {
	return interfaces.VerifierFunc(func(ctx context.Context, text string) (interfaces.Verdict, error) {
		start := time.Now()
		verdict, err := verifier.Verify(ctx, text)
		RecordCheckDuration(guardrail, verdict, err, time.Since(start))
		return verdict, err
	})
}

func checkKind(final bool) string {
	if final {
		return "final"
	}
	return "sampled"
}

func checkResult(verdict interfaces.Verdict, err error) string {
	switch {
	case err != nil:
		return "error"
	case verdict.Passes:
		return "pass"
	default:
		return "fail"
	}
}
