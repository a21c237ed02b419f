package streaming

import (
	"io"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
)

const (
	// DefaultSamplingInterval is the number of characters between sampled checks
	DefaultSamplingInterval = 30

	// DefaultHardLengthCap is the length at which consumption stops
	DefaultHardLengthCap = 600
)

// Hooks observe a session from its own goroutine. Nil fields are skipped.
type Hooks struct {
	// OnDispatch runs when a check starts, before the verifier is called
	OnDispatch func(dispatchLength int, final bool)

	// OnComplete runs when a check result is collected
	OnComplete func(dispatchLength int, verdict interfaces.Verdict, err error)

	// OnThreshold runs after a sampled dispatch moved the threshold
	OnThreshold func(next int)

	// OnPoll runs on every non-blocking poll of the verification slot
	OnPoll func(length int, pending bool)

	// OnStateChange runs on every session state transition
	OnStateChange func(from, to State)
}

// Option configures a Monitor
type Option func(*Monitor)

// WithSamplingInterval sets the characters between sampled checks
func WithSamplingInterval(interval int) Option {
	return func(m *Monitor) {
		m.interval = interval
	}
}

// WithHardLengthCap sets the length at which consumption stops
func WithHardLengthCap(limit int) Option {
	return func(m *Monitor) {
		m.hardCap = limit
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithTracer opens a span per session
func WithTracer(tracer interfaces.Tracer) Option {
	return func(m *Monitor) {
		m.tracer = tracer
	}
}

// WithSink echoes accumulated text to w as it arrives
func WithSink(w io.Writer) Option {
	return func(m *Monitor) {
		m.sink = w
	}
}

// WithHooks installs instrumentation callbacks
func WithHooks(hooks Hooks) Option {
	return func(m *Monitor) {
		m.hooks = hooks
	}
}
