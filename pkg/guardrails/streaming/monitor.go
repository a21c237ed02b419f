package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
)

// State is the lifecycle position of a session
type State int

const (
	StateStreaming State = iota
	StateTripped
	StateExhausted
	StateCapped
	StateFaulted
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateTripped:
		return "tripped"
	case StateExhausted:
		return "exhausted"
	case StateCapped:
		return "capped"
	case StateFaulted:
		return "faulted"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Monitor supervises streams against a verifier. A Monitor is safe to reuse
// and to share; every Run gets its own session.
type Monitor struct {
	verifier interfaces.Verifier
	interval int
	hardCap  int
	logger   logging.Logger
	tracer   interfaces.Tracer
	sink     io.Writer
	hooks    Hooks
}

// NewMonitor creates a monitor that checks streamed text with verifier
func NewMonitor(verifier interfaces.Verifier, options ...Option) (*Monitor, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier is required", ErrInvalidConfig)
	}

	m := &Monitor{
		verifier: verifier,
		interval: DefaultSamplingInterval,
		hardCap:  DefaultHardLengthCap,
	}
	for _, option := range options {
		option(m)
	}

	if m.interval <= 0 {
		return nil, fmt.Errorf("%w: sampling interval must be positive, got %d", ErrInvalidConfig, m.interval)
	}
	if m.hardCap <= 0 {
		return nil, fmt.Errorf("%w: hard length cap must be positive, got %d", ErrInvalidConfig, m.hardCap)
	}
	if m.logger == nil {
		m.logger = logging.New()
	}

	return m, nil
}

// SamplingInterval returns the configured interval
func (m *Monitor) SamplingInterval() int {
	return m.interval
}

// HardLengthCap returns the configured cap
func (m *Monitor) HardLengthCap() int {
	return m.hardCap
}

// Verifier returns the verifier sessions are checked with
func (m *Monitor) Verifier() interfaces.Verifier {
	return m.verifier
}

// Run consumes src until it ends, the cap is reached or a check fails.
//
// A failed check is not an error: it is reported through the result's trip
// fields. Verifier and stream faults return the partial result together with
// a *VerifierError or *StreamError. The caller keeps ownership of src.
func (m *Monitor) Run(ctx context.Context, src interfaces.StreamSource) (*Result, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: stream source is required", ErrInvalidConfig)
	}

	sessionID := uuid.New().String()
	ctx = logging.WithSessionID(ctx, sessionID)

	var span interfaces.Span
	if m.tracer != nil {
		ctx, span = m.tracer.StartSpan(ctx, "guardrails.stream")
		defer span.End()
		span.SetAttribute("session.id", sessionID)
		span.SetAttribute("guardrails.sampling_interval", m.interval)
		span.SetAttribute("guardrails.hard_length_cap", m.hardCap)
	}

	s := &session{
		monitor: m,
		span:    span,
		sched:   newScheduler(m.interval),
		result: &Result{
			SessionID:        sessionID,
			SamplingInterval: m.interval,
			HardLengthCap:    m.hardCap,
		},
	}
	s.sup = newSupervisor(m.verifier, m.hooks)

	m.logger.Debug(ctx, "Streaming guardrail session started", map[string]interface{}{
		"sampling_interval": m.interval,
		"hard_length_cap":   m.hardCap,
	})

	err := s.run(ctx, src)
	res := s.result
	res.Response = s.acc.String()
	res.TotalCharacters = s.acc.Len()

	fields := map[string]interface{}{
		"outcome":           string(res.Outcome),
		"stop_reason":       string(res.StopReason),
		"total_characters":  res.TotalCharacters,
		"checks_dispatched": res.ChecksDispatched,
	}
	if res.TriggeredAt != nil {
		fields["triggered_at"] = *res.TriggeredAt
		fields["reason"] = res.Reason
	}
	if span != nil {
		for k, v := range fields {
			span.SetAttribute("guardrails."+k, v)
		}
		if err != nil {
			span.RecordError(err)
		}
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.Error(ctx, "Streaming guardrail session faulted", fields)
	} else {
		m.logger.Info(ctx, "Streaming guardrail session finished", fields)
	}

	return res, err
}

// session is the state of one Run. Only the Run goroutine touches it.
type session struct {
	monitor *Monitor
	span    interfaces.Span
	acc     accumulator
	sched   *scheduler
	sup     *supervisor
	state   State
	result  *Result
}

func (s *session) setState(to State) {
	from := s.state
	s.state = to
	if s.monitor.hooks.OnStateChange != nil {
		s.monitor.hooks.OnStateChange(from, to)
	}
}

func (s *session) run(ctx context.Context, src interfaces.StreamSource) error {
	stopped, err := s.stream(ctx, src)
	s.setState(stopped)

	switch stopped {
	case StateTripped:
		s.result.StopReason = StopTripped
	case StateExhausted:
		s.result.StopReason = StopExhausted
	case StateCapped:
		s.result.StopReason = StopCapped
	case StateFaulted:
		s.result.StopReason = StopFaulted
		s.result.Outcome = OutcomeFaulted
		return err
	}

	if stopped != StateTripped {
		s.setState(StateFinalizing)
		if err := s.finalize(ctx); err != nil {
			s.result.Outcome = OutcomeFaulted
			s.setState(StateDone)
			return err
		}
	}

	if s.result.Outcome == "" {
		s.result.Outcome = OutcomeClean
	}
	s.setState(StateDone)
	return nil
}

// stream is the consumption loop. It polls once before and once after every
// delta and returns the state the session stopped in.
func (s *session) stream(ctx context.Context, src interfaces.StreamSource) (State, error) {
	for {
		if tripped, err := s.poll(ctx); err != nil {
			return StateFaulted, err
		} else if tripped {
			return StateTripped, nil
		}

		event, err := src.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return StateExhausted, nil
		}
		if err != nil {
			return StateFaulted, &StreamError{Length: s.acc.Len(), Err: err}
		}
		if event.Kind == interfaces.EventEnd {
			return StateExhausted, nil
		}

		if err := s.consume(ctx, event.Text); err != nil {
			return StateFaulted, err
		}

		if tripped, err := s.poll(ctx); err != nil {
			return StateFaulted, err
		} else if tripped {
			return StateTripped, nil
		}

		if s.acc.Len() >= s.monitor.hardCap {
			return StateCapped, nil
		}
	}
}

func (s *session) consume(ctx context.Context, delta string) error {
	text := clip(delta, s.monitor.hardCap-s.acc.Len())
	length := s.acc.Append(text)

	if s.monitor.sink != nil && text != "" {
		if _, err := io.WriteString(s.monitor.sink, text); err != nil {
			s.monitor.logger.Warn(ctx, "Failed to echo streamed text", map[string]interface{}{"error": err.Error()})
		}
	}

	if !s.sched.ShouldDispatch(length, s.sup.Pending()) {
		return nil
	}
	// Sampled checks outlive the session context; a trip never interrupts them.
	if err := s.dispatch(context.WithoutCancel(ctx), length, false); err != nil {
		return err
	}
	if s.monitor.hooks.OnThreshold != nil {
		s.monitor.hooks.OnThreshold(s.sched.NextThreshold())
	}
	return nil
}

func (s *session) dispatch(ctx context.Context, length int, final bool) error {
	if err := s.sup.Dispatch(ctx, s.acc.String(), length, final); err != nil {
		return fmt.Errorf("failed to dispatch check at %d characters: %w", length, err)
	}
	s.result.ChecksDispatched++
	if s.span != nil {
		s.span.AddEvent("guardrails.dispatch", map[string]interface{}{
			"dispatch_length": length,
			"final":           final,
		})
	}
	s.monitor.logger.Debug(ctx, "Guardrail check dispatched", map[string]interface{}{
		"dispatch_length": length,
		"final":           final,
	})
	return nil
}

// poll collects a finished check, if any, and reports whether it tripped
func (s *session) poll(ctx context.Context) (bool, error) {
	c, ok := s.sup.Poll()
	if s.monitor.hooks.OnPoll != nil {
		s.monitor.hooks.OnPoll(s.acc.Len(), s.sup.Pending())
	}
	if !ok {
		return false, nil
	}
	return s.settle(ctx, c)
}

// settle applies a completed check to the result
func (s *session) settle(ctx context.Context, c completion) (bool, error) {
	if c.Err != nil {
		return false, &VerifierError{DispatchLength: c.DispatchLength, Final: c.Final, Err: c.Err}
	}
	if c.Verdict.Passes {
		s.monitor.logger.Debug(ctx, "Guardrail check passed", map[string]interface{}{
			"dispatch_length": c.DispatchLength,
			"final":           c.Final,
		})
		return false, nil
	}

	s.result.trip(c.DispatchLength, c.Verdict.Reason)
	if s.span != nil {
		s.span.AddEvent("guardrails.tripped", map[string]interface{}{
			"dispatch_length": c.DispatchLength,
			"reason":          c.Verdict.Reason,
		})
	}
	s.monitor.logger.Info(ctx, "Guardrail tripped", map[string]interface{}{
		"dispatch_length": c.DispatchLength,
		"final":           c.Final,
		"reason":          c.Verdict.Reason,
	})
	return true, nil
}

// finalize drains a sampled check still in flight, then runs the mandatory
// check on the complete text.
func (s *session) finalize(ctx context.Context) error {
	if pendingLength, ok := s.sup.PendingLength(); ok {
		// Reached at the hard cap as well as at stream end, so a sampled
		// check dispatched before the cap can still trip here at its own
		// dispatch length.
		c, err := s.sup.Await(ctx)
		if err != nil {
			return &VerifierError{DispatchLength: pendingLength, Err: err}
		}
		tripped, err := s.settle(ctx, c)
		if err != nil || tripped {
			return err
		}
	}

	length := s.acc.Len()
	if err := s.dispatch(ctx, length, true); err != nil {
		return err
	}
	c, err := s.sup.Await(ctx)
	if err != nil {
		return &VerifierError{DispatchLength: length, Final: true, Err: err}
	}
	_, err = s.settle(ctx, c)
	return err
}
