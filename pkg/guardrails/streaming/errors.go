package streaming

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskPending is returned when dispatching while a check is in flight
	ErrTaskPending = errors.New("verification task already pending")

	// ErrNoTask is returned when awaiting with no check in flight
	ErrNoTask = errors.New("no verification task pending")

	// ErrVerifierFault matches every VerifierError
	ErrVerifierFault = errors.New("verifier fault")

	// ErrStreamFault matches every StreamError
	ErrStreamFault = errors.New("stream fault")

	// ErrInvalidConfig is returned for a non-positive interval or cap
	ErrInvalidConfig = errors.New("invalid streaming guardrail configuration")
)

// VerifierError reports a check that produced no verdict
type VerifierError struct {
	DispatchLength int
	Final          bool
	Err            error
}

func (e *VerifierError) Error() string {
	kind := "sampled"
	if e.Final {
		kind = "final"
	}
	return fmt.Sprintf("verifier fault on %s check dispatched at %d characters: %v", kind, e.DispatchLength, e.Err)
}

func (e *VerifierError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrVerifierFault) true
func (e *VerifierError) Is(target error) bool { return target == ErrVerifierFault }

// StreamError reports a source that failed before signalling the end
type StreamError struct {
	Length int
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream fault after %d characters: %v", e.Length, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStreamFault) true
func (e *StreamError) Is(target error) bool { return target == ErrStreamFault }
