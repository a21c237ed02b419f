package streaming

import (
	"context"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

// completion is the outcome of one verification task
type completion struct {
	DispatchLength int
	Verdict        interfaces.Verdict
	Err            error
	Final          bool
}

type task struct {
	dispatchLength int
	final          bool
	done           chan completion
}

// supervisor owns the single verification slot of a session. It is used only
// from the session goroutine; the verifier itself runs in a background
// goroutine and hands its result over a one-shot channel.
type supervisor struct {
	verifier interfaces.Verifier
	pending  *task
	hooks    Hooks
}

func newSupervisor(verifier interfaces.Verifier, hooks Hooks) *supervisor {
	return &supervisor{verifier: verifier, hooks: hooks}
}

// Pending reports whether a task is in flight
func (s *supervisor) Pending() bool {
	return s.pending != nil
}

// PendingLength returns the dispatch length of the task in flight
func (s *supervisor) PendingLength() (int, bool) {
	if s.pending == nil {
		return 0, false
	}
	return s.pending.dispatchLength, true
}

// Dispatch starts verifying text in the background. dispatchLength is recorded
// for attribution and never changes afterwards.
func (s *supervisor) Dispatch(ctx context.Context, text string, dispatchLength int, final bool) error {
	if s.pending != nil {
		return ErrTaskPending
	}

	t := &task{
		dispatchLength: dispatchLength,
		final:          final,
		done:           make(chan completion, 1),
	}
	s.pending = t
	if s.hooks.OnDispatch != nil {
		s.hooks.OnDispatch(dispatchLength, final)
	}

	go func(verifier interfaces.Verifier) {
		verdict, err := verifier.Verify(ctx, text)
		t.done <- completion{DispatchLength: t.dispatchLength, Verdict: verdict, Err: err, Final: t.final}
	}(s.verifier)

	return nil
}

// Poll returns the pending task's completion if it has finished, clearing the
// slot. It never blocks.
func (s *supervisor) Poll() (completion, bool) {
	if s.pending == nil {
		return completion{}, false
	}
	select {
	case c := <-s.pending.done:
		s.pending = nil
		if s.hooks.OnComplete != nil {
			s.hooks.OnComplete(c.DispatchLength, c.Verdict, c.Err)
		}
		return c, true
	default:
		return completion{}, false
	}
}

// Await blocks until the pending task completes or ctx is done. The slot is
// left pending when ctx ends first.
func (s *supervisor) Await(ctx context.Context) (completion, error) {
	if s.pending == nil {
		return completion{}, ErrNoTask
	}
	select {
	case c := <-s.pending.done:
		s.pending = nil
		if s.hooks.OnComplete != nil {
			s.hooks.OnComplete(c.DispatchLength, c.Verdict, c.Err)
		}
		return c, nil
	case <-ctx.Done():
		return completion{}, ctx.Err()
	}
}
