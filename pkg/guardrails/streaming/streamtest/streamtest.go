// Package streamtest provides scripted stream sources and verifiers for
// exercising streaming guardrail sessions.
package streamtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

// SliceSource replays a fixed list of deltas followed by the end event
type SliceSource struct {
	deltas []string
	next   int
	closed bool
}

// NewSliceSource creates a source that yields deltas in order
func NewSliceSource(deltas ...string) *SliceSource {
	return &SliceSource{deltas: deltas}
}

// Chunks splits text into deltas of size characters
func Chunks(text string, size int) []string {
	var out []string
	for text != "" {
		n := 0
		cut := len(text)
		for i := range text {
			if n == size {
				cut = i
				break
			}
			n++
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// Repeat returns count deltas each made of size copies of r
func Repeat(r rune, size, count int) []string {
	out := make([]string, count)
	for i := range out {
		out[i] = strings.Repeat(string(r), size)
	}
	return out
}

func (s *SliceSource) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.StreamEvent{}, err
	}
	if s.next >= len(s.deltas) {
		return interfaces.End(), nil
	}
	d := s.deltas[s.next]
	s.next++
	return interfaces.Delta(d), nil
}

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// Consumed returns how many deltas have been handed out
func (s *SliceSource) Consumed() int {
	return s.next
}

// Closed reports whether Close was called
func (s *SliceSource) Closed() bool {
	return s.closed
}

// ErrSource yields its deltas and then fails with err
type ErrSource struct {
	*SliceSource
	err error
}

// NewErrSource creates a source that fails after the given deltas
func NewErrSource(err error, deltas ...string) *ErrSource {
	return &ErrSource{SliceSource: NewSliceSource(deltas...), err: err}
}

func (s *ErrSource) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	if s.next >= len(s.deltas) {
		return interfaces.StreamEvent{}, s.err
	}
	return s.SliceSource.Recv(ctx)
}

// BlockingSource yields its deltas and then blocks until ctx is done
type BlockingSource struct {
	*SliceSource
}

// NewBlockingSource creates a source that never ends on its own
func NewBlockingSource(deltas ...string) *BlockingSource {
	return &BlockingSource{SliceSource: NewSliceSource(deltas...)}
}

func (s *BlockingSource) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	if s.next >= len(s.deltas) {
		<-ctx.Done()
		return interfaces.StreamEvent{}, ctx.Err()
	}
	return s.SliceSource.Recv(ctx)
}

// Call records one verifier invocation
type Call struct {
	Text   string
	Length int
}

// Recorder counts verifier calls and the peak number of concurrent calls
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	active   atomic.Int32
	maxSeen  atomic.Int32
	finished atomic.Int32
}

func (r *Recorder) enter(text string) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Text: text, Length: utf8.RuneCountInString(text)})
	r.mu.Unlock()

	n := r.active.Add(1)
	for {
		peak := r.maxSeen.Load()
		if n <= peak || r.maxSeen.CompareAndSwap(peak, n) {
			break
		}
	}
}

func (r *Recorder) exit() {
	r.active.Add(-1)
	r.finished.Add(1)
}

// Calls returns a copy of the recorded calls
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// MaxConcurrent returns the largest number of overlapping calls observed
func (r *Recorder) MaxConcurrent() int {
	return int(r.maxSeen.Load())
}

// Finished returns how many calls have returned
func (r *Recorder) Finished() int {
	return int(r.finished.Load())
}

// ScriptedVerifier answers every call with Decide(text)
type ScriptedVerifier struct {
	Recorder
	Decide func(text string) (interfaces.Verdict, error)
}

// AlwaysPass returns a verifier that approves everything
func AlwaysPass() *ScriptedVerifier {
	return &ScriptedVerifier{Decide: func(string) (interfaces.Verdict, error) {
		return interfaces.Pass("ok"), nil
	}}
}

// FailFrom returns a verifier that fails any text of at least length characters
func FailFrom(length int, reason string) *ScriptedVerifier {
	return &ScriptedVerifier{Decide: func(text string) (interfaces.Verdict, error) {
		if utf8.RuneCountInString(text) >= length {
			return interfaces.Fail(reason), nil
		}
		return interfaces.Pass("ok"), nil
	}}
}

// Faulty returns a verifier whose calls all fail with err
func Faulty(err error) *ScriptedVerifier {
	return &ScriptedVerifier{Decide: func(string) (interfaces.Verdict, error) {
		return interfaces.Verdict{}, err
	}}
}

func (v *ScriptedVerifier) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	v.enter(text)
	defer v.exit()
	return v.Decide(text)
}

// GatedVerifier holds every call until Release is called or the call's
// context ends, then answers with Decide(text).
type GatedVerifier struct {
	Recorder
	Decide func(text string) (interfaces.Verdict, error)
	gate   chan struct{}
	once   sync.Once
}

// NewGatedVerifier creates a closed gate in front of decide
func NewGatedVerifier(decide func(text string) (interfaces.Verdict, error)) *GatedVerifier {
	return &GatedVerifier{
		Decide: decide,
		gate:   make(chan struct{}),
	}
}

// Release opens the gate for all current and future calls
func (v *GatedVerifier) Release() {
	v.once.Do(func() { close(v.gate) })
}

func (v *GatedVerifier) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	v.enter(text)
	defer v.exit()
	select {
	case <-v.gate:
	case <-ctx.Done():
		return interfaces.Verdict{}, ctx.Err()
	}
	return v.Decide(text)
}
