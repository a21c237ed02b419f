package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming/streamtest"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// dispatchLog records dispatches through hooks
type dispatchLog struct {
	mu      sync.Mutex
	sampled []int
	final   []int
}

func (d *dispatchLog) hooks() Hooks {
	return Hooks{OnDispatch: func(length int, final bool) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if final {
			d.final = append(d.final, length)
		} else {
			d.sampled = append(d.sampled, length)
		}
	}}
}

// lockstepSource hands out the next delta only after every dispatched check
// has returned, so trips surface on the poll right after the next delta.
type lockstepSource struct {
	*streamtest.SliceSource
	verifier   interface{ Finished() int }
	dispatched *atomic.Int32
}

func (s *lockstepSource) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	deadline := time.Now().Add(2 * time.Second)
	for s.verifier.Finished() < int(s.dispatched.Load()) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Microsecond)
	}
	time.Sleep(time.Millisecond)
	return s.SliceSource.Recv(ctx)
}

func newTestMonitor(t *testing.T, v interfaces.Verifier, options ...Option) *Monitor {
	t.Helper()
	m, err := NewMonitor(v, append([]Option{WithLogger(logging.NewNop())}, options...)...)
	require.NoError(t, err)
	return m
}

func TestNewMonitorValidation(t *testing.T) {
	_, err := NewMonitor(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewMonitor(streamtest.AlwaysPass(), WithSamplingInterval(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewMonitor(streamtest.AlwaysPass(), WithHardLengthCap(-1))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	m, err := NewMonitor(streamtest.AlwaysPass(), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, DefaultSamplingInterval, m.SamplingInterval())
	assert.Equal(t, DefaultHardLengthCap, m.HardLengthCap())
}

func TestRunCleanStream(t *testing.T) {
	// 250 characters against interval 30 and cap 600
	v := streamtest.AlwaysPass()
	log := &dispatchLog{}
	m := newTestMonitor(t, v, WithSamplingInterval(30), WithHardLengthCap(600), WithHooks(log.hooks()))

	text := strings.Repeat("The quick brown fox jumps. ", 10)[:250]
	src := streamtest.NewSliceSource(streamtest.Chunks(text, 7)...)

	res, err := m.Run(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, res.Clean())
	assert.False(t, res.Triggered)
	assert.Nil(t, res.TriggeredAt)
	assert.Nil(t, res.EvaluatedTextLength)
	assert.Empty(t, res.Reason)
	assert.Equal(t, text, res.Response)
	assert.Equal(t, 250, res.TotalCharacters)
	assert.Equal(t, 30, res.SamplingInterval)
	assert.Equal(t, StopExhausted, res.StopReason)
	assert.Equal(t, OutcomeClean, res.Outcome)
	assert.NotEmpty(t, res.SessionID)

	require.Equal(t, []int{250}, log.final, "exactly one final check on the full text")
	calls := v.Calls()
	assert.Equal(t, text, calls[len(calls)-1].Text)
	assert.Equal(t, len(log.sampled)+1, res.ChecksDispatched)
	assert.Equal(t, 1, v.MaxConcurrent())
}

func TestRunTripsAtDispatchLength(t *testing.T) {
	// Fails once the text reaches 90 characters
	v := streamtest.FailFrom(90, "uses jargon")
	var dispatched atomic.Int32
	m := newTestMonitor(t, v,
		WithSamplingInterval(30),
		WithHardLengthCap(600),
		WithHooks(Hooks{OnDispatch: func(int, bool) { dispatched.Add(1) }}),
	)

	src := &lockstepSource{
		SliceSource: streamtest.NewSliceSource(streamtest.Repeat('a', 10, 60)...),
		verifier:    v,
		dispatched:  &dispatched,
	}

	res, err := m.Run(context.Background(), src)
	require.NoError(t, err)

	require.True(t, res.Triggered)
	assert.Equal(t, "uses jargon", res.Reason)
	require.NotNil(t, res.TriggeredAt)
	assert.Equal(t, 90, *res.TriggeredAt)
	assert.Equal(t, 90, *res.EvaluatedTextLength)
	assert.Zero(t, *res.TriggeredAt%30)
	assert.Equal(t, StopTripped, res.StopReason)
	assert.Equal(t, OutcomeTripped, res.Outcome)
	assert.False(t, res.Clean())

	// Consumption stops within one delta of the failing verdict.
	assert.LessOrEqual(t, res.TotalCharacters, 100)
	assert.LessOrEqual(t, src.Consumed(), 10)
	assert.Equal(t, res.TotalCharacters, len(res.Response))
}

func TestRunAttributesTripToDispatchNotDetection(t *testing.T) {
	v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
		return interfaces.Fail("disallowed"), nil
	})
	t.Cleanup(v.Release)

	m := newTestMonitor(t, v, WithSamplingInterval(10), WithHardLengthCap(1000))

	src := &releasingSource{
		SliceSource: streamtest.NewSliceSource(streamtest.Repeat('b', 5, 40)...),
		releaseAt:   10,
		verifier:    v,
	}

	res, err := m.Run(context.Background(), src)
	require.NoError(t, err)

	require.True(t, res.Triggered)
	assert.Equal(t, 10, *res.TriggeredAt)
	assert.GreaterOrEqual(t, res.TotalCharacters, 50)
	assert.Equal(t, 1, res.ChecksDispatched, "no check may start while one is pending")

	calls := v.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10, calls[0].Length)
}

// releasingSource opens the verifier gate before handing out delta releaseAt
// and waits for the released call to return.
type releasingSource struct {
	*streamtest.SliceSource
	releaseAt int
	verifier  *streamtest.GatedVerifier
}

func (s *releasingSource) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	if s.Consumed() == s.releaseAt {
		s.verifier.Release()
		deadline := time.Now().Add(2 * time.Second)
		for s.verifier.Finished() < 1 && time.Now().Before(deadline) {
			time.Sleep(100 * time.Microsecond)
		}
		time.Sleep(time.Millisecond)
	}
	return s.SliceSource.Recv(ctx)
}

func TestRunNeverOverlapsChecks(t *testing.T) {
	v := &streamtest.ScriptedVerifier{Decide: func(text string) (interfaces.Verdict, error) {
		time.Sleep(time.Duration(len(text)%3) * time.Millisecond)
		return interfaces.Pass("ok"), nil
	}}

	var outstanding, peak atomic.Int32
	m := newTestMonitor(t, v,
		WithSamplingInterval(1),
		WithHardLengthCap(10000),
		WithHooks(Hooks{
			OnDispatch: func(int, bool) {
				n := outstanding.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
			},
			OnComplete: func(int, interfaces.Verdict, error) { outstanding.Add(-1) },
		}),
	)

	res, err := m.Run(context.Background(), streamtest.NewSliceSource(streamtest.Repeat('c', 3, 300)...))
	require.NoError(t, err)

	assert.True(t, res.Clean())
	assert.Equal(t, 900, res.TotalCharacters)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 1, v.MaxConcurrent())
	assert.Equal(t, int32(0), outstanding.Load())
}

func TestRunThresholdsAdvanceByInterval(t *testing.T) {
	var thresholds []int
	log := &dispatchLog{}
	hooks := log.hooks()
	hooks.OnThreshold = func(next int) { thresholds = append(thresholds, next) }

	m := newTestMonitor(t, streamtest.AlwaysPass(), WithSamplingInterval(25), WithHooks(hooks))

	_, err := m.Run(context.Background(), streamtest.NewSliceSource(streamtest.Repeat('d', 4, 100)...))
	require.NoError(t, err)

	require.NotEmpty(t, thresholds)
	prev := 25
	for _, next := range thresholds {
		assert.GreaterOrEqual(t, next, prev)
		assert.Zero(t, next%25)
		prev = next
	}
	for _, length := range log.sampled {
		assert.GreaterOrEqual(t, length, 25)
	}
}

func TestRunUnderSamplesLargeDelta(t *testing.T) {
	log := &dispatchLog{}
	var thresholds []int
	hooks := log.hooks()
	hooks.OnThreshold = func(next int) { thresholds = append(thresholds, next) }

	m := newTestMonitor(t, streamtest.AlwaysPass(), WithSamplingInterval(30), WithHooks(hooks))

	res, err := m.Run(context.Background(), streamtest.NewSliceSource(strings.Repeat("e", 95)))
	require.NoError(t, err)

	assert.Equal(t, []int{95}, log.sampled, "one sampled check for a delta spanning three thresholds")
	assert.Equal(t, []int{60}, thresholds)
	assert.Equal(t, []int{95}, log.final)
	assert.Equal(t, 2, res.ChecksDispatched)
}

func TestRunStopsAtHardCap(t *testing.T) {
	// 500 characters offered against interval 30 and cap 100
	v := streamtest.AlwaysPass()
	log := &dispatchLog{}
	m := newTestMonitor(t, v, WithSamplingInterval(30), WithHardLengthCap(100), WithHooks(log.hooks()))

	src := streamtest.NewSliceSource(streamtest.Repeat('f', 10, 50)...)
	res, err := m.Run(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, res.Clean())
	assert.Equal(t, 100, res.TotalCharacters)
	assert.Equal(t, StopCapped, res.StopReason)
	assert.Equal(t, 10, src.Consumed())
	require.Equal(t, []int{100}, log.final)

	calls := v.Calls()
	assert.Equal(t, 100, calls[len(calls)-1].Length)
}

func TestRunClipsDeltaCrossingCap(t *testing.T) {
	var sink bytes.Buffer
	m := newTestMonitor(t, streamtest.AlwaysPass(), WithHardLengthCap(12), WithSink(&sink))

	res, err := m.Run(context.Background(), streamtest.NewSliceSource("héllo ", "wörld and more"))
	require.NoError(t, err)

	assert.Equal(t, "héllo wörld ", res.Response)
	assert.Equal(t, 12, res.TotalCharacters)
	assert.Equal(t, res.Response, sink.String())
	assert.Equal(t, StopCapped, res.StopReason)
}

func TestRunEmptyStream(t *testing.T) {
	v := streamtest.AlwaysPass()
	m := newTestMonitor(t, v)

	res, err := m.Run(context.Background(), streamtest.NewSliceSource())
	require.NoError(t, err)

	assert.True(t, res.Clean())
	assert.Zero(t, res.TotalCharacters)
	require.Len(t, v.Calls(), 1)
	assert.Equal(t, "", v.Calls()[0].Text)
}

func TestRunFinalCheckTrips(t *testing.T) {
	// Text stays under the first threshold, so only the final check runs.
	log := &dispatchLog{}
	m := newTestMonitor(t, streamtest.FailFrom(1, "too complex"), WithSamplingInterval(50), WithHooks(log.hooks()))

	res, err := m.Run(context.Background(), streamtest.NewSliceSource("short", " text"))
	require.NoError(t, err)

	require.True(t, res.Triggered)
	assert.Equal(t, 10, *res.TriggeredAt)
	assert.Equal(t, "too complex", res.Reason)
	assert.Equal(t, StopExhausted, res.StopReason)
	assert.Equal(t, OutcomeTripped, res.Outcome)
	assert.Empty(t, log.sampled)
	assert.Equal(t, []int{10}, log.final)
}

func TestRunDrainsPendingCheckBeforeFinal(t *testing.T) {
	t.Run("pending check trips", func(t *testing.T) {
		v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
			return interfaces.Fail("late verdict"), nil
		})
		t.Cleanup(v.Release)

		m := newTestMonitor(t, v, WithSamplingInterval(30), WithHooks(releaseOnFinalize(v)))
		res, err := m.Run(context.Background(), streamtest.NewSliceSource(streamtest.Repeat('g', 10, 4)...))
		require.NoError(t, err)

		require.True(t, res.Triggered)
		assert.Equal(t, 30, *res.TriggeredAt)
		assert.Equal(t, 40, res.TotalCharacters)
		assert.Equal(t, 1, res.ChecksDispatched)
		assert.Equal(t, StopExhausted, res.StopReason)
	})

	t.Run("pending check trips at the cap", func(t *testing.T) {
		v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
			return interfaces.Fail("late verdict"), nil
		})
		t.Cleanup(v.Release)

		m := newTestMonitor(t, v, WithSamplingInterval(30), WithHardLengthCap(50), WithHooks(releaseOnFinalize(v)))
		src := streamtest.NewSliceSource(streamtest.Repeat('g', 10, 10)...)
		res, err := m.Run(context.Background(), src)
		require.NoError(t, err)

		require.True(t, res.Triggered)
		assert.Equal(t, 30, *res.TriggeredAt)
		assert.Equal(t, "late verdict", res.Reason)
		assert.Equal(t, 50, res.TotalCharacters)
		assert.Equal(t, 1, res.ChecksDispatched)
		assert.Equal(t, StopCapped, res.StopReason)
		assert.Equal(t, OutcomeTripped, res.Outcome)
		assert.Equal(t, 5, src.Consumed())
	})

	t.Run("pending check passes", func(t *testing.T) {
		v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
			return interfaces.Pass("fine"), nil
		})
		t.Cleanup(v.Release)

		m := newTestMonitor(t, v, WithSamplingInterval(30), WithHooks(releaseOnFinalize(v)))
		res, err := m.Run(context.Background(), streamtest.NewSliceSource(streamtest.Repeat('g', 10, 4)...))
		require.NoError(t, err)

		assert.True(t, res.Clean())
		assert.Equal(t, 2, res.ChecksDispatched)
		assert.Equal(t, 1, v.MaxConcurrent())

		calls := v.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, 30, calls[0].Length)
		assert.Equal(t, 40, calls[1].Length)
	})
}

// releaseOnFinalize holds sampled checks until the stream has ended
func releaseOnFinalize(v *streamtest.GatedVerifier) Hooks {
	return Hooks{OnStateChange: func(_, to State) {
		if to == StateFinalizing {
			v.Release()
		}
	}}
}

func TestRunVerifierFault(t *testing.T) {
	boom := errors.New("judge returned 500")
	m := newTestMonitor(t, streamtest.Faulty(boom), WithSamplingInterval(30))

	res, err := m.Run(context.Background(), streamtest.NewSliceSource(streamtest.Repeat('h', 10, 10)...))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrVerifierFault)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrStreamFault)

	var verr *VerifierError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 30, verr.DispatchLength)

	require.NotNil(t, res)
	assert.Equal(t, OutcomeFaulted, res.Outcome)
	assert.False(t, res.Clean())
	assert.False(t, res.Triggered)
}

func TestRunStreamFault(t *testing.T) {
	boom := errors.New("connection reset")
	m := newTestMonitor(t, streamtest.AlwaysPass(), WithSamplingInterval(100))

	res, err := m.Run(context.Background(), streamtest.NewErrSource(boom, "hello ", "world"))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrStreamFault)
	assert.ErrorIs(t, err, boom)

	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 11, serr.Length)

	require.NotNil(t, res)
	assert.Equal(t, "hello world", res.Response)
	assert.Equal(t, StopFaulted, res.StopReason)
	assert.Equal(t, OutcomeFaulted, res.Outcome)
	assert.False(t, res.Clean())
}

func TestRunCancelledWhileStreaming(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	m := newTestMonitor(t, streamtest.AlwaysPass())
	res, err := m.Run(ctx, streamtest.NewBlockingSource("partial"))

	assert.ErrorIs(t, err, ErrStreamFault)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "partial", res.Response)
	assert.Equal(t, OutcomeFaulted, res.Outcome)
}

func TestRunCancelledDuringFinalCheck(t *testing.T) {
	v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
		return interfaces.Pass(""), nil
	})
	t.Cleanup(v.Release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	m := newTestMonitor(t, v, WithSamplingInterval(100))
	res, err := m.Run(ctx, streamtest.NewSliceSource("tiny"))

	assert.ErrorIs(t, err, ErrVerifierFault)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var verr *VerifierError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Final)
	assert.Equal(t, 4, verr.DispatchLength)
	assert.Equal(t, StopExhausted, res.StopReason)
	assert.Equal(t, OutcomeFaulted, res.Outcome)
}

func TestRunStateTransitions(t *testing.T) {
	var states []string
	hooks := Hooks{OnStateChange: func(from, to State) {
		states = append(states, from.String()+">"+to.String())
	}}

	m := newTestMonitor(t, streamtest.AlwaysPass(), WithHooks(hooks))
	_, err := m.Run(context.Background(), streamtest.NewSliceSource("abc"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"streaming>exhausted",
		"exhausted>finalizing",
		"finalizing>done",
	}, states)
}

func TestRunPollsAroundEveryDelta(t *testing.T) {
	var polls int
	m := newTestMonitor(t, streamtest.AlwaysPass(), WithSamplingInterval(1000),
		WithHooks(Hooks{OnPoll: func(int, bool) { polls++ }}))

	_, err := m.Run(context.Background(), streamtest.NewSliceSource("a", "b", "c"))
	require.NoError(t, err)

	// Two polls per delta plus the poll that precedes the end event.
	assert.Equal(t, 7, polls)
}

func TestMonitorSessionsAreIndependent(t *testing.T) {
	m := newTestMonitor(t, streamtest.AlwaysPass(), WithSamplingInterval(5))

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Run(context.Background(), streamtest.NewSliceSource(streamtest.Repeat('x', 3, i+5)...))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 3*(i+5), res.TotalCharacters)
		assert.False(t, seen[res.SessionID])
		seen[res.SessionID] = true
	}
}

func TestResultJSON(t *testing.T) {
	m := newTestMonitor(t, streamtest.FailFrom(30, "uses jargon"), WithSamplingInterval(30))

	res, err := m.Run(context.Background(), streamtest.NewSliceSource(strings.Repeat("z", 30)))
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, true, fields["guardrail_triggered"])
	assert.Equal(t, "uses jargon", fields["guardrail_reason"])
	assert.Equal(t, float64(30), fields["guardrail_triggered_at"])
	assert.Equal(t, float64(30), fields["guardrail_evaluated_text_length"])
	assert.Equal(t, float64(30), fields["characters_checked_at_interval"])
	assert.Equal(t, float64(30), fields["total_characters"])
	assert.Equal(t, "tripped", fields["outcome"])

	clean := &Result{Outcome: OutcomeClean}
	raw, err = json.Marshal(clean)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"guardrail_triggered_at":null`)
	assert.NotContains(t, string(raw), "guardrail_reason")
}
