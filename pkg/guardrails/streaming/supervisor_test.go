package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming/streamtest"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

func TestSupervisorSingleSlot(t *testing.T) {
	v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
		return interfaces.Pass("fine"), nil
	})
	t.Cleanup(v.Release)

	var dispatched []int
	sup := newSupervisor(v, Hooks{OnDispatch: func(length int, _ bool) {
		dispatched = append(dispatched, length)
	}})

	require.NoError(t, sup.Dispatch(context.Background(), "abc", 3, false))
	assert.True(t, sup.Pending())
	assert.ErrorIs(t, sup.Dispatch(context.Background(), "abcdef", 6, false), ErrTaskPending)

	length, ok := sup.PendingLength()
	assert.True(t, ok)
	assert.Equal(t, 3, length)

	_, ok = sup.Poll()
	assert.False(t, ok, "poll must not report an unfinished task")

	v.Release()
	c, err := sup.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c.DispatchLength)
	assert.True(t, c.Verdict.Passes)
	assert.False(t, sup.Pending())
	assert.Equal(t, []int{3}, dispatched)
}

func TestSupervisorPollCollectsOnce(t *testing.T) {
	sup := newSupervisor(streamtest.FailFrom(1, "bad"), Hooks{})
	require.NoError(t, sup.Dispatch(context.Background(), "x", 1, false))

	var c completion
	require.Eventually(t, func() bool {
		var ok bool
		c, ok = sup.Poll()
		return ok
	}, time.Second, time.Millisecond)

	assert.False(t, c.Verdict.Passes)
	assert.Equal(t, "bad", c.Verdict.Reason)

	_, ok := sup.Poll()
	assert.False(t, ok)
}

func TestSupervisorAwait(t *testing.T) {
	t.Run("no task", func(t *testing.T) {
		sup := newSupervisor(streamtest.AlwaysPass(), Hooks{})
		_, err := sup.Await(context.Background())
		assert.ErrorIs(t, err, ErrNoTask)
	})

	t.Run("fault is data", func(t *testing.T) {
		boom := errors.New("judge unavailable")
		sup := newSupervisor(streamtest.Faulty(boom), Hooks{})
		require.NoError(t, sup.Dispatch(context.Background(), "text", 4, true))

		c, err := sup.Await(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, c.Err, boom)
		assert.True(t, c.Final)
	})

	t.Run("context ends first", func(t *testing.T) {
		v := streamtest.NewGatedVerifier(func(string) (interfaces.Verdict, error) {
			return interfaces.Pass(""), nil
		})
		t.Cleanup(v.Release)

		sup := newSupervisor(v, Hooks{})
		require.NoError(t, sup.Dispatch(context.Background(), "text", 4, false))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := sup.Await(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, sup.Pending())
	})
}
