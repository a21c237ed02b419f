package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerDispatchesOnThreshold(t *testing.T) {
	s := newScheduler(30)
	assert.Equal(t, 30, s.NextThreshold())

	assert.False(t, s.ShouldDispatch(29, false))
	assert.True(t, s.ShouldDispatch(30, false))
	assert.Equal(t, 60, s.NextThreshold())

	assert.False(t, s.ShouldDispatch(45, false))
	assert.True(t, s.ShouldDispatch(61, false))
	assert.Equal(t, 90, s.NextThreshold())
}

func TestSchedulerWaitsForPendingTask(t *testing.T) {
	s := newScheduler(10)

	assert.False(t, s.ShouldDispatch(15, true))
	assert.Equal(t, 10, s.NextThreshold(), "threshold must not move while a task is pending")

	assert.True(t, s.ShouldDispatch(15, false))
	assert.Equal(t, 20, s.NextThreshold())
}

func TestSchedulerUnderSamplesLargeDeltas(t *testing.T) {
	s := newScheduler(30)

	// One delta carries the length past three thresholds; only one is consumed.
	assert.True(t, s.ShouldDispatch(95, false))
	assert.Equal(t, 60, s.NextThreshold())

	// The skipped thresholds are consumed one per dispatch afterwards.
	assert.True(t, s.ShouldDispatch(96, false))
	assert.Equal(t, 90, s.NextThreshold())
	assert.True(t, s.ShouldDispatch(97, false))
	assert.Equal(t, 120, s.NextThreshold())
	assert.False(t, s.ShouldDispatch(98, false))
}

func TestSchedulerThresholdIsMonotonic(t *testing.T) {
	s := newScheduler(7)
	prev := s.NextThreshold()
	for length := 0; length < 200; length += 3 {
		s.ShouldDispatch(length, length%2 == 0)
		next := s.NextThreshold()
		assert.GreaterOrEqual(t, next, prev)
		assert.GreaterOrEqual(t, next, 7)
		assert.Zero(t, next%7)
		prev = next
	}
}
