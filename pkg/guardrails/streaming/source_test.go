package streaming

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

func TestChannelSource(t *testing.T) {
	deltas := make(chan string, 2)
	errs := make(chan error, 1)
	deltas <- "one"
	deltas <- "two"
	close(deltas)
	close(errs)

	src := ChannelSource(deltas, errs)
	ctx := context.Background()

	var got []string
	for {
		ev, err := src.Recv(ctx)
		require.NoError(t, err)
		if ev.Kind == interfaces.EventEnd {
			break
		}
		got = append(got, ev.Text)
	}
	assert.Equal(t, []string{"one", "two"}, got)
	assert.NoError(t, src.Close())
}

func TestChannelSourceError(t *testing.T) {
	boom := errors.New("upstream closed")
	deltas := make(chan string)
	errs := make(chan error, 1)
	errs <- boom
	close(deltas)

	_, err := ChannelSource(deltas, errs).Recv(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestChannelSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ChannelSource(make(chan string), nil).Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
