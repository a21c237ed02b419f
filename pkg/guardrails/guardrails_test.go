package guardrails

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
)

func TestContentFilter(t *testing.T) {
	ctx := context.Background()
	filter := NewContentFilter([]string{"darn", "c++"}, ActionRedact)

	triggered, modified, err := filter.CheckResponse(ctx, "Well, DARN it.")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, "Well, **** it.", modified)

	triggered, modified, err = filter.CheckRequest(ctx, "darning socks")
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, "darning socks", modified)

	verdict, err := filter.Verify(ctx, "oh darn")
	require.NoError(t, err)
	assert.False(t, verdict.Passes)
	assert.Contains(t, verdict.Reason, `"darn"`)

	verdict, err = filter.Verify(ctx, "all good")
	require.NoError(t, err)
	assert.True(t, verdict.Passes)
}

func TestContentFilterWithoutWords(t *testing.T) {
	filter := NewContentFilter(nil, ActionBlock)
	triggered, _, err := filter.CheckResponse(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestPiiFilter(t *testing.T) {
	ctx := context.Background()
	filter := NewPiiFilter(ActionRedact)

	triggered, modified, err := filter.CheckResponse(ctx, "mail me at jane@example.com")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, "mail me at [REDACTED email]", modified)

	verdict, err := filter.Verify(ctx, "ssn 123-45-6789, mail jane@example.com")
	require.NoError(t, err)
	assert.False(t, verdict.Passes)
	assert.Equal(t, "contains personal data: email, ssn", verdict.Reason)

	verdict, err = filter.Verify(ctx, "nothing personal")
	require.NoError(t, err)
	assert.True(t, verdict.Passes)
}

func TestTokenLimit(t *testing.T) {
	ctx := context.Background()

	end := NewTokenLimit(3, nil, ActionRedact, "")
	triggered, modified, err := end.CheckResponse(ctx, "one two three four five")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, "one two three ...", modified)

	start := NewTokenLimit(2, nil, ActionRedact, TruncateStart)
	_, modified, _ = start.CheckRequest(ctx, "one two three four")
	assert.Equal(t, "three four", modified)

	middle := NewTokenLimit(2, nil, ActionRedact, TruncateMiddle)
	_, modified, _ = middle.CheckRequest(ctx, "one two three four")
	assert.Equal(t, "one ... four", modified)

	verdict, err := end.Verify(ctx, "one two three four")
	require.NoError(t, err)
	assert.False(t, verdict.Passes)
	assert.Equal(t, "exceeds token limit: 4 > 3", verdict.Reason)
}

type failingCounter struct{}

func (failingCounter) CountTokens(string) (int, error) { return 0, errors.New("tokenizer offline") }

func TestTokenLimitCounterError(t *testing.T) {
	limit := NewTokenLimit(3, failingCounter{}, ActionBlock, TruncateEnd)
	_, err := limit.Verify(context.Background(), "text")
	assert.Error(t, err)

	_, _, err = limit.CheckResponse(context.Background(), "text")
	assert.Error(t, err)
}

func TestPipelineBlocksWithTripwire(t *testing.T) {
	p := NewPipeline(
		WithPipelineLogger(logging.NewNop()),
		WithGuardrails(NewContentFilter([]string{"forbidden"}, ActionBlock)),
	)

	_, err := p.ProcessInput(context.Background(), "this is forbidden")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTripwire)

	var trip *TripwireError
	require.True(t, errors.As(err, &trip))
	assert.Equal(t, StageInput, trip.Stage)
	assert.Equal(t, string(ContentFilterGuardrail), trip.Guardrail)
	assert.Contains(t, trip.Reason, "forbidden")
}

func TestPipelineRedactsAndLogs(t *testing.T) {
	p := NewPipeline(
		WithPipelineLogger(logging.NewNop()),
		WithGuardrails(
			NewPiiFilter(ActionRedact),
			NewContentFilter([]string{"meh"}, ActionLog),
		),
	)

	out, err := p.ProcessOutput(context.Background(), "meh, write to bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "meh, write to [REDACTED email]", out)
}

func TestPipelineVerifiers(t *testing.T) {
	calls := 0
	onlyMath := interfaces.VerifierFunc(func(ctx context.Context, text string) (interfaces.Verdict, error) {
		calls++
		if text == "what is 2+2?" {
			return interfaces.Pass("arithmetic"), nil
		}
		return interfaces.Fail("not a math question"), nil
	})
	p := NewPipeline(WithPipelineLogger(logging.NewNop()), WithInputVerifier(MathTopicPolicyName, onlyMath))

	out, err := p.ProcessInput(context.Background(), "what is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "what is 2+2?", out)

	_, err = p.ProcessInput(context.Background(), "who won the match?")
	var trip *TripwireError
	require.ErrorAs(t, err, &trip)
	assert.Equal(t, MathTopicPolicyName, trip.Guardrail)
	assert.Equal(t, "not a math question", trip.Reason)

	// output verifiers are separate from input verifiers
	out, err = p.ProcessOutput(context.Background(), "who won the match?")
	require.NoError(t, err)
	assert.Equal(t, "who won the match?", out)
	assert.Equal(t, 2, calls)
}

func TestPipelineVerifierFaultIsNotATrip(t *testing.T) {
	boom := errors.New("judge unavailable")
	p := NewPipeline(
		WithPipelineLogger(logging.NewNop()),
		WithOutputVerifier("judge", interfaces.VerifierFunc(func(context.Context, string) (interfaces.Verdict, error) {
			return interfaces.Verdict{}, boom
		})),
	)

	_, err := p.ProcessOutput(context.Background(), "text")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTripwire)
}

func TestAllOf(t *testing.T) {
	v := AllOf(NewContentFilter([]string{"bad"}, ActionBlock), NewPiiFilter(ActionBlock))

	verdict, err := v.Verify(context.Background(), "fine text")
	require.NoError(t, err)
	assert.True(t, verdict.Passes)

	verdict, err = v.Verify(context.Background(), "reach me at a@b.io")
	require.NoError(t, err)
	assert.False(t, verdict.Passes)
	assert.Contains(t, verdict.Reason, "email")
}
