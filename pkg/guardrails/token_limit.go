package guardrails

import (
	"context"
	"fmt"
	"strings"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

// TokenCounter is an interface for counting tokens in text
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// SimpleTokenCounter approximates tokens by whitespace-separated words
type SimpleTokenCounter struct{}

// CountTokens counts tokens in text
func (s *SimpleTokenCounter) CountTokens(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// TruncateMode selects which part of an over-long text is kept
type TruncateMode string

const (
	TruncateStart  TruncateMode = "start"
	TruncateMiddle TruncateMode = "middle"
	TruncateEnd    TruncateMode = "end"
)

// TokenLimit implements a guardrail that limits the number of tokens
type TokenLimit struct {
	maxTokens    int
	counter      TokenCounter
	action       Action
	truncateMode TruncateMode
}

// NewTokenLimit creates a new token limit guardrail
func NewTokenLimit(maxTokens int, counter TokenCounter, action Action, truncateMode TruncateMode) *TokenLimit {
	if counter == nil {
		counter = &SimpleTokenCounter{}
	}

	if truncateMode == "" {
		truncateMode = TruncateEnd
	}

	return &TokenLimit{
		maxTokens:    maxTokens,
		counter:      counter,
		action:       action,
		truncateMode: truncateMode,
	}
}

// Type returns the type of guardrail
func (t *TokenLimit) Type() GuardrailType {
	return TokenLimitGuardrail
}

// CheckRequest checks if a request violates the guardrail
func (t *TokenLimit) CheckRequest(ctx context.Context, request string) (bool, string, error) {
	return t.check(request)
}

// CheckResponse checks if a response violates the guardrail
func (t *TokenLimit) CheckResponse(ctx context.Context, response string) (bool, string, error) {
	return t.check(response)
}

// Verify fails text longer than the token budget
func (t *TokenLimit) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	tokens, err := t.counter.CountTokens(text)
	if err != nil {
		return interfaces.Verdict{}, fmt.Errorf("failed to count tokens: %w", err)
	}
	if tokens > t.maxTokens {
		return interfaces.Fail(fmt.Sprintf("exceeds token limit: %d > %d", tokens, t.maxTokens)), nil
	}
	return interfaces.Pass(fmt.Sprintf("%d of %d tokens", tokens, t.maxTokens)), nil
}

// Action returns the action to take when the guardrail is triggered
func (t *TokenLimit) Action() Action {
	return t.action
}

func (t *TokenLimit) check(text string) (bool, string, error) {
	tokens, err := t.counter.CountTokens(text)
	if err != nil {
		return false, text, fmt.Errorf("failed to count tokens: %w", err)
	}
	if tokens <= t.maxTokens {
		return false, text, nil
	}
	return true, t.truncate(text), nil
}

// truncate truncates text to the maximum token limit
func (t *TokenLimit) truncate(text string) string {
	words := strings.Fields(text)

	if len(words) <= t.maxTokens {
		return text
	}

	switch t.truncateMode {
	case TruncateStart:
		return strings.Join(words[len(words)-t.maxTokens:], " ")
	case TruncateMiddle:
		half := t.maxTokens / 2
		return strings.Join(words[:half], " ") + " ... " + strings.Join(words[len(words)-half:], " ")
	default:
		return strings.Join(words[:t.maxTokens], " ") + " ..."
	}
}
