package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

// ContentFilter implements a guardrail that filters blocked words
type ContentFilter struct {
	blockedWords []string
	action       Action
	regex        *regexp.Regexp
}

// NewContentFilter creates a new content filter guardrail. Words match whole
// words, case-insensitively.
func NewContentFilter(blockedWords []string, action Action) *ContentFilter {
	quoted := make([]string, 0, len(blockedWords))
	for _, w := range blockedWords {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}

	var regex *regexp.Regexp
	if len(quoted) > 0 {
		regex = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}

	return &ContentFilter{
		blockedWords: blockedWords,
		action:       action,
		regex:        regex,
	}
}

// Type returns the type of guardrail
func (c *ContentFilter) Type() GuardrailType {
	return ContentFilterGuardrail
}

// CheckRequest checks if a request violates the guardrail
func (c *ContentFilter) CheckRequest(ctx context.Context, request string) (bool, string, error) {
	return c.check(request)
}

// CheckResponse checks if a response violates the guardrail
func (c *ContentFilter) CheckResponse(ctx context.Context, response string) (bool, string, error) {
	return c.check(response)
}

// Verify fails text containing a blocked word
func (c *ContentFilter) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	if c.regex == nil {
		return interfaces.Pass("no blocked words configured"), nil
	}
	if match := c.regex.FindString(text); match != "" {
		return interfaces.Fail(fmt.Sprintf("contains blocked word %q", match)), nil
	}
	return interfaces.Pass("no blocked words found"), nil
}

// Action returns the action to take when the guardrail is triggered
func (c *ContentFilter) Action() Action {
	return c.action
}

func (c *ContentFilter) check(text string) (bool, string, error) {
	if c.regex == nil || !c.regex.MatchString(text) {
		return false, text, nil
	}
	return true, c.regex.ReplaceAllString(text, "****"), nil
}
