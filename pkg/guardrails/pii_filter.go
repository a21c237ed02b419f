package guardrails

import (
	"context"
	"regexp"
	"strings"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

type piiPattern struct {
	name  string
	regex *regexp.Regexp
}

// PiiFilter implements a guardrail that filters personally identifiable information
type PiiFilter struct {
	patterns []piiPattern
	action   Action
}

// NewPiiFilter creates a new PII filter guardrail
func NewPiiFilter(action Action) *PiiFilter {
	return &PiiFilter{
		patterns: []piiPattern{
			{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
			{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{"credit_card", regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
			{"phone", regexp.MustCompile(`\b(\+\d{1,2}\s)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
			{"ip_address", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
		},
		action: action,
	}
}

// Type returns the type of guardrail
func (p *PiiFilter) Type() GuardrailType {
	return PiiFilterGuardrail
}

// CheckRequest checks if a request violates the guardrail
func (p *PiiFilter) CheckRequest(ctx context.Context, request string) (bool, string, error) {
	triggered, modified, _ := p.redact(request)
	return triggered, modified, nil
}

// CheckResponse checks if a response violates the guardrail
func (p *PiiFilter) CheckResponse(ctx context.Context, response string) (bool, string, error) {
	triggered, modified, _ := p.redact(response)
	return triggered, modified, nil
}

// Verify fails text containing personal data, naming the categories found
func (p *PiiFilter) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	triggered, _, found := p.redact(text)
	if triggered {
		return interfaces.Fail("contains personal data: " + strings.Join(found, ", ")), nil
	}
	return interfaces.Pass("no personal data found"), nil
}

// Action returns the action to take when the guardrail is triggered
func (p *PiiFilter) Action() Action {
	return p.action
}

// redact runs the patterns in order so that the more specific ones win
func (p *PiiFilter) redact(text string) (bool, string, []string) {
	var found []string
	modified := text
	for _, pattern := range p.patterns {
		if pattern.regex.MatchString(modified) {
			found = append(found, pattern.name)
			modified = pattern.regex.ReplaceAllString(modified, "[REDACTED "+pattern.name+"]")
		}
	}
	return len(found) > 0, modified, found
}
