package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/prompts"
)

// ErrMalformedVerdict is returned when the judge model answers without a usable verdict
var ErrMalformedVerdict = errors.New("malformed guardrail verdict")

// Judge is a Verifier that asks a model whether text satisfies a Policy.
// The model must answer with {"reasoning": string, "passes": bool}.
type Judge struct {
	llm       interfaces.LLM
	policy    Policy
	template  *prompts.Template
	logger    logging.Logger
	maxTokens int
}

// JudgeOption configures a Judge
type JudgeOption func(*Judge)

// WithJudgeLogger sets the logger for the judge
func WithJudgeLogger(logger logging.Logger) JudgeOption {
	return func(j *Judge) {
		j.logger = logger
	}
}

// WithJudgeMaxTokens bounds the verdict length
func WithJudgeMaxTokens(maxTokens int) JudgeOption {
	return func(j *Judge) {
		j.maxTokens = maxTokens
	}
}

// NewJudge creates a judge for the policy
func NewJudge(llm interfaces.LLM, policy Policy, options ...JudgeOption) (*Judge, error) {
	if llm == nil {
		return nil, fmt.Errorf("judge %s: LLM is required", policy.Name)
	}

	tmpl := prompts.New(policy.Name, policy.Name, policy.Instructions)
	if err := tmpl.Parse(); err != nil {
		return nil, fmt.Errorf("judge %s: %w", policy.Name, err)
	}

	j := &Judge{
		llm:       llm,
		policy:    policy,
		template:  tmpl,
		logger:    logging.New(),
		maxTokens: 256,
	}
	for _, option := range options {
		option(j)
	}
	return j, nil
}

// Policy returns the policy the judge enforces
func (j *Judge) Policy() Policy {
	return j.policy
}

// Type returns the type of guardrail
func (j *Judge) Type() GuardrailType {
	return JudgeGuardrail
}

// Verify asks the model for a verdict on text
func (j *Judge) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	instructions, err := j.template.Render(j.policy.Variables)
	if err != nil {
		return interfaces.Verdict{}, fmt.Errorf("judge %s: %w", j.policy.Name, err)
	}

	raw, err := j.llm.Generate(ctx, text,
		interfaces.WithSystemMessage(instructions+"\n\n"+verdictInstruction),
		interfaces.WithResponseFormat(interfaces.VerdictFormat),
		interfaces.WithTemperature(0),
		interfaces.WithMaxTokens(j.maxTokens),
	)
	if err != nil {
		return interfaces.Verdict{}, fmt.Errorf("judge %s: %w", j.policy.Name, err)
	}

	verdict, err := ParseVerdict(raw)
	if err != nil {
		j.logger.Error(ctx, "Judge returned an unusable verdict", map[string]interface{}{
			"policy":   j.policy.Name,
			"model":    j.llm.Name(),
			"response": raw,
		})
		return interfaces.Verdict{}, fmt.Errorf("judge %s: %w", j.policy.Name, err)
	}

	j.logger.Debug(ctx, "Judge verdict", map[string]interface{}{
		"policy":      j.policy.Name,
		"passes":      verdict.Passes,
		"reason":      verdict.Reason,
		"text_length": len(text),
	})
	return verdict, nil
}

const verdictInstruction = `Respond only with a JSON object of the form {"reasoning": "<brief explanation>", "passes": <true|false>}.`

// ParseVerdict decodes a judge answer, tolerating markdown code fences
func ParseVerdict(raw string) (interfaces.Verdict, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}

	var decoded struct {
		Reasoning *string `json:"reasoning"`
		Passes    *bool   `json:"passes"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return interfaces.Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if decoded.Passes == nil {
		return interfaces.Verdict{}, fmt.Errorf("%w: missing \"passes\"", ErrMalformedVerdict)
	}

	verdict := interfaces.Verdict{Passes: *decoded.Passes}
	if decoded.Reasoning != nil {
		verdict.Reason = *decoded.Reasoning
	}
	return verdict, nil
}
