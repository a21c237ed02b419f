// Package guardrails provides rule-based and LLM-judged checks for prompts and
// responses. Every guardrail can be used in a Pipeline for whole-text input
// and output checks, and as an interfaces.Verifier for the streaming monitor.
package guardrails

import (
	"context"
	"errors"
	"fmt"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
)

// GuardrailType identifies a guardrail implementation
type GuardrailType string

const (
	ContentFilterGuardrail GuardrailType = "content_filter"
	PiiFilterGuardrail     GuardrailType = "pii_filter"
	TokenLimitGuardrail    GuardrailType = "token_limit"
	JudgeGuardrail         GuardrailType = "judge"
)

// Action is what a Pipeline does when a guardrail triggers
type Action string

const (
	// ActionBlock rejects the text with a TripwireError
	ActionBlock Action = "block"
	// ActionRedact replaces the text with the guardrail's modified version
	ActionRedact Action = "redact"
	// ActionLog lets the text through and logs a warning
	ActionLog Action = "log"
)

// Stage is the point in a run where a guardrail tripped
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Guardrail is a rule applied to requests and responses
type Guardrail interface {
	Type() GuardrailType

	// CheckRequest reports whether the request triggers the guardrail and
	// returns the possibly modified request
	CheckRequest(ctx context.Context, request string) (bool, string, error)

	// CheckResponse reports whether the response triggers the guardrail and
	// returns the possibly modified response
	CheckResponse(ctx context.Context, response string) (bool, string, error)

	Action() Action
}

// ErrTripwire matches every TripwireError
var ErrTripwire = errors.New("guardrail tripwire triggered")

// TripwireError reports a blocked input or output
type TripwireError struct {
	Stage     Stage
	Guardrail string
	Reason    string
}

func (e *TripwireError) Error() string {
	return fmt.Sprintf("%s guardrail %s triggered: %s", e.Stage, e.Guardrail, e.Reason)
}

// Is makes errors.Is(err, ErrTripwire) true
func (e *TripwireError) Is(target error) bool {
	return target == ErrTripwire
}

type namedVerifier struct {
	name     string
	verifier interfaces.Verifier
}

// Pipeline applies guardrails and verifiers in order. It implements
// interfaces.Guardrails.
type Pipeline struct {
	guardrails      []Guardrail
	inputVerifiers  []namedVerifier
	outputVerifiers []namedVerifier
	logger          logging.Logger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithGuardrails appends rule-based guardrails
func WithGuardrails(guardrails ...Guardrail) PipelineOption {
	return func(p *Pipeline) {
		p.guardrails = append(p.guardrails, guardrails...)
	}
}

// WithInputVerifier blocks inputs the verifier fails
func WithInputVerifier(name string, verifier interfaces.Verifier) PipelineOption {
	return func(p *Pipeline) {
		p.inputVerifiers = append(p.inputVerifiers, namedVerifier{name: name, verifier: verifier})
	}
}

// WithOutputVerifier blocks outputs the verifier fails
func WithOutputVerifier(name string, verifier interfaces.Verifier) PipelineOption {
	return func(p *Pipeline) {
		p.outputVerifiers = append(p.outputVerifiers, namedVerifier{name: name, verifier: verifier})
	}
}

// WithPipelineLogger sets the logger
func WithPipelineLogger(logger logging.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a pipeline
func NewPipeline(options ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: logging.New()}
	for _, option := range options {
		option(p)
	}
	return p
}

// ProcessInput applies the guardrails to user input
func (p *Pipeline) ProcessInput(ctx context.Context, input string) (string, error) {
	return p.process(ctx, StageInput, input, p.inputVerifiers)
}

// ProcessOutput applies the guardrails to model output
func (p *Pipeline) ProcessOutput(ctx context.Context, output string) (string, error) {
	return p.process(ctx, StageOutput, output, p.outputVerifiers)
}

func (p *Pipeline) process(ctx context.Context, stage Stage, text string, verifiers []namedVerifier) (string, error) {
	for _, g := range p.guardrails {
		var (
			triggered bool
			modified  string
			err       error
		)
		if stage == StageInput {
			triggered, modified, err = g.CheckRequest(ctx, text)
		} else {
			triggered, modified, err = g.CheckResponse(ctx, text)
		}
		if err != nil {
			return "", fmt.Errorf("%s guardrail %s: %w", stage, g.Type(), err)
		}
		if !triggered {
			continue
		}

		switch g.Action() {
		case ActionBlock:
			reason := "text rejected"
			if v, ok := g.(interfaces.Verifier); ok {
				if verdict, err := v.Verify(ctx, text); err == nil && !verdict.Passes {
					reason = verdict.Reason
				}
			}
			return "", &TripwireError{Stage: stage, Guardrail: string(g.Type()), Reason: reason}
		case ActionRedact:
			text = modified
		default:
			p.logger.Warn(ctx, "Guardrail triggered", map[string]interface{}{
				"stage":     string(stage),
				"guardrail": string(g.Type()),
			})
		}
	}

	for _, nv := range verifiers {
		verdict, err := nv.verifier.Verify(ctx, text)
		if err != nil {
			return "", fmt.Errorf("%s verifier %s: %w", stage, nv.name, err)
		}
		if !verdict.Passes {
			p.logger.Info(ctx, "Guardrail tripwire triggered", map[string]interface{}{
				"stage":    string(stage),
				"verifier": nv.name,
				"reason":   verdict.Reason,
			})
			return "", &TripwireError{Stage: stage, Guardrail: nv.name, Reason: verdict.Reason}
		}
	}

	return text, nil
}

// AllOf combines verifiers; the first failing verdict or error wins
func AllOf(verifiers ...interfaces.Verifier) interfaces.Verifier {
	return interfaces.VerifierFunc(func(ctx context.Context, text string) (interfaces.Verdict, error) {
		for _, v := range verifiers {
			verdict, err := v.Verify(ctx, text)
			if err != nil {
				return interfaces.Verdict{}, err
			}
			if !verdict.Passes {
				return verdict, nil
			}
		}
		return interfaces.Pass(""), nil
	})
}
