package interfaces

import "context"

// Guardrails represents a system for ensuring safe and appropriate responses
type Guardrails interface {
	// ProcessInput processes user input before sending to the LLM
	ProcessInput(ctx context.Context, input string) (string, error)

	// ProcessOutput processes LLM output before returning to the user
	ProcessOutput(ctx context.Context, output string) (string, error)
}

// Verdict is the pass/fail judgment produced for a piece of text
type Verdict struct {
	Passes bool   `json:"passes"`
	Reason string `json:"reasoning"`
}

// Pass returns a passing verdict
func Pass(reason string) Verdict {
	return Verdict{Passes: true, Reason: reason}
}

// Fail returns a failing verdict with the given reason
func Fail(reason string) Verdict {
	return Verdict{Passes: false, Reason: reason}
}

// Verifier judges whether text satisfies a policy.
//
// A failing policy is reported as a Verdict, never as an error. An error means
// no verdict could be produced at all.
type Verifier interface {
	Verify(ctx context.Context, text string) (Verdict, error)
}

// VerifierFunc adapts a function to the Verifier interface
type VerifierFunc func(ctx context.Context, text string) (Verdict, error)

// Verify calls f(ctx, text)
func (f VerifierFunc) Verify(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}
