package tracing

import (
	"context"
	"unicode/utf8"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

// LLMOTelMiddleware wraps an LLM with OpenTelemetry tracing
type LLMOTelMiddleware struct {
	llm    interfaces.LLM
	tracer interfaces.Tracer
}

// NewLLMOTelMiddleware creates a new LLMOTelMiddleware
func NewLLMOTelMiddleware(llm interfaces.LLM, tracer interfaces.Tracer) *LLMOTelMiddleware {
	return &LLMOTelMiddleware{
		llm:    llm,
		tracer: tracer,
	}
}

// Generate implements interfaces.LLM.Generate
func (m *LLMOTelMiddleware) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	ctx, span := m.tracer.StartSpan(ctx, "llm.generate")
	defer span.End()
	span.SetAttribute("llm.provider", m.llm.Name())
	span.SetAttribute("prompt.length", utf8.RuneCountInString(prompt))

	response, err := m.llm.Generate(ctx, prompt, options...)
	if err != nil {
		span.RecordError(err)
		return response, err
	}
	span.SetAttribute("response.length", utf8.RuneCountInString(response))
	return response, nil
}

// Name implements interfaces.LLM.Name
func (m *LLMOTelMiddleware) Name() string {
	return m.llm.Name()
}

// VerifierOTelMiddleware records one span per guardrail check
type VerifierOTelMiddleware struct {
	verifier interfaces.Verifier
	tracer   interfaces.Tracer
	name     string
}

// NewVerifierOTelMiddleware wraps verifier; name labels the spans
func NewVerifierOTelMiddleware(verifier interfaces.Verifier, tracer interfaces.Tracer, name string) *VerifierOTelMiddleware {
	return &VerifierOTelMiddleware{
		verifier: verifier,
		tracer:   tracer,
		name:     name,
	}
}

// Verify implements interfaces.Verifier
func (m *VerifierOTelMiddleware) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	ctx, span := m.tracer.StartSpan(ctx, "guardrails.verify")
	defer span.End()
	span.SetAttribute("guardrail.name", m.name)
	span.SetAttribute("text.length", utf8.RuneCountInString(text))

	verdict, err := m.verifier.Verify(ctx, text)
	if err != nil {
		span.RecordError(err)
		return verdict, err
	}
	span.SetAttribute("verdict.passes", verdict.Passes)
	if !verdict.Passes {
		span.SetAttribute("verdict.reason", verdict.Reason)
	}
	return verdict, nil
}
