package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/henomis/langfuse-go"
	"github.com/henomis/langfuse-go/model"

	"github.com/run-bigpig/stream-guardrails/pkg/config"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
)

// LangfuseTracer records generations, guardrail checks and streaming
// sessions in Langfuse
type LangfuseTracer struct {
	client      *langfuse.Langfuse
	enabled     bool
	environment string
	logger      logging.Logger
}

// LangfuseConfig contains configuration for Langfuse
type LangfuseConfig struct {
	// Enabled determines whether Langfuse tracing is enabled
	Enabled bool

	// SecretKey is the Langfuse secret key
	SecretKey string

	// PublicKey is the Langfuse public key
	PublicKey string

	// Host is the Langfuse host (optional)
	Host string

	// Environment is the environment name (e.g., "production", "staging")
	Environment string
}

// NewLangfuseTracer creates a new Langfuse tracer from the global
// configuration, or from customConfig when given
func NewLangfuseTracer(customConfig ...LangfuseConfig) (*LangfuseTracer, error) {
	var tracerConfig LangfuseConfig
	if len(customConfig) > 0 {
		tracerConfig = customConfig[0]
	} else {
		cfg := config.Get()
		tracerConfig = LangfuseConfig{
			Enabled:     cfg.Tracing.Langfuse.Enabled,
			SecretKey:   cfg.Tracing.Langfuse.SecretKey,
			PublicKey:   cfg.Tracing.Langfuse.PublicKey,
			Host:        cfg.Tracing.Langfuse.Host,
			Environment: cfg.Tracing.Langfuse.Environment,
		}
	}

	if !tracerConfig.Enabled {
		return &LangfuseTracer{
			enabled: false,
			logger:  logging.New(),
		}, nil
	}
	if tracerConfig.SecretKey == "" || tracerConfig.PublicKey == "" {
		return nil, fmt.Errorf("langfuse tracing requires both a public and a secret key")
	}

	// langfuse-go reads its credentials from the environment.
	setEnvDefault("LANGFUSE_PUBLIC_KEY", tracerConfig.PublicKey)
	setEnvDefault("LANGFUSE_SECRET_KEY", tracerConfig.SecretKey)
	setEnvDefault("LANGFUSE_HOST", tracerConfig.Host)

	return &LangfuseTracer{
		client:      langfuse.New(context.Background()),
		enabled:     true,
		environment: tracerConfig.Environment,
		logger:      logging.New(),
	}, nil
}

func setEnvDefault(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}

// Enabled reports whether events are sent
func (t *LangfuseTracer) Enabled() bool {
	return t.enabled
}

func (t *LangfuseTracer) metadata(ctx context.Context, metadata map[string]interface{}) model.M {
	m := make(model.M, len(metadata)+3)
	for k, v := range metadata {
		m[k] = v
	}
	m["org_id"] = multitenancy.OrgIDOrDefault(ctx)
	m["environment"] = t.environment
	if sessionID, ok := logging.SessionID(ctx); ok {
		m["session_id"] = sessionID
	}
	return m
}

// TraceGeneration traces an LLM generation
func (t *LangfuseTracer) TraceGeneration(ctx context.Context, modelName string, prompt string, response string, startTime time.Time, endTime time.Time, metadata map[string]interface{}) (string, error) {
	if !t.enabled {
		return "", nil
	}

	generation := &model.Generation{
		Name:      fmt.Sprintf("generation-%d", time.Now().UnixNano()),
		StartTime: &startTime,
		EndTime:   &endTime,
		Model:     modelName,
		Input: []model.M{
			{
				"prompt": prompt,
			},
		},
		Output: model.M{
			"completion": response,
		},
		Metadata: t.metadata(ctx, metadata),
	}

	generationID, err := t.client.Generation(generation, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse generation: %w", err)
	}

	return generationID.ID, nil
}

// TraceEvent traces an event
func (t *LangfuseTracer) TraceEvent(ctx context.Context, name string, input interface{}, output interface{}, level string, metadata map[string]interface{}, parentID string) (string, error) {
	if !t.enabled {
		return "", nil
	}

	event := &model.Event{
		Name:     name,
		Input:    input,
		Output:   output,
		Level:    model.ObservationLevel(level),
		Metadata: t.metadata(ctx, metadata),
	}
	if parentID != "" {
		event.ParentObservationID = parentID
	}

	eventID, err := t.client.Event(event, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse event: %w", err)
	}

	return eventID.ID, nil
}

// TraceSession records a finished streaming session as a Langfuse trace
// keyed by the session ID
func (t *LangfuseTracer) TraceSession(ctx context.Context, prompt string, res *streaming.Result) (string, error) {
	if !t.enabled || res == nil {
		return "", nil
	}

	trace := &model.Trace{
		Name:      "streaming-guardrail-session",
		SessionID: res.SessionID,
		UserID:    multitenancy.OrgIDOrDefault(ctx),
		Input:     model.M{"prompt": prompt},
		Output:    res,
		Metadata: t.metadata(ctx, map[string]interface{}{
			"outcome":           string(res.Outcome),
			"stop_reason":       string(res.StopReason),
			"checks_dispatched": res.ChecksDispatched,
		}),
		Tags: []string{"guardrails", string(res.Outcome)},
	}

	created, err := t.client.Trace(trace)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse trace: %w", err)
	}
	return created.ID, nil
}

// Flush flushes the Langfuse client
func (t *LangfuseTracer) Flush() error {
	if !t.enabled {
		return nil
	}

	t.client.Flush(context.Background())
	return nil
}

// LLMMiddleware implements middleware for LLM calls with Langfuse tracing
type LLMMiddleware struct {
	llm    interfaces.LLM
	tracer *LangfuseTracer
}

// NewLLMMiddleware creates a new LLM middleware with Langfuse tracing
func NewLLMMiddleware(llm interfaces.LLM, tracer *LangfuseTracer) *LLMMiddleware {
	return &LLMMiddleware{
		llm:    llm,
		tracer: tracer,
	}
}

// Generate generates text from a prompt with Langfuse tracing
func (m *LLMMiddleware) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	startTime := time.Now()
	response, err := m.llm.Generate(ctx, prompt, options...)
	endTime := time.Now()

	if err == nil {
		if _, traceErr := m.tracer.TraceGeneration(ctx, m.llm.Name(), prompt, response, startTime, endTime, nil); traceErr != nil {
			m.tracer.logger.Warn(ctx, "Failed to trace generation", map[string]interface{}{"error": traceErr.Error()})
		}
	} else {
		errorMetadata := map[string]interface{}{
			"error": err.Error(),
		}
		if _, traceErr := m.tracer.TraceEvent(ctx, "llm_error", prompt, nil, "ERROR", errorMetadata, ""); traceErr != nil {
			m.tracer.logger.Warn(ctx, "Failed to trace error", map[string]interface{}{"error": traceErr.Error()})
		}
	}

	return response, err
}

// Name implements interfaces.LLM.Name
func (m *LLMMiddleware) Name() string {
	return m.llm.Name()
}

// VerifierMiddleware records every guardrail check as a Langfuse event
type VerifierMiddleware struct {
	verifier interfaces.Verifier
	tracer   *LangfuseTracer
	name     string
}

// NewVerifierMiddleware wraps verifier; name labels the events
func NewVerifierMiddleware(verifier interfaces.Verifier, tracer *LangfuseTracer, name string) *VerifierMiddleware {
	return &VerifierMiddleware{
		verifier: verifier,
		tracer:   tracer,
		name:     name,
	}
}

// Verify implements interfaces.Verifier
func (m *VerifierMiddleware) Verify(ctx context.Context, text string) (interfaces.Verdict, error) {
	start := time.Now()
	verdict, err := m.verifier.Verify(ctx, text)

	metadata := map[string]interface{}{
		"guardrail":   m.name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	level := "DEFAULT"
	var output interface{} = verdict
	switch {
	case err != nil:
		level = "ERROR"
		metadata["error"] = err.Error()
		output = nil
	case !verdict.Passes:
		level = "WARNING"
	}

	if _, traceErr := m.tracer.TraceEvent(ctx, "guardrail_check", model.M{"text": text}, output, level, metadata, ""); traceErr != nil {
		m.tracer.logger.Warn(ctx, "Failed to trace guardrail check", map[string]interface{}{"error": traceErr.Error()})
	}

	return verdict, err
}
