package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/metrics"
	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
	"github.com/run-bigpig/stream-guardrails/pkg/store"
	"github.com/run-bigpig/stream-guardrails/pkg/tracing"
)

const (
	// DefaultRefusal answers prompts the input guardrail rejected
	DefaultRefusal = "I'm a math tutor and can only help with mathematics-related questions. Please ask me something about math instead."

	// DefaultOutputNotice replaces responses the output guardrail rejected
	DefaultOutputNotice = "Guardrail triggered - response didn't contain sufficient math content"

	// DefaultSystemPrompt is used for streamed answers
	DefaultSystemPrompt = "You are a helpful assistant. Provide clear, informative answers to questions. " +
		"Explain topics in a natural way with appropriate detail and terminology."
)

// ErrStreamingUnsupported is returned by RunStreamed when the LLM cannot stream
var ErrStreamingUnsupported = errors.New("LLM does not support streaming")

// Agent answers prompts behind input, output and streaming guardrails
type Agent struct {
	llm          interfaces.LLM
	name         string
	systemPrompt string
	orgID        string
	tracer       interfaces.Tracer
	guardrails   interfaces.Guardrails
	monitor      *streaming.Monitor
	store        store.Store
	langfuse     *tracing.LangfuseTracer
	logger       logging.Logger
	llmConfig    *interfaces.LLMConfig
	refusal      string
	outputNotice string
	closers      []func(context.Context) error
}

// Option represents an option for configuring an agent
type Option func(*Agent)

// WithLLM sets the LLM for the agent
func WithLLM(llm interfaces.LLM) Option {
	return func(a *Agent) {
		a.llm = llm
	}
}

// WithName sets the name for the agent
func WithName(name string) Option {
	return func(a *Agent) {
		a.name = name
	}
}

// WithSystemPrompt sets the system prompt for the agent
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		a.systemPrompt = prompt
	}
}

// WithOrgID sets the organization ID for multi-tenancy
func WithOrgID(orgID string) Option {
	return func(a *Agent) {
		a.orgID = orgID
	}
}

// WithTracer sets the tracer for the agent
func WithTracer(tracer interfaces.Tracer) Option {
	return func(a *Agent) {
		a.tracer = tracer
	}
}

// WithGuardrails sets the input and output guardrails
func WithGuardrails(guardrails interfaces.Guardrails) Option {
	return func(a *Agent) {
		a.guardrails = guardrails
	}
}

// WithMonitor sets the monitor that supervises streamed answers
func WithMonitor(monitor *streaming.Monitor) Option {
	return func(a *Agent) {
		a.monitor = monitor
	}
}

// WithStore keeps the result of every streamed session
func WithStore(s store.Store) Option {
	return func(a *Agent) {
		a.store = s
	}
}

// WithLangfuse records every streamed session as a Langfuse trace
func WithLangfuse(tracer *tracing.LangfuseTracer) Option {
	return func(a *Agent) {
		a.langfuse = tracer
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithLLMConfig sets generation parameters
func WithLLMConfig(config interfaces.LLMConfig) Option {
	return func(a *Agent) {
		a.llmConfig = &config
	}
}

// WithRefusal sets the answer given when the input guardrail trips
func WithRefusal(message string) Option {
	return func(a *Agent) {
		a.refusal = message
	}
}

// WithOutputNotice sets the answer given when the output guardrail trips
func WithOutputNotice(message string) Option {
	return func(a *Agent) {
		a.outputNotice = message
	}
}

// NewAgent creates a new agent with the given options
func NewAgent(options ...Option) (*Agent, error) {
	agent := &Agent{
		name:         "Assistant",
		systemPrompt: DefaultSystemPrompt,
		refusal:      DefaultRefusal,
		outputNotice: DefaultOutputNotice,
	}

	for _, option := range options {
		option(agent)
	}

	if agent.llm == nil {
		return nil, fmt.Errorf("LLM is required")
	}
	if agent.logger == nil {
		agent.logger = logging.New()
	}

	return agent, nil
}

// Response is the outcome of a non-streamed run
type Response struct {
	Response  string `json:"response"`
	Triggered bool   `json:"guardrail_triggered"`
	Stage     string `json:"guardrail_stage,omitempty"`
	Guardrail string `json:"guardrail,omitempty"`
	Reason    string `json:"guardrail_reason,omitempty"`

	// Analysis is the rejected model answer when the output guardrail tripped
	Analysis string `json:"analysis,omitempty"`

	ReceivedPrompt string `json:"received_prompt"`
}

// Run checks input, generates an answer and checks the answer. A tripped
// guardrail is not an error: it is reported in the response.
func (a *Agent) Run(ctx context.Context, input string) (*Response, error) {
	ctx = a.withOrg(ctx)

	var span interfaces.Span
	if a.tracer != nil {
		ctx, span = a.tracer.StartSpan(ctx, "agent.Run")
		defer span.End()
		span.SetAttribute("agent.name", a.name)
	}

	resp := &Response{ReceivedPrompt: input}

	if a.guardrails != nil {
		guarded, err := a.guardrails.ProcessInput(ctx, input)
		if tripped, ok := asTripwire(err); ok {
			a.tripped(ctx, span, resp, tripped)
			resp.Response = a.refusal
			return resp, nil
		}
		if err != nil {
			a.fail(span, err)
			return nil, fmt.Errorf("input guardrails: %w", err)
		}
		input = guarded
	}

	output, err := a.llm.Generate(ctx, input, a.generateOptions()...)
	if err != nil {
		a.fail(span, err)
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}

	if a.guardrails != nil {
		guarded, err := a.guardrails.ProcessOutput(ctx, output)
		if tripped, ok := asTripwire(err); ok {
			a.tripped(ctx, span, resp, tripped)
			resp.Response = a.outputNotice
			resp.Analysis = output
			return resp, nil
		}
		if err != nil {
			a.fail(span, err)
			return nil, fmt.Errorf("output guardrails: %w", err)
		}
		output = guarded
	}

	resp.Response = output
	return resp, nil
}

// RunStreamed streams an answer under the monitor. The result is returned
// with faults too, and is stored and traced either way.
func (a *Agent) RunStreamed(ctx context.Context, input string) (*streaming.Result, error) {
	if a.monitor == nil {
		return nil, fmt.Errorf("streaming monitor is not configured")
	}
	streamer, ok := a.llm.(interfaces.StreamingLLM)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamingUnsupported, a.llm.Name())
	}
	ctx = a.withOrg(ctx)

	src, err := streamer.Stream(ctx, input, a.generateOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			a.logger.Debug(ctx, "Failed to close stream", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	res, runErr := a.monitor.Run(ctx, src)
	if res == nil {
		return nil, runErr
	}

	metrics.RecordSession(res)
	a.record(ctx, input, res)
	return res, runErr
}

func (a *Agent) record(ctx context.Context, input string, res *streaming.Result) {
	// The session may have ended because ctx did.
	ctx = context.WithoutCancel(ctx)

	if a.store != nil {
		rec := store.NewRecord(multitenancy.OrgIDOrDefault(ctx), input, res)
		if err := a.store.Save(ctx, rec); err != nil {
			a.logger.Warn(ctx, "Failed to store session result", map[string]interface{}{
				"session_id": res.SessionID,
				"error":      err.Error(),
			})
		}
	}

	if a.langfuse != nil {
		if _, err := a.langfuse.TraceSession(ctx, input, res); err != nil {
			a.logger.Warn(ctx, "Failed to trace session", map[string]interface{}{
				"session_id": res.SessionID,
				"error":      err.Error(),
			})
		}
	}
}

// Close releases the clients and exporters the agent owns
func (a *Agent) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name returns the agent's name
func (a *Agent) Name() string {
	return a.name
}

// Monitor returns the streaming monitor, if any
func (a *Agent) Monitor() *streaming.Monitor {
	return a.monitor
}

// Store returns the session store, if any
func (a *Agent) Store() store.Store {
	return a.store
}

func (a *Agent) withOrg(ctx context.Context) context.Context {
	if a.orgID != "" {
		return multitenancy.WithOrgID(ctx, a.orgID)
	}
	return ctx
}

func (a *Agent) generateOptions() []interfaces.GenerateOption {
	options := []interfaces.GenerateOption{interfaces.WithSystemMessage(a.systemPrompt)}
	if a.llmConfig != nil {
		options = append(options, interfaces.WithTemperature(a.llmConfig.Temperature))
		if a.llmConfig.MaxTokens > 0 {
			options = append(options, interfaces.WithMaxTokens(a.llmConfig.MaxTokens))
		}
		if len(a.llmConfig.StopSequences) > 0 {
			options = append(options, interfaces.WithStopSequences(a.llmConfig.StopSequences))
		}
	}
	return options
}

func (a *Agent) tripped(ctx context.Context, span interfaces.Span, resp *Response, tripped *guardrails.TripwireError) {
	resp.Triggered = true
	resp.Stage = string(tripped.Stage)
	resp.Guardrail = tripped.Guardrail
	resp.Reason = tripped.Reason

	if span != nil {
		span.AddEvent("guardrail.tripped", map[string]interface{}{
			"stage":     resp.Stage,
			"guardrail": resp.Guardrail,
		})
	}
	a.logger.Info(ctx, "Guardrail tripped", map[string]interface{}{
		"agent":     a.name,
		"stage":     resp.Stage,
		"guardrail": resp.Guardrail,
		"reason":    resp.Reason,
	})
}

func (a *Agent) fail(span interfaces.Span, err error) {
	if span != nil {
		span.RecordError(err)
	}
}

func asTripwire(err error) (*guardrails.TripwireError, bool) {
	var tripped *guardrails.TripwireError
	if errors.As(err, &tripped) {
		return tripped, true
	}
	return nil, false
}
