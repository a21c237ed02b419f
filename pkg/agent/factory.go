package agent

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/run-bigpig/stream-guardrails/pkg/config"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/llm/anthropic"
	"github.com/run-bigpig/stream-guardrails/pkg/llm/openai"
	"github.com/run-bigpig/stream-guardrails/pkg/llm/vertex"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/metrics"
	"github.com/run-bigpig/stream-guardrails/pkg/retry"
	"github.com/run-bigpig/stream-guardrails/pkg/store"
	"github.com/run-bigpig/stream-guardrails/pkg/tracing"
)

// builder collects what NewFromConfig creates so a failure part way can
// release it
type builder struct {
	cfg      *config.Config
	logger   logging.Logger
	tracer   *tracing.OTelTracer
	langfuse *tracing.LangfuseTracer
	closers  []func(context.Context) error
}

// NewFromConfig wires an agent from configuration: the answering and judge
// models, the input and output guardrails, the streaming monitor, the
// session store and tracing. Streamed text is echoed to sink when non-nil.
// Options are applied last.
func NewFromConfig(ctx context.Context, cfg *config.Config, sink io.Writer, options ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &builder{
		cfg:    cfg,
		logger: logging.New(logging.WithLevel(cfg.Logging.Level)),
	}
	agent, err := b.build(ctx, sink, options)
	if err != nil {
		b.close(ctx)
		return nil, err
	}
	return agent, nil
}

// OpenStore opens the session store cfg names without building an agent.
// The store is nil for the "none" backend. Call release when done.
func OpenStore(ctx context.Context, cfg *config.Config) (sessions store.Store, release func(context.Context), err error) {
	if !slices.Contains(config.ValidStores, cfg.Store.Backend) {
		return nil, nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidConfig, cfg.Store.Backend)
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.Postgres.DSN == "" {
		return nil, nil, fmt.Errorf("%w: postgres store requires a DSN", config.ErrInvalidConfig)
	}

	b := &builder{
		cfg:    cfg,
		logger: logging.New(logging.WithLevel(cfg.Logging.Level)),
	}
	sessions, err = b.store(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sessions, b.close, nil
}

func (b *builder) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i](ctx)
	}
}

func (b *builder) build(ctx context.Context, sink io.Writer, options []Option) (*Agent, error) {
	if err := b.setupTracing(); err != nil {
		return nil, err
	}

	answerLLM, err := b.newLLM(ctx, b.cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	judgeLLM := answerLLM
	if b.cfg.JudgeProvider() != b.cfg.LLM.Provider {
		if judgeLLM, err = b.newLLM(ctx, b.cfg.JudgeProvider()); err != nil {
			return nil, err
		}
	}
	judgeLLM = b.traceLLM(judgeLLM)

	policies := b.policies()

	streamVerifier, err := b.streamVerifier(judgeLLM, policies)
	if err != nil {
		return nil, err
	}
	monitorOptions := []streaming.Option{
		streaming.WithSamplingInterval(b.cfg.Guardrails.SamplingInterval),
		streaming.WithHardLengthCap(b.cfg.Guardrails.HardLengthCap),
		streaming.WithLogger(b.logger),
		streaming.WithHooks(metrics.Hooks(streaming.Hooks{})),
	}
	if b.tracer != nil {
		monitorOptions = append(monitorOptions, streaming.WithTracer(b.tracer))
	}
	if sink != nil {
		monitorOptions = append(monitorOptions, streaming.WithSink(sink))
	}
	monitor, err := streaming.NewMonitor(streamVerifier, monitorOptions...)
	if err != nil {
		return nil, err
	}

	pipeline, err := b.pipeline(judgeLLM, policies)
	if err != nil {
		return nil, err
	}

	sessions, err := b.store(ctx)
	if err != nil {
		return nil, err
	}

	agentOptions := []Option{
		WithLLM(answerLLM),
		WithLogger(b.logger),
		WithGuardrails(pipeline),
		WithMonitor(monitor),
	}
	if sessions != nil {
		agentOptions = append(agentOptions, WithStore(sessions))
	}
	if b.tracer != nil {
		agentOptions = append(agentOptions, WithTracer(b.tracer))
	}
	if b.langfuse.Enabled() {
		agentOptions = append(agentOptions, WithLangfuse(b.langfuse))
	}

	agent, err := NewAgent(append(agentOptions, options...)...)
	if err != nil {
		return nil, err
	}
	agent.closers = b.closers
	return agent, nil
}

func (b *builder) setupTracing() error {
	otelCfg := b.cfg.Tracing.OTel
	if otelCfg.Enabled {
		tracer, err := tracing.NewOTelTracer(tracing.OTelConfig{
			Enabled:           true,
			ServiceName:       otelCfg.ServiceName,
			CollectorEndpoint: otelCfg.CollectorEndpoint,
		})
		if err != nil {
			return err
		}
		b.tracer = tracer
		b.closers = append(b.closers, tracer.Shutdown)
	}

	lfCfg := b.cfg.Tracing.Langfuse
	langfuse, err := tracing.NewLangfuseTracer(tracing.LangfuseConfig{
		Enabled:     lfCfg.Enabled,
		SecretKey:   lfCfg.SecretKey,
		PublicKey:   lfCfg.PublicKey,
		Host:        lfCfg.Host,
		Environment: lfCfg.Environment,
	})
	if err != nil {
		return err
	}
	b.langfuse = langfuse
	b.closers = append(b.closers, func(context.Context) error { return langfuse.Flush() })
	return nil
}

func (b *builder) newLLM(ctx context.Context, provider string) (interfaces.LLM, error) {
	llmCfg := b.cfg.LLM
	retryOptions := b.retryOptions()

	switch provider {
	case "openai":
		options := []openai.Option{
			openai.WithModel(llmCfg.OpenAI.Model),
			openai.WithLogger(b.logger),
			openai.WithRetry(retryOptions...),
		}
		if llmCfg.OpenAI.BaseURL != "" {
			options = append(options, openai.WithBaseURL(llmCfg.OpenAI.BaseURL))
		}
		return openai.NewClient(llmCfg.OpenAI.APIKey, options...), nil

	case "anthropic":
		options := []anthropic.Option{
			anthropic.WithModel(llmCfg.Anthropic.Model),
			anthropic.WithLogger(b.logger),
			anthropic.WithRetry(retryOptions...),
		}
		if llmCfg.Anthropic.BaseURL != "" {
			options = append(options, anthropic.WithBaseURL(llmCfg.Anthropic.BaseURL))
		}
		return anthropic.NewClient(llmCfg.Anthropic.APIKey, options...), nil

	case "vertex":
		options := []vertex.ClientOption{
			vertex.WithModel(llmCfg.Vertex.Model),
			vertex.WithLocation(llmCfg.Vertex.Location),
			vertex.WithLogger(b.logger),
		}
		if llmCfg.Retry.MaxAttempts > 0 {
			options = append(options, vertex.WithMaxRetries(int(llmCfg.Retry.MaxAttempts)))
		}
		if llmCfg.Retry.InitialInterval > 0 {
			options = append(options, vertex.WithRetryDelay(llmCfg.Retry.InitialInterval))
		}
		if llmCfg.Vertex.CredentialsFile != "" {
			options = append(options, vertex.WithCredentialsFile(llmCfg.Vertex.CredentialsFile))
		}
		client, err := vertex.NewClient(ctx, llmCfg.Vertex.ProjectID, options...)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return client.Close() })
		return client, nil
	}
	return nil, fmt.Errorf("%w: unsupported LLM provider %q", config.ErrInvalidConfig, provider)
}

// retryOptions leaves unset values to the retry package defaults
func (b *builder) retryOptions() []retry.Option {
	var options []retry.Option
	if attempts := b.cfg.LLM.Retry.MaxAttempts; attempts > 0 {
		options = append(options, retry.WithMaxAttempts(attempts))
	}
	if interval := b.cfg.LLM.Retry.InitialInterval; interval > 0 {
		options = append(options, retry.WithInitialInterval(interval))
	}
	if coefficient := b.cfg.LLM.Retry.BackoffCoefficient; coefficient > 0 {
		options = append(options, retry.WithBackoffCoefficient(coefficient))
	}
	if interval := b.cfg.LLM.Retry.MaxInterval; interval > 0 {
		options = append(options, retry.WithMaximumInterval(interval))
	}
	return options
}

func (b *builder) traceLLM(llm interfaces.LLM) interfaces.LLM {
	if b.tracer != nil {
		llm = tracing.NewLLMOTelMiddleware(llm, b.tracer)
	}
	if b.langfuse.Enabled() {
		llm = tracing.NewLLMMiddleware(llm, b.langfuse)
	}
	return llm
}

func (b *builder) traceVerifier(verifier interfaces.Verifier, name string) interfaces.Verifier {
	verifier = metrics.InstrumentVerifier(verifier, name)
	if b.tracer != nil {
		verifier = tracing.NewVerifierOTelMiddleware(verifier, b.tracer, name)
	}
	if b.langfuse.Enabled() {
		verifier = tracing.NewVerifierMiddleware(verifier, b.langfuse, name)
	}
	return verifier
}

// policies returns the configured custom policies. A configured audience
// retargets the builtin readability policy.
func (b *builder) policies() map[string]guardrails.Policy {
	custom := make(map[string]guardrails.Policy, len(b.cfg.Guardrails.Policies)+1)
	if audience := b.cfg.Guardrails.Audience; audience != "" {
		custom[guardrails.ReadabilityPolicyName] = guardrails.ReadabilityPolicy(audience)
	}
	for name, p := range b.cfg.Guardrails.Policies {
		custom[name] = guardrails.Policy{
			Name:         name,
			Instructions: p.Instructions,
			Variables:    p.Variables,
		}
	}
	return custom
}

func (b *builder) judge(llm interfaces.LLM, policies map[string]guardrails.Policy, name string) (interfaces.Verifier, error) {
	policy, err := guardrails.ResolvePolicy(name, policies)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	judge, err := guardrails.NewJudge(llm, policy,
		guardrails.WithJudgeLogger(b.logger),
		guardrails.WithJudgeMaxTokens(b.cfg.Guardrails.JudgeMaxTokens),
	)
	if err != nil {
		return nil, err
	}
	return b.traceVerifier(judge, policy.Name), nil
}

// streamVerifier checks blocked words before asking the judge
func (b *builder) streamVerifier(llm interfaces.LLM, policies map[string]guardrails.Policy) (interfaces.Verifier, error) {
	judge, err := b.judge(llm, policies, b.cfg.Guardrails.StreamPolicy)
	if err != nil {
		return nil, err
	}
	if len(b.cfg.Guardrails.BlockedWords) == 0 {
		return judge, nil
	}
	filter := guardrails.NewContentFilter(b.cfg.Guardrails.BlockedWords, guardrails.ActionBlock)
	return guardrails.AllOf(b.traceVerifier(filter, string(guardrails.ContentFilterGuardrail)), judge), nil
}

func (b *builder) pipeline(llm interfaces.LLM, policies map[string]guardrails.Policy) (*guardrails.Pipeline, error) {
	options := []guardrails.PipelineOption{guardrails.WithPipelineLogger(b.logger)}

	if len(b.cfg.Guardrails.BlockedWords) > 0 {
		options = append(options, guardrails.WithGuardrails(
			guardrails.NewContentFilter(b.cfg.Guardrails.BlockedWords, guardrails.ActionBlock),
		))
	}
	if b.cfg.Guardrails.RedactPII {
		options = append(options, guardrails.WithGuardrails(guardrails.NewPiiFilter(guardrails.ActionRedact)))
	}
	if limit := b.cfg.Guardrails.TokenLimit; limit > 0 {
		options = append(options, guardrails.WithGuardrails(
			guardrails.NewTokenLimit(limit, nil, guardrails.ActionBlock, guardrails.TruncateEnd),
		))
	}

	if name := b.cfg.Guardrails.InputPolicy; name != "" {
		judge, err := b.judge(llm, policies, name)
		if err != nil {
			return nil, err
		}
		options = append(options, guardrails.WithInputVerifier(name, judge))
	}
	if name := b.cfg.Guardrails.OutputPolicy; name != "" {
		judge, err := b.judge(llm, policies, name)
		if err != nil {
			return nil, err
		}
		options = append(options, guardrails.WithOutputVerifier(name, judge))
	}

	return guardrails.NewPipeline(options...), nil
}

func (b *builder) store(ctx context.Context) (store.Store, error) {
	storeCfg := b.cfg.Store
	switch storeCfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil

	case "redis":
		s, err := store.NewRedisStoreFromConfig(ctx, store.RedisConfig{
			Addr:     storeCfg.Redis.Addr,
			Password: storeCfg.Redis.Password,
			DB:       storeCfg.Redis.DB,
		},
			store.WithKeyPrefix(storeCfg.Redis.KeyPrefix),
			store.WithTTL(storeCfg.Redis.TTL),
			store.WithRetry(b.retryOptions()...),
		)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return s.Close() })
		return s, nil

	case "postgres":
		s, err := store.OpenPostgresStore(ctx, storeCfg.Postgres.DSN, store.WithTable(storeCfg.Postgres.Table))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return s.Close() })
		return s, nil
	}
	return nil, nil
}
