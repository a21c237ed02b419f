package interfaces

import "context"

// LLM represents a large language model provider
type LLM interface {
	// Generate generates text based on the provided prompt
	Generate(ctx context.Context, prompt string, options ...GenerateOption) (string, error)

	// Name returns the name of the LLM provider
	Name() string
}

// StreamingLLM is an LLM that can emit its answer incrementally
type StreamingLLM interface {
	LLM

	// Stream starts a generation and returns a source of text deltas.
	// The caller owns the returned source and must Close it.
	Stream(ctx context.Context, prompt string, options ...GenerateOption) (StreamSource, error)
}

// GenerateOption represents options for text generation
type GenerateOption func(options *GenerateOptions)

// GenerateOptions contains configuration for text generation
type GenerateOptions struct {
	LLMConfig      *LLMConfig      // LLM config for the generation
	OrgID          string          // For multi-tenancy
	SystemMessage  string          // System message for chat models
	ResponseFormat *ResponseFormat // Optional expected response format
}

type LLMConfig struct {
	Temperature      float64  // Temperature for the generation
	TopP             float64  // Top P for the generation
	FrequencyPenalty float64  // Frequency penalty for the generation
	PresencePenalty  float64  // Presence penalty for the generation
	StopSequences    []string // Stop sequences for the generation
	MaxTokens        int      // Upper bound on generated tokens, 0 means provider default
}

// ApplyGenerateOptions folds options over the provider defaults
func ApplyGenerateOptions(defaults *LLMConfig, options ...GenerateOption) *GenerateOptions {
	params := &GenerateOptions{LLMConfig: defaults}
	for _, option := range options {
		if option != nil {
			option(params)
		}
	}
	return params
}

// WithSystemMessage sets the system message for the generation
func WithSystemMessage(systemMessage string) GenerateOption {
	return func(options *GenerateOptions) {
		options.SystemMessage = systemMessage
	}
}

// WithResponseFormat asks the provider for structured output
func WithResponseFormat(format ResponseFormat) GenerateOption {
	return func(options *GenerateOptions) {
		options.ResponseFormat = &format
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(temperature float64) GenerateOption {
	return func(options *GenerateOptions) {
		if options.LLMConfig == nil {
			options.LLMConfig = &LLMConfig{}
		}
		options.LLMConfig.Temperature = temperature
	}
}

// WithMaxTokens caps the generated tokens
func WithMaxTokens(maxTokens int) GenerateOption {
	return func(options *GenerateOptions) {
		if options.LLMConfig == nil {
			options.LLMConfig = &LLMConfig{}
		}
		options.LLMConfig.MaxTokens = maxTokens
	}
}

// WithStopSequences sets the stop sequences
func WithStopSequences(stopSequences []string) GenerateOption {
	return func(options *GenerateOptions) {
		if options.LLMConfig == nil {
			options.LLMConfig = &LLMConfig{}
		}
		options.LLMConfig.StopSequences = stopSequences
	}
}
