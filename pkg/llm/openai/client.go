package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
	"github.com/run-bigpig/stream-guardrails/pkg/retry"
)

// OpenAIClient implements the LLM interface for OpenAI
type OpenAIClient struct {
	Client        *openai.Client
	Model         string
	baseURL       string
	logger        logging.Logger
	retryExecutor *retry.Executor
}

// Option represents an option for configuring the OpenAI client
type Option func(*OpenAIClient)

// WithModel sets the model for the OpenAI client
func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		c.Model = model
	}
}

// WithLogger sets the logger for the OpenAI client
func WithLogger(logger logging.Logger) Option {
	return func(c *OpenAIClient) {
		c.logger = logger
	}
}

// WithRetry configures retry policy for the client
func WithRetry(opts ...retry.Option) Option {
	return func(c *OpenAIClient) {
		c.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// WithBaseURL points the client at an OpenAI compatible endpoint
func WithBaseURL(baseURL string) Option {
	return func(c *OpenAIClient) {
		c.baseURL = baseURL
	}
}

// NewClient creates a new OpenAI client
func NewClient(apiKey string, options ...Option) *OpenAIClient {
	client := &OpenAIClient{
		Model:  "gpt-4o-mini",
		logger: logging.New(),
	}

	for _, option := range options {
		option(client)
	}
	client.Client = newClient(apiKey, client.baseURL)

	return client
}

func newClient(apiKey, baseURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
}

// Generate generates text from a prompt
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	params := interfaces.ApplyGenerateOptions(&interfaces.LLMConfig{Temperature: 0.7}, options...)
	req := c.buildRequest(ctx, prompt, params)

	var resp openai.ChatCompletionResponse
	operation := func() error {
		c.logger.Debug(ctx, "Executing OpenAI API request", map[string]interface{}{
			"model":           c.Model,
			"temperature":     req.Temperature,
			"max_tokens":      req.MaxTokens,
			"messages":        len(req.Messages),
			"response_format": req.ResponseFormat != nil,
		})

		var err error
		resp, err = c.Client.CreateChatCompletion(ctx, req)
		if err != nil {
			c.logger.Error(ctx, "Error from OpenAI API", map[string]interface{}{
				"error": err.Error(),
				"model": c.Model,
			})
			return fmt.Errorf("failed to generate text: %w", err)
		}
		return nil
	}

	if err := c.execute(ctx, operation); err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI API")
	}

	c.logger.Debug(ctx, "Successfully received response from OpenAI", map[string]interface{}{
		"model": c.Model,
	})
	return resp.Choices[0].Message.Content, nil
}

// Stream starts a streamed chat completion. Only opening the stream is
// retried; a failure mid-stream is reported by the source.
func (c *OpenAIClient) Stream(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (interfaces.StreamSource, error) {
	params := interfaces.ApplyGenerateOptions(&interfaces.LLMConfig{Temperature: 0.7}, options...)
	req := c.buildRequest(ctx, prompt, params)
	req.Stream = true

	var stream *openai.ChatCompletionStream
	operation := func() error {
		c.logger.Debug(ctx, "Opening OpenAI completion stream", map[string]interface{}{
			"model":    c.Model,
			"messages": len(req.Messages),
		})

		var err error
		stream, err = c.Client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			c.logger.Error(ctx, "Error opening OpenAI stream", map[string]interface{}{
				"error": err.Error(),
				"model": c.Model,
			})
			return fmt.Errorf("failed to open completion stream: %w", err)
		}
		return nil
	}

	if err := c.execute(ctx, operation); err != nil {
		return nil, err
	}

	return &completionStream{stream: stream}, nil
}

// Name implements interfaces.LLM.Name
func (c *OpenAIClient) Name() string {
	return "openai"
}

func (c *OpenAIClient) execute(ctx context.Context, operation func() error) error {
	if c.retryExecutor != nil {
		c.logger.Debug(ctx, "Using retry mechanism for OpenAI request", map[string]interface{}{
			"model": c.Model,
		})
		return c.retryExecutor.Execute(ctx, operation)
	}
	return operation()
}

func (c *OpenAIClient) buildRequest(ctx context.Context, prompt string, params *interfaces.GenerateOptions) openai.ChatCompletionRequest {
	messages := []openai.ChatCompletionMessage{}
	if params.SystemMessage != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: params.SystemMessage,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    c.Model,
		Messages: messages,
	}

	if params.LLMConfig != nil {
		req.Temperature = float32(params.LLMConfig.Temperature)
		req.TopP = float32(params.LLMConfig.TopP)
		req.FrequencyPenalty = float32(params.LLMConfig.FrequencyPenalty)
		req.PresencePenalty = float32(params.LLMConfig.PresencePenalty)
		req.Stop = params.LLMConfig.StopSequences
		req.MaxTokens = params.LLMConfig.MaxTokens
	}

	if params.ResponseFormat != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   params.ResponseFormat.Name,
				Schema: params.ResponseFormat.Schema,
				Strict: true,
			},
		}
	}

	orgID := params.OrgID
	if orgID == "" {
		orgID, _ = multitenancy.GetOrgID(ctx) // empty when unset
	}
	if orgID != "" {
		req.User = orgID
	}

	return req
}

// completionStream adapts a go-openai stream to interfaces.StreamSource
type completionStream struct {
	stream *openai.ChatCompletionStream
}

func (s *completionStream) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return interfaces.StreamEvent{}, err
		}

		chunk, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return interfaces.End(), nil
		}
		if err != nil {
			return interfaces.StreamEvent{}, fmt.Errorf("failed to receive completion chunk: %w", err)
		}

		// Role announcements and finish markers carry no text.
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return interfaces.Delta(chunk.Choices[0].Delta.Content), nil
	}
}

func (s *completionStream) Close() error {
	return s.stream.Close()
}
