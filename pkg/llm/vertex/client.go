package vertex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
)

// VertexAI model constants
const (
	ModelGemini15Pro   = "gemini-1.5-pro"
	ModelGemini15Flash = "gemini-1.5-flash"
	ModelGemini20Flash = "gemini-2.0-flash"
)

// DefaultModel is the default Vertex AI model
const DefaultModel = ModelGemini20Flash

// Client represents a Vertex AI client
type Client struct {
	client          *genai.Client
	model           string
	projectID       string
	location        string
	maxRetries      int
	retryDelay      time.Duration
	logger          logging.Logger
	credentialsFile string
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithModel sets the model for the client
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithLocation sets the location for the client
func WithLocation(location string) ClientOption {
	return func(c *Client) {
		c.location = location
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(maxRetries int) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithRetryDelay sets the retry delay
func WithRetryDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCredentialsFile sets the path to the service account credentials file
func WithCredentialsFile(credentialsFile string) ClientOption {
	return func(c *Client) {
		c.credentialsFile = credentialsFile
	}
}

func newUnconnected(projectID string, options ...ClientOption) *Client {
	client := &Client{
		model:      DefaultModel,
		projectID:  projectID,
		location:   "us-central1",
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     logging.New(),
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

// NewClient creates a new Vertex AI client
func NewClient(ctx context.Context, projectID string, options ...ClientOption) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}

	client := newUnconnected(projectID, options...)

	var clientOptions []option.ClientOption
	if client.credentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(client.credentialsFile))
	}

	vertexClient, err := genai.NewClient(ctx, projectID, client.location, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	client.client = vertexClient
	return client, nil
}

// Name returns the client name
func (c *Client) Name() string {
	return fmt.Sprintf("vertex:%s", c.model)
}

// Generate implements interfaces.LLM.Generate
func (c *Client) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	params := interfaces.ApplyGenerateOptions(&interfaces.LLMConfig{Temperature: 0.7}, options...)
	model := c.client.GenerativeModel(c.model)
	configure(model, params)

	c.logger.Debug(ctx, "Executing Vertex AI request", map[string]interface{}{
		"model":           c.model,
		"response_format": params.ResponseFormat != nil,
	})

	var response *genai.GenerateContentResponse
	err := c.withRetry(ctx, func() error {
		var genErr error
		response, genErr = model.GenerateContent(ctx, genai.Text(prompt))
		return genErr
	})
	if err != nil {
		c.logger.Error(ctx, "Error from Vertex AI", map[string]interface{}{
			"error": err.Error(),
			"model": c.model,
		})
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	if len(response.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := response.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	return textOf(response), nil
}

// Stream implements interfaces.StreamingLLM.Stream. Closing the source
// cancels the underlying request.
func (c *Client) Stream(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (interfaces.StreamSource, error) {
	params := interfaces.ApplyGenerateOptions(&interfaces.LLMConfig{Temperature: 0.7}, options...)
	model := c.client.GenerativeModel(c.model)
	configure(model, params)

	c.logger.Debug(ctx, "Opening Vertex AI content stream", map[string]interface{}{
		"model": c.model,
	})

	streamCtx, cancel := context.WithCancel(ctx)
	iter := model.GenerateContentStream(streamCtx, genai.Text(prompt))
	return &contentStream{next: iter.Next, cancel: cancel}, nil
}

// configure applies generation options to a model handle
func configure(model *genai.GenerativeModel, params *interfaces.GenerateOptions) {
	if params.SystemMessage != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(params.SystemMessage))
	}
	if params.ResponseFormat != nil {
		model.ResponseMIMEType = "application/json"
	}
	if params.LLMConfig == nil {
		return
	}
	if params.LLMConfig.Temperature > 0 {
		model.SetTemperature(float32(params.LLMConfig.Temperature))
	}
	if params.LLMConfig.TopP > 0 {
		model.SetTopP(float32(params.LLMConfig.TopP))
	}
	if params.LLMConfig.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(params.LLMConfig.MaxTokens))
	}
	if len(params.LLMConfig.StopSequences) > 0 {
		model.StopSequences = params.LLMConfig.StopSequences
	}
}

// textOf concatenates the text parts of the first candidate
func textOf(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var result strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if textPart, ok := part.(genai.Text); ok {
			result.WriteString(string(textPart))
		}
	}
	return result.String()
}

// contentStream adapts a Vertex AI response iterator to interfaces.StreamSource
type contentStream struct {
	next   func() (*genai.GenerateContentResponse, error)
	cancel context.CancelFunc
}

func (s *contentStream) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return interfaces.StreamEvent{}, err
		}

		response, err := s.next()
		if errors.Is(err, iterator.Done) {
			return interfaces.End(), nil
		}
		if err != nil {
			return interfaces.StreamEvent{}, fmt.Errorf("failed to receive content chunk: %w", err)
		}

		if text := textOf(response); text != "" {
			return interfaces.Delta(text), nil
		}
	}
}

func (s *contentStream) Close() error {
	s.cancel()
	return nil
}

// withRetry executes the function with exponential backoff retry logic
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = c.retryDelay
	exponentialBackoff.MaxElapsedTime = time.Duration(c.maxRetries) * c.retryDelay * 2

	return backoff.Retry(fn, backoff.WithContext(exponentialBackoff, ctx))
}

// Close closes the Vertex AI client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
