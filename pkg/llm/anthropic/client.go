package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
	"github.com/run-bigpig/stream-guardrails/pkg/retry"
)

// AnthropicClient implements the LLM interface for Anthropic
type AnthropicClient struct {
	APIKey        string
	Model         string
	BaseURL       string
	HTTPClient    *http.Client
	logger        logging.Logger
	retryExecutor *retry.Executor
}

// Option represents an option for configuring the Anthropic client
type Option func(*AnthropicClient)

// WithModel sets the model for the Anthropic client
func WithModel(model string) Option {
	return func(c *AnthropicClient) {
		c.Model = model
	}
}

// WithLogger sets the logger for the Anthropic client
func WithLogger(logger logging.Logger) Option {
	return func(c *AnthropicClient) {
		c.logger = logger
	}
}

// WithRetry configures retry policy for the client
func WithRetry(opts ...retry.Option) Option {
	return func(c *AnthropicClient) {
		c.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// WithBaseURL sets the base URL for the Anthropic API
func WithBaseURL(baseURL string) Option {
	return func(c *AnthropicClient) {
		c.BaseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client for the Anthropic client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *AnthropicClient) {
		c.HTTPClient = httpClient
	}
}

// NewClient creates a new Anthropic client
func NewClient(apiKey string, options ...Option) *AnthropicClient {
	client := &AnthropicClient{
		APIKey:     apiKey,
		Model:      Claude35Haiku,
		BaseURL:    "https://api.anthropic.com",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logging.New(),
	}

	for _, option := range options {
		option(client)
	}

	if client.Model == "" {
		client.logger.Warn(context.TODO(), "No model specified, model must be explicitly set with WithModel", nil)
	}

	return client
}

// ModelName constants for supported Anthropic models
const (
	Claude35Haiku  = "claude-3-5-haiku-latest"
	Claude35Sonnet = "claude-3-5-sonnet-latest"
	Claude37Sonnet = "claude-3-7-sonnet-latest"
)

const defaultMaxTokens = 2048

// Message represents a message for Anthropic API
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a request for Anthropic API
type CompletionRequest struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	MaxTokens     int               `json:"max_tokens"`
	Temperature   float64           `json:"temperature,omitempty"`
	TopP          float64           `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	System        string            `json:"system,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ContentBlock represents a content block in Anthropic API response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CompletionResponse represents a response from Anthropic API
type CompletionResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamEvent is one server-sent event of a streamed message
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate generates text from a prompt
func (c *AnthropicClient) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	if c.Model == "" {
		return "", fmt.Errorf("model not specified: use WithModel option when creating the client")
	}

	params := interfaces.ApplyGenerateOptions(&interfaces.LLMConfig{Temperature: 0.7}, options...)
	req := c.buildRequest(ctx, []Message{{Role: "user", Content: prompt}}, params)

	resp, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// Stream starts a streamed message. Only opening the stream is retried.
func (c *AnthropicClient) Stream(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (interfaces.StreamSource, error) {
	params := interfaces.ApplyGenerateOptions(&interfaces.LLMConfig{Temperature: 0.7}, options...)
	req := c.buildRequest(ctx, []Message{{Role: "user", Content: prompt}}, params)
	req.Stream = true

	var body io.ReadCloser
	operation := func() error {
		httpResp, err := c.post(ctx, req)
		if err != nil {
			return err
		}
		if httpResp.StatusCode != http.StatusOK {
			defer httpResp.Body.Close()
			return c.statusError(ctx, httpResp)
		}
		body = httpResp.Body
		return nil
	}

	if err := c.execute(ctx, operation); err != nil {
		return nil, err
	}

	return &messageStream{body: body, scanner: bufio.NewScanner(body)}, nil
}

// Name implements interfaces.LLM.Name
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

func (c *AnthropicClient) buildRequest(ctx context.Context, messages []Message, params *interfaces.GenerateOptions) CompletionRequest {
	req := CompletionRequest{
		Model:     c.Model,
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
		System:    params.SystemMessage,
		Metadata:  metadata(ctx, params.OrgID),
	}

	if params.LLMConfig != nil {
		req.Temperature = params.LLMConfig.Temperature
		req.TopP = params.LLMConfig.TopP
		req.StopSequences = params.LLMConfig.StopSequences
		if params.LLMConfig.MaxTokens > 0 {
			req.MaxTokens = params.LLMConfig.MaxTokens
		}
	}

	// The messages API has no structured output mode; the schema goes into
	// the system prompt instead.
	if params.ResponseFormat != nil {
		schema, err := json.Marshal(params.ResponseFormat.Schema)
		if err == nil {
			instruction := fmt.Sprintf("Respond only with a JSON object matching this schema, without any other text:\n%s", schema)
			if req.System != "" {
				req.System += "\n\n" + instruction
			} else {
				req.System = instruction
			}
		}
	}

	return req
}

func metadata(ctx context.Context, orgID string) map[string]string {
	if orgID == "" {
		orgID = multitenancy.OrgIDOrDefault(ctx)
	}
	return map[string]string{"user_id": orgID}
}

func (c *AnthropicClient) execute(ctx context.Context, operation func() error) error {
	if c.retryExecutor != nil {
		c.logger.Debug(ctx, "Using retry mechanism for Anthropic request", map[string]interface{}{
			"model": c.Model,
		})
		return c.retryExecutor.Execute(ctx, operation)
	}
	return operation()
}

func (c *AnthropicClient) post(ctx context.Context, req CompletionRequest) (*http.Response, error) {
	c.logger.Debug(ctx, "Executing Anthropic API request", map[string]interface{}{
		"model":       c.Model,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"system":      req.System != "",
		"stream":      req.Stream,
	})

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.APIKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		c.logger.Error(ctx, "Error from Anthropic API", map[string]interface{}{
			"error": err.Error(),
			"model": c.Model,
		})
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return httpResp, nil
}

// statusError turns a non-200 response into an error. Client errors other
// than rate limiting are not retried.
func (c *AnthropicClient) statusError(ctx context.Context, httpResp *http.Response) error {
	respBody, _ := io.ReadAll(httpResp.Body)
	c.logger.Error(ctx, "Error from Anthropic API", map[string]interface{}{
		"status_code": httpResp.StatusCode,
		"response":    string(respBody),
		"model":       c.Model,
	})

	err := fmt.Errorf("error from Anthropic API (status %d): %s", httpResp.StatusCode, string(respBody))
	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 && httpResp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

func (c *AnthropicClient) complete(ctx context.Context, req CompletionRequest) (string, error) {
	var resp CompletionResponse
	operation := func() error {
		httpResp, err := c.post(ctx, req)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := httpResp.Body.Close(); closeErr != nil {
				c.logger.Warn(ctx, "Failed to close response body", map[string]interface{}{
					"error": closeErr.Error(),
				})
			}
		}()

		if httpResp.StatusCode != http.StatusOK {
			return c.statusError(ctx, httpResp)
		}

		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	}

	if err := c.execute(ctx, operation); err != nil {
		return "", err
	}

	var contentText []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			contentText = append(contentText, block.Text)
		}
	}

	if len(contentText) == 0 {
		return "", fmt.Errorf("no text content in response")
	}

	c.logger.Debug(ctx, "Successfully received response from Anthropic", map[string]interface{}{
		"model":         c.Model,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})

	return strings.Join(contentText, "\n"), nil
}

// messageStream reads text deltas from the server-sent events of a streamed
// message.
type messageStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *messageStream) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return interfaces.StreamEvent{}, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return interfaces.StreamEvent{}, fmt.Errorf("failed to read message stream: %w", err)
			}
			return interfaces.StreamEvent{}, fmt.Errorf("message stream ended without message_stop")
		}

		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			return interfaces.StreamEvent{}, fmt.Errorf("failed to decode stream event: %w", err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return interfaces.Delta(event.Delta.Text), nil
			}
		case "message_stop":
			return interfaces.End(), nil
		case "error":
			return interfaces.StreamEvent{}, fmt.Errorf("anthropic stream error %s: %s", event.Error.Type, event.Error.Message)
		}
	}
}

func (s *messageStream) Close() error {
	return s.body.Close()
}
