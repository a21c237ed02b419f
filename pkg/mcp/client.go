package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcplib "github.com/metoro-io/mcp-golang"
	"github.com/metoro-io/mcp-golang/transport"
	"github.com/metoro-io/mcp-golang/transport/http"
	"github.com/metoro-io/mcp-golang/transport/stdio"
)

// Tool describes a tool offered by an MCP server
type Tool struct {
	Name        string
	Description string
	Schema      interface{}
}

// ToolResponse is the result of a tool call
type ToolResponse struct {
	Content []*mcplib.Content
}

// Text joins the text contents of the response
func (r *ToolResponse) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c != nil && c.TextContent != nil {
			parts = append(parts, c.TextContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Decode unmarshals the text content of the response into v
func (r *ToolResponse) Decode(v interface{}) error {
	if err := json.Unmarshal([]byte(r.Text()), v); err != nil {
		return fmt.Errorf("failed to decode tool response: %w", err)
	}
	return nil
}

// Client talks to an MCP server, typically a guardrails server
type Client struct {
	client *mcplib.Client
	cmd    *exec.Cmd
}

// NewClient creates a client on t and initializes the connection
func NewClient(ctx context.Context, t transport.Transport) (*Client, error) {
	client := mcplib.NewClient(t)
	if _, err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP client: %w", err)
	}
	return &Client{client: client}, nil
}

// ListTools lists the tools available on the server
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.client.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		description := ""
		if t.Description != nil {
			description = *t.Description
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: description,
			Schema:      t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool calls a tool on the server
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*ToolResponse, error) {
	resp, err := c.client.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return &ToolResponse{Content: resp.Content}, nil
}

// Close stops the server process started by NewStdioClient, if any
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if err := c.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to stop MCP server: %w", err)
	}
	_ = c.cmd.Wait()
	return nil
}

// StdioServerConfig describes a server process spoken to over stdio
type StdioServerConfig struct {
	Command string
	Args    []string
	Env     []string
}

// NewStdioClient starts the server process and connects to its stdio
func NewStdioClient(ctx context.Context, config StdioServerConfig) (*Client, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	commandPath, err := exec.LookPath(config.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %v", config.Command, err)
	}

	// #nosec
	cmd := exec.CommandContext(ctx, commandPath, config.Args...)
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %v", err)
	}

	client, err := NewClient(ctx, stdio.NewStdioServerTransportWithIO(stdout, stdin))
	if err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			return nil, fmt.Errorf("failed to create client: %v and failed to kill process: %v", err, killErr)
		}
		return nil, err
	}
	client.cmd = cmd
	return client, nil
}

// HTTPServerConfig describes a server spoken to over HTTP
type HTTPServerConfig struct {
	BaseURL string
	Path    string
	Token   string
}

// NewHTTPClient connects to a server over HTTP
func NewHTTPClient(ctx context.Context, config HTTPServerConfig) (*Client, error) {
	t := http.NewHTTPClientTransport(config.BaseURL + config.Path)
	if config.Token != "" {
		t.WithHeader("Authorization", "Bearer "+config.Token)
	}
	return NewClient(ctx, t)
}
