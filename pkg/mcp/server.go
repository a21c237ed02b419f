package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/metoro-io/mcp-golang"
	"github.com/metoro-io/mcp-golang/transport"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/store"
)

// Tool names served by Server
const (
	ToolGuardedAnswer = "guarded_answer"
	ToolStreamAnswer  = "stream_answer"
	ToolVerifyText    = "verify_text"
	ToolGetSession    = "get_session"
)

// Runner answers prompts behind guardrails
type Runner interface {
	Run(ctx context.Context, input string) (*agent.Response, error)
	RunStreamed(ctx context.Context, input string) (*streaming.Result, error)
}

// PromptArgs are the arguments of the answering tools
type PromptArgs struct {
	Prompt string `json:"prompt" jsonschema:"description=The user's question" required:"true"`
}

// VerifyArgs are the arguments of verify_text
type VerifyArgs struct {
	Text string `json:"text" jsonschema:"description=The text to check against the streaming policy" required:"true"`
}

// SessionArgs are the arguments of get_session
type SessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=The session ID returned by stream_answer" required:"true"`
}

// Server exposes guardrailed answering as MCP tools
type Server struct {
	server   *mcplib.Server
	runner   Runner
	verifier interfaces.Verifier
	sessions store.Store
	logger   logging.Logger
	timeout  time.Duration
	name     string
	version  string
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithVerifier enables verify_text
func WithVerifier(verifier interfaces.Verifier) ServerOption {
	return func(s *Server) {
		s.verifier = verifier
	}
}

// WithStore enables get_session
func WithStore(sessions store.Store) ServerOption {
	return func(s *Server) {
		s.sessions = sessions
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTimeout bounds every tool call
func WithTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = timeout
	}
}

// WithVersion sets the version reported to clients
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates a server on t and registers its tools
func NewServer(t transport.Transport, runner Runner, options ...ServerOption) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	s := &Server{
		runner:  runner,
		logger:  logging.New(),
		timeout: 2 * time.Minute,
		name:    "stream-guardrails",
		version: "0.1.0",
	}
	for _, option := range options {
		option(s)
	}

	s.server = mcplib.NewServer(
		t,
		mcplib.WithName(s.name),
		mcplib.WithInstructions("Answers questions behind input, output and streaming content guardrails"),
		mcplib.WithVersion(s.version),
	)

	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

type toolSpec struct {
	name        string
	description string
	handler     interface{}
}

func (s *Server) register() error {
	tools := []toolSpec{
		{ToolGuardedAnswer, "Answers a prompt after checking it with the input guardrail and checks the answer with the output guardrail", s.guardedAnswer},
		{ToolStreamAnswer, "Streams an answer while a guardrail samples it, stopping as soon as a check fails", s.streamAnswer},
	}
	if s.verifier != nil {
		tools = append(tools, toolSpec{ToolVerifyText, "Checks a text against the streaming guardrail policy", s.verifyText})
	}
	if s.sessions != nil {
		tools = append(tools, toolSpec{ToolGetSession, "Returns the stored result of a streamed session", s.getSession})
	}

	for _, tool := range tools {
		if err := s.server.RegisterTool(tool.name, tool.description, tool.handler); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.name, err)
		}
	}
	return nil
}

// Serve starts serving. With the HTTP transport it blocks.
func (s *Server) Serve() error {
	return s.server.Serve()
}

func (s *Server) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Server) guardedAnswer(args PromptArgs) (*mcplib.ToolResponse, error) {
	ctx, cancel := s.callContext()
	defer cancel()

	resp, err := s.runner.Run(ctx, args.Prompt)
	if err != nil {
		return s.failed(ctx, ToolGuardedAnswer, err)
	}
	return jsonResponse(resp)
}

func (s *Server) streamAnswer(args PromptArgs) (*mcplib.ToolResponse, error) {
	ctx, cancel := s.callContext()
	defer cancel()

	res, err := s.runner.RunStreamed(ctx, args.Prompt)
	if err != nil {
		return s.failed(ctx, ToolStreamAnswer, err)
	}
	return jsonResponse(res)
}

func (s *Server) verifyText(args VerifyArgs) (*mcplib.ToolResponse, error) {
	ctx, cancel := s.callContext()
	defer cancel()

	verdict, err := s.verifier.Verify(ctx, args.Text)
	if err != nil {
		return s.failed(ctx, ToolVerifyText, err)
	}
	return jsonResponse(verdict)
}

func (s *Server) getSession(args SessionArgs) (*mcplib.ToolResponse, error) {
	ctx, cancel := s.callContext()
	defer cancel()

	rec, err := s.sessions.Get(ctx, args.SessionID)
	if err != nil {
		return s.failed(ctx, ToolGetSession, err)
	}
	return jsonResponse(rec)
}

func (s *Server) failed(ctx context.Context, tool string, err error) (*mcplib.ToolResponse, error) {
	s.logger.Error(ctx, "MCP tool call failed", map[string]interface{}{
		"tool":  tool,
		"error": err.Error(),
	})
	return nil, fmt.Errorf("%s: %w", tool, err)
}

func jsonResponse(v interface{}) (*mcplib.ToolResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcplib.NewToolResponse(mcplib.NewTextContent(string(data))), nil
}

// NewAgentServer serves a guardrails agent, offering verify_text when it has a
// streaming monitor and get_session when it stores sessions
func NewAgentServer(t transport.Transport, a *agent.Agent, options ...ServerOption) (*Server, error) {
	var defaults []ServerOption
	if m := a.Monitor(); m != nil {
		defaults = append(defaults, WithVerifier(m.Verifier()))
	}
	if s := a.Store(); s != nil {
		defaults = append(defaults, WithStore(s))
	}
	return NewServer(t, a, append(defaults, options...)...)
}
