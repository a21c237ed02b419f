package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/config"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming/streamtest"
	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/store"
)

const mathAnswer = "2 + 2 = 4. Adding two and two gives four, and 4 - 2 = 2."

type scriptedLLM struct {
	answer string
	source func() interfaces.StreamSource
}

func (l scriptedLLM) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	return l.answer, nil
}

func (l scriptedLLM) Stream(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (interfaces.StreamSource, error) {
	return l.source(), nil
}

func (l scriptedLLM) Name() string { return "scripted" }

func chunked(text string) func() interfaces.StreamSource {
	return func() interfaces.StreamSource {
		return streamtest.NewSliceSource(streamtest.Chunks(text, 5)...)
	}
}

// useAgent makes commands build agents around llm and verifier, and resets
// the global flags when the test ends
func useAgent(t *testing.T, llm scriptedLLM, verifier interfaces.Verifier) store.Store {
	t.Helper()

	sessions := store.NewMemoryStore()
	cfg = config.Default()
	newAgent = func(ctx context.Context, c *config.Config, sink io.Writer, options ...agent.Option) (*agent.Agent, error) {
		monitorOptions := []streaming.Option{
			streaming.WithSamplingInterval(c.Guardrails.SamplingInterval),
			streaming.WithHardLengthCap(c.Guardrails.HardLengthCap),
			streaming.WithLogger(logging.NewNop()),
		}
		if sink != nil {
			monitorOptions = append(monitorOptions, streaming.WithSink(sink))
		}
		monitor, err := streaming.NewMonitor(verifier, monitorOptions...)
		if err != nil {
			return nil, err
		}
		return agent.NewAgent(
			agent.WithLLM(llm),
			agent.WithMonitor(monitor),
			agent.WithStore(sessions),
			agent.WithLogger(logging.NewNop()),
		)
	}

	t.Cleanup(func() {
		newAgent = agent.NewFromConfig
		cfg = nil
		streamInterval, streamCap, streamQuiet = 0, 0, false
	})
	return sessions
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func decodeResult(t *testing.T, data string) streaming.Result {
	t.Helper()
	var res streaming.Result
	require.NoError(t, json.Unmarshal([]byte(data), &res))
	return res
}

func TestStreamClean(t *testing.T) {
	sessions := useAgent(t, scriptedLLM{source: chunked(mathAnswer)}, streamtest.AlwaysPass())
	cmd, out := testCommand()

	require.NoError(t, runStream(cmd, []string{"What", "is", "2+2?"}))

	text, payload, found := strings.Cut(out.String(), "\n")
	require.True(t, found)
	assert.Equal(t, mathAnswer, text)

	res := decodeResult(t, payload)
	assert.Equal(t, streaming.OutcomeClean, res.Outcome)
	assert.Equal(t, streaming.StopExhausted, res.StopReason)
	assert.Equal(t, len([]rune(mathAnswer)), res.TotalCharacters)

	rec, err := sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "What is 2+2?", rec.Prompt)
}

func TestStreamTrippedWithFlags(t *testing.T) {
	useAgent(t, scriptedLLM{source: chunked(mathAnswer)}, streamtest.FailFrom(20, "too advanced"))
	streamInterval = 10
	streamQuiet = true
	cmd, out := testCommand()

	require.NoError(t, runStream(cmd, []string{"What is 2+2?"}))

	res := decodeResult(t, out.String())
	assert.True(t, res.Triggered)
	assert.Equal(t, streaming.OutcomeTripped, res.Outcome)
	assert.Equal(t, "too advanced", res.Reason)
	assert.Equal(t, 10, res.SamplingInterval)
	require.NotNil(t, res.TriggeredAt)
	assert.GreaterOrEqual(t, *res.TriggeredAt, 20)
}

func TestStreamCap(t *testing.T) {
	useAgent(t, scriptedLLM{source: chunked(mathAnswer)}, streamtest.AlwaysPass())
	streamCap = 12
	streamQuiet = true
	cmd, out := testCommand()

	require.NoError(t, runStream(cmd, []string{"What is 2+2?"}))

	res := decodeResult(t, out.String())
	assert.Equal(t, streaming.StopCapped, res.StopReason)
	assert.Equal(t, 12, res.TotalCharacters)
	assert.Equal(t, 12, res.HardLengthCap)
}

func TestStreamFaultStillPrintsResult(t *testing.T) {
	boom := errors.New("connection reset")
	llm := scriptedLLM{source: func() interfaces.StreamSource {
		return streamtest.NewErrSource(boom, "2 + 2 ")
	}}
	useAgent(t, llm, streamtest.AlwaysPass())
	streamQuiet = true
	cmd, out := testCommand()

	err := runStream(cmd, []string{"What is 2+2?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	res := decodeResult(t, out.String())
	assert.Equal(t, streaming.OutcomeFaulted, res.Outcome)
	assert.Equal(t, "2 + 2 ", res.Response)
}

func TestAsk(t *testing.T) {
	useAgent(t, scriptedLLM{answer: "2 + 2 = 4"}, streamtest.AlwaysPass())
	cmd, out := testCommand()

	require.NoError(t, runAsk(cmd, []string{"What is 2+2?"}))

	var resp agent.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "2 + 2 = 4", resp.Response)
	assert.Equal(t, "What is 2+2?", resp.ReceivedPrompt)
	assert.False(t, resp.Triggered)
}

func TestAgentCreationFailure(t *testing.T) {
	useAgent(t, scriptedLLM{}, streamtest.AlwaysPass())
	newAgent = func(context.Context, *config.Config, io.Writer, ...agent.Option) (*agent.Agent, error) {
		return nil, config.ErrInvalidConfig
	}
	cmd, _ := testCommand()

	err := runAsk(cmd, []string{"What is 2+2?"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// useStore makes the session commands open sessions
func useStore(t *testing.T, sessions store.Store) {
	t.Helper()
	cfg = config.Default()
	openStore = func(context.Context, *config.Config) (store.Store, func(context.Context), error) {
		return sessions, func(context.Context) {}, nil
	}
	t.Cleanup(func() {
		openStore = agent.OpenStore
		cfg = nil
		listLimit, listOutcomes = 20, nil
	})
}

func seed(t *testing.T, sessions store.Store) {
	t.Helper()
	ctx := context.Background()
	results := []*streaming.Result{
		{SessionID: "clean-1", Outcome: streaming.OutcomeClean, StopReason: streaming.StopExhausted, TotalCharacters: 42},
		{SessionID: "tripped-1", Outcome: streaming.OutcomeTripped, StopReason: streaming.StopTripped, TotalCharacters: 60},
	}
	for _, res := range results {
		require.NoError(t, sessions.Save(ctx, store.NewRecord("", "prompt for "+res.SessionID, res)))
	}
}

func TestSessionsList(t *testing.T) {
	sessions := store.NewMemoryStore()
	seed(t, sessions)
	useStore(t, sessions)

	cmd, out := testCommand()
	require.NoError(t, runSessionsList(cmd, nil))
	assert.Contains(t, out.String(), "clean-1")
	assert.Contains(t, out.String(), "tripped-1")

	listOutcomes = []string{"TRIPPED"}
	cmd, out = testCommand()
	require.NoError(t, runSessionsList(cmd, nil))
	assert.NotContains(t, out.String(), "clean-1")
	assert.Contains(t, out.String(), "tripped-1")
}

func TestSessionsListEmpty(t *testing.T) {
	useStore(t, store.NewMemoryStore())
	cmd, out := testCommand()
	require.NoError(t, runSessionsList(cmd, nil))
	assert.Contains(t, out.String(), "No stored sessions")
}

func TestSessionsGetAndDelete(t *testing.T) {
	sessions := store.NewMemoryStore()
	seed(t, sessions)
	useStore(t, sessions)

	cmd, out := testCommand()
	require.NoError(t, runSessionsGet(cmd, []string{"tripped-1"}))
	var rec store.Record
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "prompt for tripped-1", rec.Prompt)

	cmd, out = testCommand()
	require.NoError(t, runSessionsDelete(cmd, []string{"tripped-1"}))
	assert.Contains(t, out.String(), "Deleted session tripped-1")

	cmd, _ = testCommand()
	err := runSessionsGet(cmd, []string{"tripped-1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionsDisabledStore(t *testing.T) {
	useStore(t, nil)
	cmd, _ := testCommand()
	err := runSessionsList(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestServeUnknownTransport(t *testing.T) {
	cfg = config.Default()
	serveTransport = "carrier-pigeon"
	t.Cleanup(func() {
		cfg = nil
		serveTransport = "stdio"
	})

	cmd, _ := testCommand()
	err := runServe(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrails.yaml")

	cmd, out := testCommand()
	require.NoError(t, runConfigInit(cmd, []string{path}))
	assert.Contains(t, out.String(), path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	cmd, _ = testCommand()
	assert.Error(t, runConfigInit(cmd, []string{path}), "existing files are not overwritten")

	t.Setenv("OPENAI_API_KEY", "sk-test-0123456789")
	t.Setenv("GUARDRAILS_SAMPLING_INTERVAL", "45")
	t.Cleanup(func() {
		cfg = nil
		configPath = ""
		config.Set(nil)
	})

	var shown bytes.Buffer
	rootCmd.SetOut(&shown)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, shown.String(), "sk-t****")
	assert.NotContains(t, shown.String(), "sk-test-0123456789")
	assert.Equal(t, 45, cfg.Guardrails.SamplingInterval)
	assert.Equal(t, cfg, config.Get())
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("short"))
	assert.Equal(t, "sk-a****", mask("sk-abcdefghijkl"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "line one line two", truncate("line one\nline two", 40))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
