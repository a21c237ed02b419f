package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
)

func TestLoggerAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithOutput(&buf), WithLevel("debug"))

	ctx := multitenancy.WithOrgID(context.Background(), "acme")
	ctx = WithSessionID(ctx, "s-1")
	logger.Info(ctx, "verification dispatched", map[string]interface{}{"dispatch_length": 30})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "verification dispatched", line["message"])
	assert.Equal(t, "acme", line["org_id"])
	assert.Equal(t, "s-1", line["session_id"])
	assert.EqualValues(t, 30, line["dispatch_length"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithOutput(&buf), WithLevel("warn"))

	logger.Debug(context.Background(), "hidden", nil)
	logger.Info(context.Background(), "hidden", nil)
	assert.Zero(t, buf.Len())

	logger.Error(context.Background(), "shown", nil)
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, "info", ParseLevel("verbose").String())
	assert.Equal(t, "debug", ParseLevel("debug").String())
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNop()
	logger.Error(context.Background(), "nothing", map[string]interface{}{"k": "v"})
}
