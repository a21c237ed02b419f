package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
)

func TestRedisKeys(t *testing.T) {
	s := NewRedisStore(nil, WithKeyPrefix("test:"))
	assert.Equal(t, "test:acme:session:abc", s.recordKey("acme", "abc"))
	assert.Equal(t, "test:acme:sessions", s.indexKey("acme"))
}

func TestRedisRejectsOversizedRecord(t *testing.T) {
	s := NewRedisStore(nil, WithMaxRecordSize(16))
	err := s.Save(context.Background(), record("abc", streaming.OutcomeClean, time.Now()))
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GUARDRAILS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GUARDRAILS_TEST_REDIS_ADDR not set")
	}

	s, err := NewRedisStoreFromConfig(context.Background(), RedisConfig{Addr: addr},
		WithKeyPrefix("guardrails-test:"),
		WithTTL(time.Minute),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	testStore(t, s, uuid.NewString()+"-")
}

func TestRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisStoreFromConfig(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

