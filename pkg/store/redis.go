package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
	"github.com/run-bigpig/stream-guardrails/pkg/retry"
)

// RedisStore keeps each record as a JSON string with a TTL, indexed per
// organization by a sorted set scored by creation time
type RedisStore struct {
	client        *redis.Client
	ttl           time.Duration
	keyPrefix     string
	maxRecordSize int
	retryExecutor *retry.Executor
}

// RedisOption represents an option for configuring the Redis store
type RedisOption func(*RedisStore)

// WithTTL sets the TTL for Redis keys
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		r.ttl = ttl
	}
}

// WithKeyPrefix sets a custom prefix for Redis keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.keyPrefix = prefix
	}
}

// WithMaxRecordSize rejects records whose JSON exceeds size bytes
func WithMaxRecordSize(size int) RedisOption {
	return func(r *RedisStore) {
		r.maxRecordSize = size
	}
}

// WithRetry configures retry behavior for Redis operations
func WithRetry(opts ...retry.Option) RedisOption {
	return func(r *RedisStore) {
		r.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// RedisConfig contains configuration for Redis
type RedisConfig struct {
	// Addr is the Redis address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password
	Password string

	// DB is the Redis database number
	DB int
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, options ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:        client,
		ttl:           24 * time.Hour,
		keyPrefix:     "guardrails:",
		maxRecordSize: 1024 * 1024,
		retryExecutor: retry.NewExecutor(retry.NewPolicy(
			retry.WithInitialInterval(100*time.Millisecond),
			retry.WithMaxAttempts(3),
		)),
	}

	for _, option := range options {
		option(store)
	}

	return store
}

// NewRedisStoreFromConfig connects to Redis and creates a store
func NewRedisStoreFromConfig(ctx context.Context, config RedisConfig, options ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStore(client, options...), nil
}

func (r *RedisStore) recordKey(orgID, sessionID string) string {
	return fmt.Sprintf("%s%s:session:%s", r.keyPrefix, orgID, sessionID)
}

func (r *RedisStore) indexKey(orgID string) string {
	return fmt.Sprintf("%s%s:sessions", r.keyPrefix, orgID)
}

// Save writes the record and indexes it
func (r *RedisStore) Save(ctx context.Context, record Record) error {
	if record.SessionID == "" {
		return fmt.Errorf("record has no session ID")
	}
	orgID := multitenancy.OrgIDOrDefault(ctx)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if r.maxRecordSize > 0 && len(data) > r.maxRecordSize {
		return fmt.Errorf("record size exceeds maximum allowed size of %d bytes", r.maxRecordSize)
	}

	key := r.recordKey(orgID, record.SessionID)
	index := r.indexKey(orgID)
	err = r.retryExecutor.Execute(ctx, func() error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			pipe.ZAdd(ctx, index, &redis.Z{
				Score:  float64(record.CreatedAt.UnixNano()),
				Member: record.SessionID,
			})
			pipe.Expire(ctx, index, r.ttl)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save record to Redis: %w", err)
	}
	return nil
}

// Get returns the record for sessionID
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	key := r.recordKey(multitenancy.OrgIDOrDefault(ctx), sessionID)

	var data []byte
	err := r.retryExecutor.Execute(ctx, func() error {
		var err error
		data, err = r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, sessionID))
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from Redis: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

// List returns records newest first. Index entries whose record expired
// are skipped.
func (r *RedisStore) List(ctx context.Context, options ...ListOption) ([]Record, error) {
	orgID := multitenancy.OrgIDOrDefault(ctx)

	ids, err := r.client.ZRange(ctx, r.indexKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(orgID, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get records from Redis: %w", err)
	}

	records := make([]Record, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		records = append(records, record)
	}

	return filter(records, applyListOptions(options)), nil
}

// Delete removes the record for sessionID
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	orgID := multitenancy.OrgIDOrDefault(ctx)

	var deleted int64
	err := r.retryExecutor.Execute(ctx, func() error {
		cmds, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.recordKey(orgID, sessionID))
			pipe.ZRem(ctx, r.indexKey(orgID), sessionID)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = cmds[0].(*redis.IntCmd).Val()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Close closes the underlying Redis connection
func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
