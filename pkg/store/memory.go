package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
)

// MemoryStore keeps records in process, per organization
type MemoryStore struct {
	records map[string][]Record
	maxSize int
	mu      sync.RWMutex
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMaxSize sets how many records are kept per organization
func WithMaxSize(size int) MemoryOption {
	return func(m *MemoryStore) {
		m.maxSize = size
	}
}

// NewMemoryStore creates an in-process store
func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		records: make(map[string][]Record),
		maxSize: 1000,
	}

	for _, option := range options {
		option(store)
	}

	return store
}

// Save adds or replaces a record
func (m *MemoryStore) Save(ctx context.Context, record Record) error {
	if record.SessionID == "" {
		return fmt.Errorf("record has no session ID")
	}
	orgID := multitenancy.OrgIDOrDefault(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.records[orgID]
	for i := range records {
		if records[i].SessionID == record.SessionID {
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	records = append(records, record)

	if m.maxSize > 0 && len(records) > m.maxSize {
		records = records[len(records)-m.maxSize:]
	}
	m.records[orgID] = records
	return nil
}

// Get returns the record for sessionID
func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	orgID := multitenancy.OrgIDOrDefault(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records[orgID] {
		if record.SessionID == sessionID {
			r := record
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}

// List returns records newest first
func (m *MemoryStore) List(ctx context.Context, options ...ListOption) ([]Record, error) {
	orgID := multitenancy.OrgIDOrDefault(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	return filter(m.records[orgID], applyListOptions(options)), nil
}

// Delete removes the record for sessionID
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	orgID := multitenancy.OrgIDOrDefault(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.records[orgID]
	for i := range records {
		if records[i].SessionID == sessionID {
			m.records[orgID] = append(records[:i], records[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}
