// Package store keeps the results of finished guardrail sessions so they can
// be audited per organization.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
)

// ErrNotFound is returned when no record exists for a session
var ErrNotFound = errors.New("session record not found")

// Record is one finished streaming session
type Record struct {
	SessionID string            `json:"session_id"`
	OrgID     string            `json:"org_id"`
	Prompt    string            `json:"prompt"`
	Result    *streaming.Result `json:"result"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewRecord builds a record for res, stamped now
func NewRecord(orgID, prompt string, res *streaming.Result) Record {
	return Record{
		SessionID: res.SessionID,
		OrgID:     orgID,
		Prompt:    prompt,
		Result:    res,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists session records. Every method is scoped to the
// organization in the context.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	List(ctx context.Context, options ...ListOption) ([]Record, error)
	Delete(ctx context.Context, sessionID string) error
}

// ListOptions filter List results
type ListOptions struct {
	// Limit keeps only the newest records
	Limit int

	// Outcomes keeps only records with one of these outcomes
	Outcomes []streaming.Outcome
}

// ListOption configures List
type ListOption func(*ListOptions)

// WithLimit keeps only the newest n records
func WithLimit(n int) ListOption {
	return func(o *ListOptions) {
		o.Limit = n
	}
}

// WithOutcomes keeps only records with the given outcomes
func WithOutcomes(outcomes ...streaming.Outcome) ListOption {
	return func(o *ListOptions) {
		o.Outcomes = outcomes
	}
}

func applyListOptions(options []ListOption) *ListOptions {
	opts := &ListOptions{}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// filter applies opts to records ordered oldest first and returns the
// survivors newest first
func filter(records []Record, opts *ListOptions) []Record {
	out := make([]Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if !opts.matches(records[i]) {
			continue
		}
		out = append(out, records[i])
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

func (o *ListOptions) matches(record Record) bool {
	if len(o.Outcomes) == 0 {
		return true
	}
	if record.Result == nil {
		return false
	}
	for _, outcome := range o.Outcomes {
		if record.Result.Outcome == outcome {
			return true
		}
	}
	return false
}
