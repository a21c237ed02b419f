package retry

import "time"

// Policy bounds how an Executor retries: the first wait, the growth factor
// between waits, the longest single wait and the total attempts.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int32
}

// Option adjusts a Policy
type Option func(*Policy)

// WithInitialInterval sets the wait before the first retry
func WithInitialInterval(interval time.Duration) Option {
	return func(p *Policy) {
		p.InitialInterval = interval
	}
}

// WithBackoffCoefficient sets the factor each wait grows by. Values below 1
// keep the default.
func WithBackoffCoefficient(coefficient float64) Option {
	return func(p *Policy) {
		if coefficient >= 1 {
			p.BackoffCoefficient = coefficient
		}
	}
}

// WithMaximumInterval caps a single wait
func WithMaximumInterval(interval time.Duration) Option {
	return func(p *Policy) {
		p.MaximumInterval = interval
	}
}

// WithMaxAttempts sets the maximum number of attempts, the first call included
func WithMaxAttempts(attempts int32) Option {
	return func(p *Policy) {
		p.MaximumAttempts = attempts
	}
}

// NewPolicy returns a policy of three attempts, starting at one second and
// doubling up to 100 seconds, with opts applied.
func NewPolicy(opts ...Option) *Policy {
	policy := &Policy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    3,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}
