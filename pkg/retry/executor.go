package retry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// Executor runs operations under a retry policy
type Executor struct {
	policy *Policy
}

// NewExecutor creates an executor for the given policy
func NewExecutor(policy *Policy) *Executor {
	if policy == nil {
		policy = NewPolicy()
	}
	return &Executor{policy: policy}
}

// Policy returns the policy the executor applies
func (e *Executor) Policy() Policy {
	return *e.policy
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Execute calls operation until it succeeds, the attempts are exhausted, the
// error is permanent or ctx is done. The last operation error is returned.
func (e *Executor) Execute(ctx context.Context, operation func() error) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = e.policy.InitialInterval
	exponential.Multiplier = e.policy.BackoffCoefficient
	exponential.MaxInterval = e.policy.MaximumInterval
	exponential.MaxElapsedTime = 0

	var b backoff.BackOff = exponential
	if e.policy.MaximumAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(e.policy.MaximumAttempts-1))
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
