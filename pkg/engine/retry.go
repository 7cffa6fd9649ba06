package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the wait-and-reread cycle used for NotYetFinalized
// failures. Other failure kinds are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts uint `json:"max_attempts" toml:"max_attempts"`

	// InitialInterval is the wait before the first reread.
	InitialInterval time.Duration `json:"initial_interval" toml:"initial_interval"`

	// MaxInterval caps the wait between rereads.
	MaxInterval time.Duration `json:"max_interval" toml:"max_interval"`

	// Multiplier grows the interval after each attempt. 1 gives a fixed backoff.
	Multiplier float64 `json:"multiplier" toml:"multiplier"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.InitialInterval <= 0 {
		return backoff.NewConstantBackOff(0)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	return b
}

// RetryNotice is passed to the notify callback before each wait.
type RetryNotice struct {
	Attempt int
	Err     error
	Wait    time.Duration
}

// Reread calls fn until it succeeds or fails with anything other than
// NotYetFinalized, at most p.MaxAttempts times. Exhausting the attempts
// yields a fatal error with code NOT_FINALIZED.
func Reread[T any](ctx context.Context, p RetryPolicy, notify func(RetryNotice), fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	attempt := 0

	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if Classify(err) != FailureNotYetFinalized {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(RetryNotice{Attempt: attempt, Err: err, Wait: wait})
			}
		}),
	)
	if err != nil && Classify(err) == FailureNotYetFinalized {
		return v, NewFatalError(fmt.Sprintf("address not finalized after %d attempts", attempt), err).
			WithCode(ErrCodeNotFinalized)
	}
	return v, err
}
