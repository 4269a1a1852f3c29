package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Provider is an outbound delivery backend: an SMS gateway, a web-push
// service, a mail queue. It makes a single attempt and returns the
// provider's message reference.
type Provider interface {
	Send(ctx context.Context, target string, msg Message) (providerRef string, err error)
}

// ProviderError is a failed provider call with its HTTP-style status.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider status %d: %v", e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Client errors
// other than 408 and 429 are final.
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// RetryPolicy bounds adapter-owned retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Retrying wraps a Provider with bounded exponential backoff.
type Retrying struct {
	provider Provider
	policy   RetryPolicy
}

// NewRetrying wraps p. Zero policy fields take DefaultRetryPolicy values.
func NewRetrying(p Provider, policy RetryPolicy) *Retrying {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	return &Retrying{provider: p, policy: policy}
}

// Send attempts delivery until it succeeds, a permanent error occurs, the
// attempt budget runs out, or ctx is done. It returns the number of attempts
// made.
func (r *Retrying) Send(ctx context.Context, target string, msg Message) (string, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	attempts := 0
	ref, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		ref, err := r.provider.Send(ctx, target, msg)
		if err == nil {
			return ref, nil
		}
		var pe *ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return "", backoff.Permanent(err)
		}
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
	)
	if err != nil {
		return "", attempts, err
	}
	return ref, attempts, nil
}
