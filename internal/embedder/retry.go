package embedder

import (
	"context"
	"errors"
	"time"
)

// RetryConfig bounds how often and how slowly a provider call is repeated.
// MaxRetries counts total attempts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

func (c RetryConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * c.Multiplier)
	return min(d, c.MaxDelay)
}

// permanentError wraps failures that another attempt would repeat, like a
// 4xx or an undecodable body.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// retryWithBackoff calls fn until it succeeds, returns a permanent error,
// ctx ends or the attempts run out.
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay
	attempts := max(cfg.MaxRetries, 1)

	var err error
	for i := range attempts {
		var v T
		if v, err = fn(); err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if isPermanent(err) || i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		delay = cfg.next(delay)
	}
	return zero, err
}
