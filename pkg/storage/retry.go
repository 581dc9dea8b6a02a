package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = time.Second

	// retryMaxTries counts the initial attempt, so a value of 3 allows
	// two retries.
	retryMaxTries = 3
)

// Retry runs op with jittered exponential backoff for transient backend
// failures. Sentinel results (ErrNotFound, ErrAlreadyExists) and context
// cancellation are returned immediately without further attempts.
func Retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryInitialInterval
	expBackoff.MaxInterval = retryMaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op()
		if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists)) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(retryMaxTries))
}

// RetryNoValue is Retry for operations that produce no result.
func RetryNoValue(ctx context.Context, op func() error) error {
	_, err := Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
