package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mengji/ledger/internal/store"
)

// RetryPolicy retries gateway writes that failed with a transient
// store.PersistenceError. MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Notify      func(op string, err error, wait time.Duration)
}

func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if p.MaxAttempts <= 1 {
		return fn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.Notify != nil {
				p.Notify(op, err, wait)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// Retryable reports whether err is a store failure worth another attempt.
func Retryable(err error) bool {
	var perr *store.PersistenceError
	return errors.As(err, &perr) && perr.Transient()
}
