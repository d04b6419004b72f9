package db

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicq/clinicq/internal/platform/apperr"
)

// RetryPolicy bounds retries of read-only queries.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy is three attempts starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond}
}

// RetryRead runs a read-only operation, retrying transient storage failures
// with exponential backoff. Mutations must not go through here: token
// allocation and refunds are not idempotent.
func RetryRead[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = 8 * p.BaseDelay

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.Attempts)))
	if err != nil && IsTransient(err) {
		return v, apperr.Transient(err)
	}
	return v, err
}

// IsTransient reports whether err is a connection loss, timeout or
// serialization failure that may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		}
	}
	return false
}
