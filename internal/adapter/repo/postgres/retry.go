package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds the exponential backoff applied to transactions
// that lose a serialization or deadlock race. Zero values fall back to
// the defaults below.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

const (
	defaultRetryInitial = 50 * time.Millisecond
	defaultRetryMax     = 500 * time.Millisecond
	defaultRetryElapsed = 3 * time.Second
)

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultRetryInitial
	bo.MaxInterval = defaultRetryMax
	bo.MaxElapsedTime = defaultRetryElapsed
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	if p.MaxElapsed > 0 {
		bo.MaxElapsedTime = p.MaxElapsed
	}
	return backoff.WithContext(bo, ctx)
}

// Postgres class-40 errors: serialization_failure and deadlock_detected.
// Both mean the transaction lost a race and is safe to replay.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
