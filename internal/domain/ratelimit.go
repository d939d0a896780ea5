package domain

import (
	"fmt"
	"time"
)

// RateLimitError rejects a submit/retry/replay trigger that exceeds the
// per-tenant rolling-minute cap. It unwraps to ErrRateLimited and
// carries the wait callers surface as retry_after.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
