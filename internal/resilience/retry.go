package resilience

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/switchline/internal/observe"
)

// RetryPolicy bounds how an operation is retried. Zero fields take defaults.
type RetryPolicy struct {
	// MaxAttempts includes the first try. Default 3.
	MaxAttempts int

	// InitialInterval is the first backoff delay. Default 100ms.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay. Default 2s.
	MaxInterval time.Duration

	// AttemptTimeout, if positive, bounds each attempt individually.
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 2 * time.Second
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// PermanentStatus marks err permanent when the HTTP status code says the
// same request will fail again: any 4xx except 408 and 429.
func PermanentStatus(code int, err error) error {
	if err == nil {
		return nil
	}
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// Retry calls op until it succeeds, returns a [Permanent] error, the attempt
// budget runs out or ctx is done. The error of the last attempt is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()
		return op(actx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			observe.Logger(ctx).Warn("retrying after error", "attempt", attempt, "next", next, "err", err)
		}),
	)
}
