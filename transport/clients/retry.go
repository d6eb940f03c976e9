package clients

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetrySettings controls how a proxy retries transient failures
type RetrySettings struct {
	// BaseDelay is the wait before the first retry. Each
	// further retry waits twice as long as the previous one.
	BaseDelay time.Duration
	// MaxDelay caps the wait between attempts. Zero means unbounded.
	MaxDelay time.Duration
	// MaxRetries is the number of retries after the first attempt
	MaxRetries uint
}

// DefaultRetrySettings retries three times starting at five seconds
// with no ceiling on the delay
var DefaultRetrySettings = RetrySettings{
	BaseDelay:  5 * time.Second,
	MaxDelay:   0,
	MaxRetries: 3,
}

func (settings RetrySettings) backOff() *serverHintBackOff {
	maxInterval := settings.MaxDelay

	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}

	return &serverHintBackOff{
		exponential: &backoff.ExponentialBackOff{
			InitialInterval:     settings.BaseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         maxInterval,
		},
	}
}

// serverHintBackOff waits for the exponential delay or for the delay
// requested by the server through RetryInfo, whichever is longer
type serverHintBackOff struct {
	exponential *backoff.ExponentialBackOff
	hint        time.Duration
}

func (b *serverHintBackOff) NextBackOff() time.Duration {
	next := b.exponential.NextBackOff()

	if b.hint > next {
		next = b.hint
	}

	b.hint = 0

	return next
}

func (b *serverHintBackOff) Reset() {
	b.exponential.Reset()
	b.hint = 0
}

func (b *serverHintBackOff) observe(err error) {
	b.hint = retryDelay(err)
}

// transient reports whether an attempt that failed with
// err should be retried
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// retryDelay extracts the delay requested by the server, if any
func retryDelay(err error) time.Duration {
	st, ok := status.FromError(err)

	if !ok {
		return 0
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}

	return 0
}

// retry runs attempt until it succeeds, fails permanently, exhausts the
// retry budget, or ctx ends. Every attempt gets its own timeout derived
// from ctx.
func retry[T any](ctx context.Context, settings RetrySettings, timeout time.Duration, attempt func(ctx context.Context) (T, error), notify func(err error, next time.Duration)) (T, error) {
	b := settings.backOff()

	result, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := attempt(attemptCtx)

		if err == nil {
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, backoff.Permanent(ctxErr)
		}

		if !transient(err) {
			return result, backoff.Permanent(err)
		}

		b.observe(err)

		return result, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(settings.MaxRetries+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(err, next)
			}
		}),
	)

	var permanent *backoff.PermanentError

	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	return result, err
}

func statusCode(err error) string {
	return status.Code(err).String()
}
