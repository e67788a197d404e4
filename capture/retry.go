package capture

import (
	"context"
	"errors"
	"math"
	"time"

	"screenshot-audit/screenshot"
)

// RetryPolicy controls re-navigation after transport failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the wait before the first retry.
	Backoff time.Duration
	// Multiplier grows the wait after each retry; values below 1 keep it flat.
	Multiplier float64
	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy retries twice, waiting 2s then 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Backoff:    2 * time.Second,
		Multiplier: 2,
		MaxBackoff: 30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.Backoff) * math.Pow(mult, float64(attempt)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d < 0) {
		d = p.MaxBackoff
	}
	return d
}

// Retryable reports whether err is a transport failure worth another
// navigation. Classifier verdicts are never errors and so never retried.
func Retryable(err error) bool {
	var navErr *screenshot.NavigationError
	return errors.As(err, &navErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
