package broker

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds retries of transient broker failures.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Backoff     Backoff       `yaml:"backoff"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultRetryPolicy is three attempts with exponential backoff from 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       200 * time.Millisecond,
		Backoff:     BackoffExponential,
		MaxDelay:    5 * time.Second,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffExponential:
		return nil
	}
	return fmt.Errorf("unknown backoff %q", p.Backoff)
}

// DelayFor returns the wait before retry number n (n starts at 1).
// Exponential delays double per retry and are capped at MaxDelay.
func (p RetryPolicy) DelayFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if p.Backoff != BackoffExponential {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails permanently, the attempt budget is
// spent or ctx is done. onRetry, if non-nil, is called before each wait.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if !IsTransient(err) || attempt == attempts {
			return attempt, err
		}

		wait := p.DelayFor(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, NewTransient("retry", ctx.Err())
		case <-timer.C:
		}
	}
	return attempts, err
}
