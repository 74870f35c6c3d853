// Package retry holds the two retry shapes used by eaf: a fixed delay
// schedule for spooled reinjections and an in-process doubling policy for
// short-lived calls such as quarantine uploads.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/migadu/eaf/logger"
)

// Schedule lists the delays before successive retries. Attempt n waits
// Schedule[n-1]; once the list is exhausted the last delay repeats.
type Schedule []time.Duration

// DefaultSchedule is used by the reinjection spool when none is configured.
var DefaultSchedule = Schedule{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

// After returns the delay following the given failed attempt (1-based).
func (s Schedule) After(attempt int) time.Duration {
	if len(s) == 0 {
		return DefaultSchedule.After(attempt)
	}
	switch {
	case attempt < 1:
		return s[0]
	case attempt > len(s):
		return s[len(s)-1]
	}
	return s[attempt-1]
}

// Policy retries an operation inside the calling goroutine.
type Policy struct {
	Attempts int           // total calls, including the first
	Delay    time.Duration // wait before the second call; doubles afterwards
	MaxDelay time.Duration
	Jitter   bool // wait somewhere in [d/2, d) instead of d
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts: 4,
		Delay:    500 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Jitter:   true,
	}
}

// Wait returns the pause before call n+1 after call n failed.
func (p Policy) Wait(n int) time.Duration {
	d := p.Delay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, the context ends
// or the policy runs out of attempts.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if n == attempts {
			break
		}
		logger.Debug("Retrying after failure", "attempt", n, "of", attempts, "error", err)

		t := time.NewTimer(p.Wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
