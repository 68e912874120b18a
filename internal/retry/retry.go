// Package retry holds the bounded retry policies shared by status writes and
// side-effecting activities, and the transient/permanent error classification
// that decides whether a failed attempt is retried.
//
// Errors are transient by default. Wrap an error with Permanent when another
// attempt cannot succeed (a 4xx from a collaborator, a contract violation).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
)

// Policy is a bounded exponential retry policy.
type Policy struct {
	// FirstInterval is the delay before the second attempt.
	FirstInterval time.Duration `mapstructure:"first_interval" json:"firstInterval"`

	// Coefficient multiplies the delay after each attempt.
	Coefficient float64 `mapstructure:"coefficient" json:"coefficient"`

	// MaxInterval caps a single delay. Zero means uncapped.
	MaxInterval time.Duration `mapstructure:"max_interval" json:"maxInterval"`

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `mapstructure:"max_attempts" json:"maxAttempts"`
}

// Default policies.
var (
	// StatusWrite governs processing-record writes, so transient store
	// contention does not fail a request a retry would have fixed.
	StatusWrite = Policy{FirstInterval: 5 * time.Second, Coefficient: 2, MaxInterval: time.Minute, MaxAttempts: 5}

	// Activity governs idempotent side-effecting activities.
	Activity = Policy{FirstInterval: 5 * time.Second, Coefficient: 1.5, MaxInterval: time.Minute, MaxAttempts: 3}

	// Once performs a single attempt.
	Once = Policy{MaxAttempts: 1}
)

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts > 1 {
		if p.FirstInterval <= 0 {
			return fmt.Errorf("retry policy: first interval must be > 0, got %s", p.FirstInterval)
		}
		if p.Coefficient < 1 {
			return fmt.Errorf("retry policy: coefficient must be >= 1, got %v", p.Coefficient)
		}
	}
	return nil
}

// BackOff builds a deterministic (jitter-free) backoff for the policy.
func (p Policy) BackOff() backoff.BackOff {
	return p.backOff(clock.WallClock)
}

func (p Policy) backOff(clk clock.Clock) backoff.BackOff {
	if p.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	eb := backoff.NewExponentialBackOff(backoff.WithClockProvider(clk))
	eb.InitialInterval = p.FirstInterval
	eb.Multiplier = p.Coefficient
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// Do runs op under policy p until it succeeds, returns a permanent error,
// exhausts its attempts, or ctx is done. The returned error is the last
// attempt's error with any Permanent wrapper removed. Delays are measured
// on the wall clock.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	return DoWithClock(ctx, clock.WallClock, p, name, op)
}

// DoWithClock is Do with the delays between attempts measured on clk.
func DoWithClock(ctx context.Context, clk clock.Clock, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotifyWithTimer(
		func() error {
			attempt++
			return op(ctx)
		},
		backoff.WithContext(p.backOff(clk), ctx),
		func(err error, next time.Duration) {
			slog.Warn("retrying after transient failure",
				"operation", name,
				"attempt", attempt,
				"next_in", next,
				"error", err,
			)
		},
		&clockTimer{clock: clk},
	)
}

// clockTimer adapts a clock.Clock to the backoff timer interface.
type clockTimer struct {
	clock clock.Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.c = t.clock.After(d)
}

// Stop is a no-op: an abandoned After channel is released once it fires.
func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Category classifies a failure for logging and metrics.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
)

// Classify returns the category of err.
func Classify(err error) Category {
	if IsPermanent(err) {
		return CategoryPermanent
	}
	return CategoryTransient
}
