package job

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/target/jobexec/internal/domain/model"
)

// BackoffStrategy computes the delay before a retry attempt.
type BackoffStrategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// NoBackoff makes failed jobs due again immediately.
type NoBackoff struct{}

// Delay always returns zero.
func (NoBackoff) Delay(int) time.Duration { return 0 }

// ConstantBackoff always returns the same delay.
type ConstantBackoff struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c ConstantBackoff) Delay(int) time.Duration { return c.Interval }

// LinearBackoff returns min(Initial*attempt, Max).
type LinearBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial*attempt capped at Max.
func (l LinearBackoff) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(max(attempt, 1))
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ExponentialBackoff returns min(Initial*2^(attempt-1), Max), optionally with full jitter.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns the exponential delay for attempt.
func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(max(attempt, 1)-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(base)
}

// BackoffKind names a configured backoff strategy.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffJitter      BackoffKind = "jitter"
)

// UnmarshalText implements encoding.TextUnmarshaler so the kind can be read from env.
func (k *BackoffKind) UnmarshalText(text []byte) error {
	v := BackoffKind(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case "":
		*k = BackoffNone
	case BackoffNone, BackoffConstant, BackoffLinear, BackoffExponential, BackoffJitter:
		*k = v
	default:
		return fmt.Errorf("invalid backoff kind: %q", v)
	}
	return nil
}

// NewBackoff builds the strategy for kind.
func NewBackoff(kind BackoffKind, initial, maxDelay time.Duration) BackoffStrategy {
	switch kind {
	case BackoffConstant:
		return ConstantBackoff{Interval: initial}
	case BackoffLinear:
		return LinearBackoff{Initial: initial, Max: maxDelay}
	case BackoffExponential:
		return ExponentialBackoff{Initial: initial, Max: maxDelay}
	case BackoffJitter:
		return ExponentialBackoff{Initial: initial, Max: maxDelay, Jitter: true}
	default:
		return NoBackoff{}
	}
}

// RetryPolicy decides when a failed job becomes due again.
type RetryPolicy struct {
	// Budget is the retry count new jobs start with; used to derive the attempt number.
	Budget   int
	Strategy BackoffStrategy
}

// DefaultRetryPolicy retries immediately with the default budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Budget: model.DefaultRetries, Strategy: NoBackoff{}}
}

// Attempt derives the 1-indexed retry attempt from the retries remaining after a failure.
func (p RetryPolicy) Attempt(remaining int) int {
	budget := p.Budget
	if budget <= 0 {
		budget = model.DefaultRetries
	}
	return max(budget-remaining, 1)
}

// Backoff returns the delay for the next attempt of a job that has remaining retries left.
// A positive handler-requested backoff always wins.
func (p RetryPolicy) Backoff(requested time.Duration, remaining int) time.Duration {
	if requested > 0 {
		return requested
	}
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.Delay(p.Attempt(remaining))
}
