package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLock indicates the configured default lock duration is not positive.
var ErrInvalidDefaultLock = errors.New("default lock duration must be positive")

// LockSource identifies how a lock duration was resolved.
type LockSource string

const (
	// LockSourceExplicit indicates the caller supplied a usable duration.
	LockSourceExplicit LockSource = "explicit"
	// LockSourceDefault indicates the default duration was used.
	LockSourceDefault LockSource = "default"
	// LockSourceClamped indicates the requested duration was clamped into [min, max].
	LockSourceClamped LockSource = "clamped"
)

// MinLockDuration is the shortest lock the policy hands out.
const MinLockDuration = time.Second

// LockPolicy normalises lock durations for job and scope locks. A lock held past its
// expiration is reclaimed by the sweep, so the duration bounds how long a hung worker can
// block a job.
type LockPolicy struct {
	defaultLock time.Duration
	maxLock     time.Duration
}

// NewLockPolicy constructs a LockPolicy. A zero maxLock leaves durations uncapped.
func NewLockPolicy(defaultLock, maxLock time.Duration) (*LockPolicy, error) {
	if defaultLock <= 0 {
		return nil, ErrInvalidDefaultLock
	}
	if maxLock > 0 && maxLock < defaultLock {
		maxLock = defaultLock
	}
	return &LockPolicy{defaultLock: defaultLock, maxLock: maxLock}, nil
}

// Default returns the configured default lock duration.
func (p *LockPolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLock
}

// LockDecision captures the outcome of resolving a lock request.
type LockDecision struct {
	Duration  time.Duration
	Source    LockSource
	Requested time.Duration
}

// ExpiresAt returns the lock expiration for a lock taken at now.
func (d LockDecision) ExpiresAt(now time.Time) time.Time {
	return now.Add(d.Duration)
}

// Resolve normalises the requested duration. Zero selects the default; negative and too-short
// requests clamp to MinLockDuration and overly long ones to the configured maximum.
func (p *LockPolicy) Resolve(request time.Duration) LockDecision {
	decision := LockDecision{Requested: request}
	if p == nil {
		decision.Duration = MinLockDuration
		decision.Source = LockSourceClamped
		return decision
	}

	switch {
	case request == 0:
		decision.Duration = p.defaultLock
		decision.Source = LockSourceDefault
	case request < MinLockDuration:
		decision.Duration = MinLockDuration
		decision.Source = LockSourceClamped
	case p.maxLock > 0 && request > p.maxLock:
		decision.Duration = p.maxLock
		decision.Source = LockSourceClamped
	default:
		decision.Duration = request
		decision.Source = LockSourceExplicit
	}
	return decision
}
