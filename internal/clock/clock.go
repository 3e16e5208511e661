// Package clock provides the overridable source of "now" used by every time-based decision
// in the executor, the history pipeline and the batch manager.
package clock

import (
	"sync"
	"time"
)

// Clock provides time-related functionality that can be replaced in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real implements Clock using the host wall clock.
type Real struct{}

// Now returns the current system time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fixed implements Clock with a settable time for testing.
// It is safe for concurrent use.
type Fixed struct {
	mu sync.RWMutex
	t  time.Time
}

// NewFixed creates a Fixed clock reading t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

// Now returns the fixed time.
func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t
}

// Set updates the fixed time.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t.UTC()
	f.mu.Unlock()
}

// Advance moves the fixed time forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

var (
	_ Clock = Real{}
	_ Clock = (*Fixed)(nil)
)
