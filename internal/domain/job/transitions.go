// Package job holds the lifecycle rules of jobs: partition transitions, lock expiry and retry
// backoff. Nothing here touches storage; repositories apply the returned operations.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/jobexec/internal/domain/model"
)

var (
	// ErrInvalidTransition is returned when a move is not allowed from the job's current partition.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrInvalidRepeat is returned when a repeat schedule cannot be parsed.
	ErrInvalidRepeat = errors.New("invalid repeat schedule")
)

// OpKind is the kind of persistence step a transition requires.
type OpKind int

const (
	// OpDelete removes the row from a partition.
	OpDelete OpKind = iota
	// OpInsert writes the row into a partition.
	OpInsert
	// OpUpdate rewrites the row in place within its partition.
	OpUpdate
)

func (k OpKind) String() string {
	switch k {
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Op is one persistence step against a partition.
type Op struct {
	Kind      OpKind
	Partition model.JobState
}

// DeleteFrom returns an op removing the row from partition p.
func DeleteFrom(p model.JobState) Op { return Op{Kind: OpDelete, Partition: p} }

// InsertInto returns an op inserting the row into partition p.
func InsertInto(p model.JobState) Op { return Op{Kind: OpInsert, Partition: p} }

// UpdateIn returns an op rewriting the row inside partition p.
func UpdateIn(p model.JobState) Op { return Op{Kind: OpUpdate, Partition: p} }

// Transition is the next value of a job together with the operations that persist it.
// Ops are applied in order inside a single transaction. From is the value the transition
// started from; stores use its partition and lock owner as the compare-and-set guard.
type Transition struct {
	From *model.Job
	Job  *model.Job
	Ops  []Op
}

// Noop reports whether the transition needs no persistence.
func (t Transition) Noop() bool { return len(t.Ops) == 0 }

// Deleted reports whether the transition removes the job without re-inserting it.
func (t Transition) Deleted() bool {
	return len(t.Ops) == 1 && t.Ops[0].Kind == OpDelete
}

func move(from, next *model.Job) Transition {
	return Transition{From: from, Job: next, Ops: []Op{DeleteFrom(from.State), InsertInto(next.State)}}
}

func update(from, next *model.Job) Transition {
	return Transition{From: from, Job: next, Ops: []Op{UpdateIn(next.State)}}
}

// InitialState picks the partition a newly created job lands in.
func InitialState(kind model.JobKind, dueDate *time.Time, scopeSuspended bool, now time.Time) model.JobState {
	switch {
	case scopeSuspended:
		return model.JobStateSuspended
	case kind == model.JobKindHistory:
		return model.JobStateHistory
	case dueDate != nil && dueDate.After(now):
		return model.JobStateTimer
	default:
		return model.JobStateReady
	}
}

// activeState is the partition a job returns to when it leaves Suspended or Dead-Letter.
func activeState(j *model.Job, now time.Time) model.JobState {
	return InitialState(j.Kind, j.DueDate, false, now)
}

// Suspend moves a Timer or Ready job into Suspended. Content and retries are untouched; the
// job lock is cleared so the worker running it loses the settle and the job comes back
// unlocked on activation. A scope lock is left to its holder.
func Suspend(j *model.Job) (Transition, error) {
	switch j.State {
	case model.JobStateSuspended:
		return Transition{From: j, Job: j}, nil
	case model.JobStateTimer, model.JobStateReady:
		next := j.Clone()
		next.State = model.JobStateSuspended
		next.LockOwner = nil
		next.LockExpiresAt = nil
		return move(j, next), nil
	default:
		return Transition{}, fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, j.State)
	}
}

// Activate moves a Suspended job back into Timer or Ready depending on its due date.
func Activate(j *model.Job, now time.Time) (Transition, error) {
	switch j.State {
	case model.JobStateTimer, model.JobStateReady, model.JobStateHistory:
		return Transition{From: j, Job: j}, nil
	case model.JobStateSuspended:
		next := j.Clone()
		next.State = activeState(j, now)
		return move(j, next), nil
	default:
		return Transition{}, fmt.Errorf("%w: activate from %s", ErrInvalidTransition, j.State)
	}
}

// DeadLetter moves an executable job into Dead-Letter with the given diagnostics.
// The lock is cleared and retries are zeroed.
func DeadLetter(j *model.Job, info model.ExceptionInfo) (Transition, error) {
	if !j.State.Acquirable() {
		return Transition{}, fmt.Errorf("%w: dead-letter from %s", ErrInvalidTransition, j.State)
	}
	next := j.Clone()
	next.State = model.JobStateDeadLetter
	next.Retries = 0
	next.LockOwner = nil
	next.LockExpiresAt = nil
	next.ExceptionMessage = info.Message
	next.ExceptionStacktrace = info.Stacktrace
	return move(j, next), nil
}

// Resurrect moves a Dead-Letter job back to an executable partition with a fresh retry budget.
// The exception info is kept for reference and the job becomes due immediately. A message job
// whose scope is suspended lands in Suspended and runs once the scope is activated.
func Resurrect(j *model.Job, retries int, scopeSuspended bool) (Transition, error) {
	if j.State != model.JobStateDeadLetter {
		return Transition{}, fmt.Errorf("%w: resurrect from %s", ErrInvalidTransition, j.State)
	}
	if retries <= 0 {
		return Transition{}, fmt.Errorf("%w: resurrect needs retries > 0, got %d", ErrInvalidTransition, retries)
	}
	next := j.Clone()
	next.Retries = retries
	next.LockOwner = nil
	next.LockExpiresAt = nil
	next.DueDate = nil
	switch {
	case j.Kind == model.JobKindHistory:
		next.State = model.JobStateHistory
	case scopeSuspended:
		next.State = model.JobStateSuspended
	default:
		next.State = model.JobStateReady
	}
	return move(j, next), nil
}

// Unlock clears the lock of a job without touching its retries.
func Unlock(j *model.Job) Transition {
	next := j.Clone()
	next.LockOwner = nil
	next.LockExpiresAt = nil
	return update(j, next)
}

// RecordFailure charges one retry for a failed attempt. With retries left the job is unlocked
// and becomes due at now+backoff; otherwise it is dead-lettered.
func RecordFailure(j *model.Job, info model.ExceptionInfo, now time.Time, backoff time.Duration) (Transition, error) {
	if !j.State.Acquirable() {
		return Transition{}, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.State)
	}
	remaining := j.Retries - 1
	if remaining <= 0 {
		return DeadLetter(j, info)
	}
	next := j.Clone()
	next.Retries = remaining
	next.LockOwner = nil
	next.LockExpiresAt = nil
	next.ExceptionMessage = info.Message
	next.ExceptionStacktrace = info.Stacktrace
	if backoff > 0 {
		due := now.Add(backoff)
		next.DueDate = &due
	} else {
		next.DueDate = nil
	}
	if next.State == model.JobStateTimer {
		next.State = activeState(next, now)
		return move(j, next), nil
	}
	return update(j, next), nil
}

// Complete finishes a successful execution. One-shot jobs are deleted; recurring jobs are
// unlocked and rescheduled to their next firing after now.
func Complete(j *model.Job, now time.Time) (Transition, error) {
	if !j.Recurring() {
		return Transition{From: j, Job: j, Ops: []Op{DeleteFrom(j.State)}}, nil
	}
	due, err := NextRun(j.Repeat, now)
	if err != nil {
		return Transition{}, err
	}
	next := j.Clone()
	next.LockOwner = nil
	next.LockExpiresAt = nil
	next.DueDate = &due
	next.ExceptionMessage = ""
	next.ExceptionStacktrace = ""
	next.State = model.JobStateTimer
	if j.State == model.JobStateTimer {
		return update(j, next), nil
	}
	return move(j, next), nil
}

// ParseRepeat parses a repeat schedule: a standard five-field cron spec or a descriptor such
// as "@every 30s" or "@hourly".
func ParseRepeat(repeat string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(repeat)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRepeat, repeat, err)
	}
	return sched, nil
}

// NextRun returns the first firing of repeat strictly after now.
func NextRun(repeat string, now time.Time) (time.Time, error) {
	sched, err := ParseRepeat(repeat)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

// Every formats an interval as a repeat schedule.
func Every(d time.Duration) string {
	return "@every " + d.String()
}
