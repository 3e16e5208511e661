package model

import "time"

// Outcome is the three-way result of a handler invocation.
type Outcome int

const (
	// OutcomeSuccess means the job's work is done.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryableFailure means the attempt failed and costs one retry.
	OutcomeRetryableFailure
	// OutcomeSkipNoPenalty means the job's preconditions are not met yet; it is retried
	// on a later cycle without losing a retry.
	OutcomeSkipNoPenalty
)

// String returns the metric/log label of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomeSkipNoPenalty:
		return "skip"
	default:
		return "unknown"
	}
}

// HandlerResult is returned by job handlers instead of raising distinguished errors.
type HandlerResult struct {
	Outcome Outcome
	// Err describes the failure or skip reason. A Success may carry an Err when the
	// handler recorded a failure as data (batch parts) rather than asking for a retry.
	Err error
	// Stacktrace overrides the captured stack for dead-letter diagnostics.
	Stacktrace string
	// Backoff delays the next attempt of a retryable failure. Zero uses the executor policy.
	Backoff time.Duration
	// NonFatal marks a failure that must cost a retry but must not fail the enclosing
	// dispatch (e.g. a payload deserialization error).
	NonFatal bool
	// CancelRepeat deletes a recurring job on success instead of rescheduling it.
	CancelRepeat bool
}

// Succeeded returns a success result.
func Succeeded() HandlerResult {
	return HandlerResult{Outcome: OutcomeSuccess}
}

// Finished returns a success that also ends the recurrence of a recurring job.
func Finished() HandlerResult {
	return HandlerResult{Outcome: OutcomeSuccess, CancelRepeat: true}
}

// Failed returns a retryable failure.
func Failed(err error) HandlerResult {
	return HandlerResult{Outcome: OutcomeRetryableFailure, Err: err}
}

// FailedWithBackoff returns a retryable failure retried no earlier than backoff from now.
func FailedWithBackoff(err error, backoff time.Duration) HandlerResult {
	return HandlerResult{Outcome: OutcomeRetryableFailure, Err: err, Backoff: backoff}
}

// FailedNonFatal returns a retryable failure that does not abort sibling work.
func FailedNonFatal(err error) HandlerResult {
	return HandlerResult{Outcome: OutcomeRetryableFailure, Err: err, NonFatal: true}
}

// Skipped returns a not-applicable-yet result.
func Skipped(reason error) HandlerResult {
	return HandlerResult{Outcome: OutcomeSkipNoPenalty, Err: reason}
}
