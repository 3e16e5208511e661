// Package metrics emits the standard job lifecycle metrics.
package metrics

import (
	"time"

	obserrors "github.com/target/jobexec/internal/observability/errors"
	"github.com/target/jobexec/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transition names a lifecycle step of a job.
type Transition string

// Lifecycle transitions.
const (
	TransitionCreated      Transition = "created"
	TransitionLocked       Transition = "locked"
	TransitionLockLost     Transition = "lock_lost"
	TransitionScopeBusy    Transition = "scope_busy"
	TransitionSucceeded    Transition = "succeeded"
	TransitionRescheduled  Transition = "rescheduled"
	TransitionSkipped      Transition = "skipped"
	TransitionRetried      Transition = "retried"
	TransitionDeadLettered Transition = "dead_lettered"
	TransitionResurrected  Transition = "resurrected"
	TransitionSuspended    Transition = "suspended"
	TransitionActivated    Transition = "activated"
	TransitionSwept        Transition = "swept"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	HandlerType string
	Partition   string
	Transition  Transition
	Result      string
	Duration    time.Duration
	Err         error
	// Count defaults to 1; sweeps report how many locks they released.
	Count int64
}

// EmitJobLifecycle emits job.transition and, for timed steps, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": string(in.Transition),
		"result":     in.Result,
	}
	if in.HandlerType != "" {
		tags["handler_type"] = in.HandlerType
	}
	if in.Partition != "" {
		tags["partition"] = in.Partition
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	count := in.Count
	if count <= 0 {
		count = 1
	}
	sink.Count("job.transition", count, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitCycle reports one executor acquisition cycle.
func EmitCycle(sink statsd.Sink, executor string, acquired, capacity int, pollDelay time.Duration) {
	if sink == nil {
		return
	}
	tags := map[string]string{"executor": executor}
	sink.Gauge("executor.acquired", float64(acquired), tags)
	sink.Gauge("executor.capacity", float64(capacity), CloneTags(tags))
	sink.Timing("executor.poll_delay", pollDelay, CloneTags(tags))
}

// EmitHistoryFlush reports how many facts a unit of work flushed and how many jobs carried them.
func EmitHistoryFlush(sink statsd.Sink, encoding string, facts, jobs int) {
	if sink == nil || facts == 0 {
		return
	}
	tags := map[string]string{"encoding": encoding}
	sink.Count("history.facts", int64(facts), tags)
	sink.Count("history.jobs", int64(jobs), CloneTags(tags))
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// EmitHistorySplit reports grouped facts re-submitted as single history jobs.
func EmitHistorySplit(sink statsd.Sink, handlerType string, declined int) {
	if sink == nil || declined == 0 {
		return
	}
	sink.Count("history.split", int64(declined), map[string]string{"handler_type": handlerType})
}

// EmitBatchPart reports a batch part reaching a terminal status.
func EmitBatchPart(sink statsd.Sink, batchType, status string) {
	if sink == nil {
		return
	}
	sink.Count("batch.part_completed", 1, map[string]string{"batch_type": batchType, "status": status})
}

// EmitBatchCompleted reports a batch whose parts all completed.
func EmitBatchCompleted(sink statsd.Sink, batchType string, parts, failed int) {
	if sink == nil {
		return
	}
	tags := map[string]string{"batch_type": batchType}
	sink.Count("batch.completed", 1, tags)
	sink.Gauge("batch.parts", float64(parts), CloneTags(tags))
	sink.Gauge("batch.parts_failed", float64(failed), CloneTags(tags))
}
