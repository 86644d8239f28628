// Package metrics holds the named metrics emitted by the job engine. Every
// helper accepts a nil sink so callers never guard metric emission.
package metrics

import (
	"time"

	"github.com/target/jobcoord/internal/domain/breaker"
	"github.com/target/jobcoord/internal/domain/postguard"
	obserrors "github.com/target/jobcoord/internal/observability/errors"
	"github.com/target/jobcoord/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Metric names.
const (
	JobTransition         = "job.transition"
	JobDuration           = "job.duration"
	ReclaimerSweep        = "reclaimer.sweep"
	ReclaimerProcessed    = "reclaimer.jobs_processed"
	ReclaimerSweepTime    = "reclaimer.sweep_duration"
	BreakerStateChange    = "breaker.state_change"
	PostguardBlocked      = "postguard.blocked"
	DeadLetterNotifyCount = "deadletter.notifications"
)

// LabelSchemas lists the full label set of every metric whose tags vary
// between observations, for backends that need labels declared up front.
func LabelSchemas() map[string][]string {
	return map[string][]string{
		JobTransition:      {"kind", "transition", "result", "error_class"},
		JobDuration:        {"kind", "transition", "result", "error_class"},
		ReclaimerSweep:     {"result", "error_class"},
		ReclaimerSweepTime: {"result", "error_class"},
	}
}

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Kind       string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobTransition emits the job transition counter and, when a duration is
// known, the job timing.
func EmitJobTransition(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"kind":       in.Kind,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count(JobTransition, 1, tags)
	if in.Duration > 0 {
		sink.Timing(JobDuration, in.Duration, CloneTags(tags))
	}
}

// SweepMetric summarises one reclaimer pass.
type SweepMetric struct {
	Result            string
	Recovered         int64
	DeadLettered      int64
	PurgedSucceeded   int64
	PurgedIdempotency int64
	Duration          time.Duration
	Err               error
}

// EmitReclaimSweep records a reclaimer pass and the rows it touched by category.
func EmitReclaimSweep(sink statsd.Sink, in SweepMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"result": in.Result}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count(ReclaimerSweep, 1, tags)
	if in.Duration > 0 {
		sink.Timing(ReclaimerSweepTime, in.Duration, CloneTags(tags))
	}

	for category, n := range map[string]int64{
		"recovered":          in.Recovered,
		"dead_lettered":      in.DeadLettered,
		"purged_succeeded":   in.PurgedSucceeded,
		"purged_idempotency": in.PurgedIdempotency,
	} {
		if n > 0 {
			sink.Count(ReclaimerProcessed, n, map[string]string{"category": category})
		}
	}
}

// EmitBreakerStateChange records a breaker moving between states.
func EmitBreakerStateChange(sink statsd.Sink, change breaker.StateChange) {
	if sink == nil {
		return
	}
	sink.Count(BreakerStateChange, 1, map[string]string{
		"dependency": change.Dependency,
		"from":       string(change.From),
		"to":         string(change.To),
	})
}

// EmitPostguardBlocked records a post refused by the posting guard.
func EmitPostguardBlocked(sink statsd.Sink, platform string, reason postguard.Reason) {
	if sink == nil {
		return
	}
	sink.Count(PostguardBlocked, 1, map[string]string{
		"platform": platform,
		"reason":   string(reason),
	})
}

// EmitDeadLetterNotification records one delivery attempt to a dead-letter sink.
func EmitDeadLetterNotification(sink statsd.Sink, sinkName string, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	sink.Count(DeadLetterNotifyCount, 1, map[string]string{"sink": sinkName, "result": result})
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
