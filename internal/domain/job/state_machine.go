package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/target/jobcoord/internal/domain/model"
)

// ErrInvalidTransition is returned for lifecycle moves the ledger does not allow.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Transition names a lifecycle operation.
type Transition string

const (
	TransitionClaim      Transition = "claim"
	TransitionHeartbeat  Transition = "heartbeat"
	TransitionSucceed    Transition = "succeed"
	TransitionRetry      Transition = "retry"
	TransitionDeadLetter Transition = "dead_letter"
	TransitionRequeue    Transition = "requeue"
)

var allowedTransitions = map[Transition]struct {
	from model.JobState
	to   model.JobState
}{
	TransitionClaim:      {model.JobStateQueued, model.JobStateRunning},
	TransitionHeartbeat:  {model.JobStateRunning, model.JobStateRunning},
	TransitionSucceed:    {model.JobStateRunning, model.JobStateSucceeded},
	TransitionRetry:      {model.JobStateRunning, model.JobStateQueued},
	TransitionDeadLetter: {model.JobStateRunning, model.JobStateDeadLetter},
	TransitionRequeue:    {model.JobStateDeadLetter, model.JobStateQueued},
}

// CheckTransition returns ErrInvalidTransition unless t may leave from.
func CheckTransition(from model.JobState, t Transition) (model.JobState, error) {
	rule, ok := allowedTransitions[t]
	if !ok {
		return "", fmt.Errorf("%w: unknown transition %q", ErrInvalidTransition, t)
	}
	if from != rule.from {
		return "", fmt.Errorf("%w: cannot %s a job in state %s", ErrInvalidTransition, t, from)
	}
	return rule.to, nil
}

// FailureInput describes a failed attempt, either reported by the owner or
// synthesized by the stale lease sweep.
type FailureInput struct {
	Attempts       int
	MaxAttempts    int
	Message        string
	BackoffSeconds int
	Reason         string
	Now            time.Time
}

// FailureOutcome is the ledger update a failure resolves to.
type FailureOutcome struct {
	Transition Transition
	State      model.JobState
	EligibleAt *time.Time
	Delay      time.Duration
	LastError  model.JobError
	Stage      model.EventStage
	EventData  json.RawMessage
}

// DeadLettered reports whether the job leaves the retry loop.
func (o FailureOutcome) DeadLettered() bool {
	return o.State == model.JobStateDeadLetter
}

// DecideFailure applies the retry/dead-letter branch. Attempts is the count
// already recorded by the claim; it is never incremented here.
func DecideFailure(policy BackoffPolicy, in FailureInput) FailureOutcome {
	now := in.Now.UTC()
	if in.Attempts < in.MaxAttempts {
		delay := policy.Delay(in.Attempts, in.BackoffSeconds)
		eligibleAt := now.Add(delay)
		reason := in.Reason
		if reason == "" {
			reason = model.ReasonHandlerError
		}
		return FailureOutcome{
			Transition: TransitionRetry,
			State:      model.JobStateQueued,
			EligibleAt: &eligibleAt,
			Delay:      delay,
			LastError:  model.JobError{Message: in.Message, Reason: reason},
			Stage:      model.EventStageFailed,
			EventData: mustEventData(map[string]any{
				"reason":        reason,
				"message":       in.Message,
				"attempts":      in.Attempts,
				"max_attempts":  in.MaxAttempts,
				"delay_seconds": int64(delay / time.Second),
				"eligible_at":   eligibleAt,
			}),
		}
	}

	reason := model.ReasonMaxAttemptsExceeded
	if in.Reason == model.ReasonStuckJobRecovery {
		reason = in.Reason
	}
	failedAt := now
	return FailureOutcome{
		Transition: TransitionDeadLetter,
		State:      model.JobStateDeadLetter,
		LastError: model.JobError{
			Message:     in.Message,
			Reason:      reason,
			Attempts:    in.Attempts,
			MaxAttempts: in.MaxAttempts,
			FailedAt:    &failedAt,
		},
		Stage: model.EventStageDeadLetter,
		EventData: mustEventData(map[string]any{
			"reason":       reason,
			"message":      in.Message,
			"attempts":     in.Attempts,
			"max_attempts": in.MaxAttempts,
		}),
	}
}

// EventData marshals an event payload, falling back to an empty object.
func EventData(fields map[string]any) json.RawMessage {
	return mustEventData(fields)
}

func mustEventData(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
