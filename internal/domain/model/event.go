package model

import (
	"encoding/json"
	"time"
)

// EventStage names an entry in a job's audit trail.
type EventStage string

const (
	EventStageEnqueued   EventStage = "enqueued"
	EventStageClaimed    EventStage = "claimed"
	EventStageHeartbeat  EventStage = "heartbeat"
	EventStageFailed     EventStage = "failed"
	EventStageDeadLetter EventStage = "dead_letter"
	EventStageSucceeded  EventStage = "succeeded"
	EventStageRequeued   EventStage = "requeued"
)

// Reasons recorded on failed and dead_letter events.
const (
	ReasonHandlerError        = "handler_error"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
	ReasonStuckJobRecovery    = "stuck_job_recovery"
	ReasonAdminRequeue        = "admin_requeue"
)

// JobEvent is an append-only audit entry for a job.
type JobEvent struct {
	ID        int64           `json:"id"         db:"id"`
	JobID     string          `json:"job_id"     db:"job_id"`
	Stage     EventStage      `json:"stage"      db:"stage"`
	Data      json.RawMessage `json:"data"       db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
