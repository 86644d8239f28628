// Package model defines the core data types shared by the job coordination engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind identifies the handler responsible for a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobState represents the lifecycle state of a job.
type JobState string

const (
	// JobKindTranscribe transcribes the audio track of a clip.
	JobKindTranscribe JobKind = "transcribe"
	// JobKindRender renders a clip with a template.
	JobKindRender JobKind = "render"
	// JobKindPublish publishes a rendered clip to a social account.
	JobKindPublish JobKind = "publish"
	// JobKindWebhook delivers an arbitrary JSON document to an HTTP endpoint.
	JobKindWebhook JobKind = "webhook"

	// JobStateQueued indicates a job is waiting for a worker.
	JobStateQueued JobState = "queued"
	// JobStateRunning indicates a job is leased to a worker.
	JobStateRunning JobState = "running"
	// JobStateDeadLetter indicates a job exhausted its attempts.
	JobStateDeadLetter JobState = "dead_letter"
	// JobStateSucceeded indicates a job finished successfully.
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed is a terminal failure state that is never requeued.
	JobStateFailed JobState = "failed"
)

// DefaultMaxAttempts is used when a request does not set MaxAttempts.
const DefaultMaxAttempts = 3

// ErrNoJobsAvailable is returned when no job qualifies for a claim.
var ErrNoJobsAvailable = errors.New("no jobs available")

// AllJobKinds lists every supported kind in a stable order.
func AllJobKinds() []JobKind {
	return []JobKind{JobKindTranscribe, JobKindRender, JobKindPublish, JobKindWebhook}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobKind to allow env parsing.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := JobKind(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobKind: %q", v)
	}
	*k = v
	return nil
}

// Valid returns true if the JobKind is known.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindTranscribe, JobKindRender, JobKindPublish, JobKindWebhook:
		return true
	default:
		return false
	}
}

// Valid returns true if the JobState is known.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateDeadLetter, JobStateSucceeded, JobStateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no worker transition leaves this state.
func (s JobState) Terminal() bool {
	return s == JobStateDeadLetter || s == JobStateSucceeded || s == JobStateFailed
}

// JobError is the structured last_error blob stored on a job.
// Retry failures only carry Message; dead-lettering fills every field.
type JobError struct {
	Message     string     `json:"message"`
	Reason      string     `json:"reason,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	MaxAttempts int        `json:"maxAttempts,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// Job represents a unit of work in the ledger.
type Job struct {
	ID               string          `json:"id"                           db:"id"`
	TenantID         string          `json:"tenant_id"                    db:"tenant_id"`
	Kind             JobKind         `json:"kind"                         db:"kind"`
	Payload          json.RawMessage `json:"payload"                      db:"payload"`
	Priority         int             `json:"priority"                     db:"priority"`
	State            JobState        `json:"state"                        db:"state"`
	Attempts         int             `json:"attempts"                     db:"attempts"`
	MaxAttempts      int             `json:"max_attempts"                 db:"max_attempts"`
	OwnerID          *string         `json:"owner_id,omitempty"           db:"owner_id"`
	LeaseAcquiredAt  *time.Time      `json:"lease_acquired_at,omitempty"  db:"lease_acquired_at"`
	LeaseHeartbeatAt *time.Time      `json:"lease_heartbeat_at,omitempty" db:"lease_heartbeat_at"`
	EligibleAt       time.Time       `json:"eligible_at"                  db:"eligible_at"`
	LastError        *JobError       `json:"last_error,omitempty"         db:"last_error"`
	Result           json.RawMessage `json:"result,omitempty"             db:"result"`
	CreatedAt        time.Time       `json:"created_at"                   db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"                   db:"updated_at"`
}

// OwnedBy reports whether workerID currently holds the lease on the job.
func (j *Job) OwnedBy(workerID string) bool {
	return j != nil && j.State == JobStateRunning && j.OwnerID != nil && *j.OwnerID == workerID
}

// LastSeenAt returns coalesce(lease_heartbeat_at, lease_acquired_at).
func (j *Job) LastSeenAt() *time.Time {
	if j == nil {
		return nil
	}
	if j.LeaseHeartbeatAt != nil {
		return j.LeaseHeartbeatAt
	}
	return j.LeaseAcquiredAt
}

// CreateJobRequest represents a request to enqueue a job.
type CreateJobRequest struct {
	TenantID    string          `json:"tenant_id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	EligibleAt  *time.Time      `json:"eligible_at,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

// Validate validates the request fields and the payload shape for its kind.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid job kind: %q", r.Kind)
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if _, err := DecodePayload(r.Kind, r.Payload); err != nil {
		return err
	}
	return nil
}

// ClaimRequest selects the next job for a worker.
type ClaimRequest struct {
	WorkerID string
	Kinds    []JobKind
}

// FailJobRequest reports a failed attempt. BackoffSeconds overrides the
// computed retry delay when positive.
type FailJobRequest struct {
	JobID          string
	WorkerID       string
	Message        string
	BackoffSeconds int
}

// SucceedJobRequest reports a successful attempt.
type SucceedJobRequest struct {
	JobID    string
	WorkerID string
	Result   json.RawMessage
}

// JobStats holds per-state job counts.
type JobStats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	DeadLetter int `json:"dead_letter"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// JobWithEvents is the read model for a job and its audit trail.
type JobWithEvents struct {
	Job    *Job       `json:"job"`
	Events []JobEvent `json:"events"`
}

// EnqueueResponse is the stored response of an enqueue call.
type EnqueueResponse struct {
	JobID string `json:"job_id"`
}
