package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// DeadLetterPayload is the canonical notification emitted when a job exhausts
// its attempt budget or is recovered from a stale lease without budget left.
type DeadLetterPayload struct {
	JobID       string            `json:"job_id"`
	TenantID    string            `json:"tenant_id"`
	Kind        string            `json:"kind"`
	Reason      string            `json:"reason"`
	Error       string            `json:"error"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Severity    string            `json:"severity"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink describes a destination capable of consuming dead-letter notifications.
type Sink interface {
	SendDeadLetter(ctx context.Context, payload DeadLetterPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload DeadLetterPayload) error

// SendDeadLetter implements the Sink interface.
func (f SinkFunc) SendDeadLetter(ctx context.Context, payload DeadLetterPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
