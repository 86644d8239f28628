// Package deadletter fans dead-letter notifications out to the configured sinks.
package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/observability/metrics"
	"github.com/target/jobcoord/internal/observability/notify"
	"github.com/target/jobcoord/internal/observability/statsd"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the dead-letter notifier service.
type Options struct {
	Logger  *slog.Logger
	Metrics statsd.Sink
	Sinks   []SinkRegistration
	// Now defaults to time.Now and stamps payloads whose job has no failure time.
	Now func() time.Time
}

// Service dispatches dead-letter events to all registered sinks.
type Service struct {
	logger  *slog.Logger
	metrics statsd.Sink
	sinks   []SinkRegistration
	now     func() time.Time
}

var _ core.DeadLetterPublisher = (*Service)(nil)

// NewService constructs a dead-letter notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	return &Service{
		logger:  logger.With("component", "deadletter_notifier"),
		metrics: opts.Metrics,
		sinks:   sinks,
		now:     now,
	}
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// PublishDeadLetter builds the payload for j and delivers it to every sink.
// Delivery errors are logged and joined; the caller must not let them affect
// the ledger.
func (s *Service) PublishDeadLetter(ctx context.Context, j *model.Job) error {
	if !s.Enabled() || j == nil {
		return nil
	}
	return s.Notify(ctx, BuildPayload(j, s.now()))
}

// Notify fans payload out to all sinks concurrently and waits for them.
func (s *Service) Notify(ctx context.Context, payload notify.DeadLetterPayload) error {
	if !s.Enabled() {
		return nil
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := entry.Sink.SendDeadLetter(ctx, payload)
			metrics.EmitDeadLetterNotification(s.metrics, entry.Name, err)
			if err == nil {
				return
			}
			s.logger.ErrorContext(ctx, "dead-letter notification delivery error",
				"sink", entry.Name,
				"job_id", payload.JobID,
				"kind", payload.Kind,
				"error", err,
			)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// BuildPayload maps a dead-lettered job onto the notification payload.
func BuildPayload(j *model.Job, now time.Time) notify.DeadLetterPayload {
	payload := notify.DeadLetterPayload{
		JobID:       j.ID,
		TenantID:    j.TenantID,
		Kind:        string(j.Kind),
		Reason:      model.ReasonMaxAttemptsExceeded,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Severity:    notify.SeverityCritical,
		OccurredAt:  now.UTC(),
		Metadata: map[string]string{
			"priority": strconv.Itoa(j.Priority),
			"state":    string(j.State),
		},
	}
	if le := j.LastError; le != nil {
		payload.Error = le.Message
		if le.Reason != "" {
			payload.Reason = le.Reason
		}
		if le.FailedAt != nil {
			payload.OccurredAt = le.FailedAt.UTC()
		}
	}
	if payload.Reason == model.ReasonStuckJobRecovery {
		payload.Severity = notify.SeverityWarning
	}
	return payload
}
