package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/observability/notify"
)

func deadJob(reason string) *model.Job {
	failedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return &model.Job{
		ID:          "job-1",
		TenantID:    "tenant-a",
		Kind:        model.JobKindPublish,
		State:       model.JobStateDeadLetter,
		Attempts:    3,
		MaxAttempts: 3,
		Priority:    5,
		LastError: &model.JobError{
			Message:     "upstream 502",
			Reason:      reason,
			Attempts:    3,
			MaxAttempts: 3,
			FailedAt:    &failedAt,
		},
	}
}

func TestServicePublishDeadLetter(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []notify.DeadLetterPayload
	)
	capture := notify.SinkFunc(func(_ context.Context, p notify.DeadLetterPayload) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, p)
		return nil
	})
	svc := NewService(Options{
		Sinks: []SinkRegistration{{Name: "a", Sink: capture}, {Name: "b", Sink: capture}, {Name: "nil"}},
	})
	require.True(t, svc.Enabled())

	require.NoError(t, svc.PublishDeadLetter(ctx, deadJob(model.ReasonMaxAttemptsExceeded)))

	require.Len(t, received, 2)
	got := received[0]
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "publish", got.Kind)
	assert.Equal(t, model.ReasonMaxAttemptsExceeded, got.Reason)
	assert.Equal(t, "upstream 502", got.Error)
	assert.Equal(t, notify.SeverityCritical, got.Severity)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), got.OccurredAt)
	assert.Equal(t, "5", got.Metadata["priority"])
}

func TestServiceJoinsSinkErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "fail", Sink: notify.SinkFunc(func(context.Context, notify.DeadLetterPayload) error {
				return errors.New("boom")
			})},
			{Name: "ok", Sink: notify.SinkFunc(func(context.Context, notify.DeadLetterPayload) error {
				return nil
			})},
		},
	})

	err := svc.PublishDeadLetter(context.Background(), deadJob(model.ReasonMaxAttemptsExceeded))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	assert.NoError(t, svc.PublishDeadLetter(context.Background(), deadJob("")))

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
}

func TestBuildPayload(t *testing.T) {
	now := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

	t.Run("stale recovery is a warning", func(t *testing.T) {
		p := BuildPayload(deadJob(model.ReasonStuckJobRecovery), now)
		assert.Equal(t, model.ReasonStuckJobRecovery, p.Reason)
		assert.Equal(t, notify.SeverityWarning, p.Severity)
	})

	t.Run("missing last error falls back", func(t *testing.T) {
		j := deadJob("")
		j.LastError = nil
		p := BuildPayload(j, now)
		assert.Equal(t, model.ReasonMaxAttemptsExceeded, p.Reason)
		assert.Equal(t, now, p.OccurredAt)
		assert.Empty(t, p.Error)
	})
}
