package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobcoord/internal/domain/model"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(10*time.Second, 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, policy.HeartbeatInterval())
		assert.Equal(t, 60*time.Second, policy.StaleThreshold())
	})

	t.Run("stale threshold raised to three heartbeats", func(t *testing.T) {
		policy, err := NewLeasePolicy(10*time.Second, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.StaleThreshold())
	})

	t.Run("invalid heartbeat", func(t *testing.T) {
		policy, err := NewLeasePolicy(0, time.Minute)
		require.ErrorIs(t, err, ErrInvalidHeartbeatInterval)
		assert.Nil(t, policy)
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(10*time.Second, 60*time.Second)
	require.NoError(t, err)

	t.Run("explicit threshold", func(t *testing.T) {
		d := policy.Resolve(90 * time.Second)
		assert.Equal(t, 90, d.Seconds)
		assert.Equal(t, ThresholdSourceExplicit, d.Source)
		assert.Equal(t, 90*time.Second, d.Duration())
	})

	t.Run("zero uses default", func(t *testing.T) {
		d := policy.Resolve(0)
		assert.Equal(t, 60, d.Seconds)
		assert.True(t, d.UsedDefault())
	})

	t.Run("below floor is clamped", func(t *testing.T) {
		d := policy.Resolve(5 * time.Second)
		assert.Equal(t, 30, d.Seconds)
		assert.True(t, d.Clamped())
	})

	t.Run("negative is clamped", func(t *testing.T) {
		d := policy.Resolve(-time.Second)
		assert.Equal(t, 30, d.Seconds)
		assert.True(t, d.Clamped())
	})
}

func TestIsStale(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	acquired := now.Add(-2 * time.Minute)
	beat := now.Add(-30 * time.Second)

	tests := []struct {
		name string
		job  *model.Job
		want bool
	}{
		{name: "nil job", job: nil, want: false},
		{name: "not running", job: &model.Job{State: model.JobStateQueued, LeaseAcquiredAt: &acquired}, want: false},
		{name: "recent heartbeat wins over old acquisition", job: &model.Job{
			State: model.JobStateRunning, LeaseAcquiredAt: &acquired, LeaseHeartbeatAt: &beat,
		}, want: false},
		{name: "never heartbeated", job: &model.Job{State: model.JobStateRunning, LeaseAcquiredAt: &acquired}, want: true},
		{name: "no lease timestamps", job: &model.Job{State: model.JobStateRunning}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(tt.job, now, time.Minute))
		})
	}

	exactly := now.Add(-time.Minute)
	assert.False(t, IsStale(&model.Job{State: model.JobStateRunning, LeaseHeartbeatAt: &exactly}, now, time.Minute),
		"age equal to threshold is not stale")
}
