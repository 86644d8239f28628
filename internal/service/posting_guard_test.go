package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/domain/postguard"
)

type memoryPostingHistory struct {
	records []model.PostingRecord
	err     error
}

func (m *memoryPostingHistory) History(_ context.Context, scope model.PostingScope) ([]model.PostingRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []model.PostingRecord
	for _, r := range m.records {
		if r.TenantID == scope.TenantID && r.AccountID == scope.AccountID && r.Platform == scope.Platform {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryPostingHistory) Record(_ context.Context, rec model.PostingRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

type failingPlanResolver struct{}

func (failingPlanResolver) PlanFor(context.Context, string) (postguard.Plan, error) {
	return "", errors.New("billing unavailable")
}

func TestStaticPlanResolver(t *testing.T) {
	r := StaticPlanResolver{
		Default: postguard.PlanMid,
		Tenants: map[string]postguard.Plan{"vip": postguard.PlanTop},
	}
	p, err := r.PlanFor(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, postguard.PlanTop, p)

	p, err = r.PlanFor(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, postguard.PlanMid, p)

	p, err = StaticPlanResolver{}.PlanFor(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, postguard.PlanBasic, p)
}

func TestPostingGuardService_Enforce(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	scope := model.PostingScope{TenantID: "t1", AccountID: "acct-1", Platform: "tiktok"}

	post := func(ago time.Duration) model.PostingRecord {
		return model.PostingRecord{TenantID: "t1", AccountID: "acct-1", Platform: "tiktok", PostedAt: now.Add(-ago)}
	}

	tests := []struct {
		name       string
		history    []model.PostingRecord
		wantReason postguard.Reason
	}{
		{name: "empty history allowed"},
		{name: "interval exactly elapsed allowed", history: []model.PostingRecord{post(5 * time.Minute)}},
		{
			name:       "too soon",
			history:    []model.PostingRecord{post(5*time.Minute - time.Millisecond)},
			wantReason: postguard.ReasonMinInterval,
		},
		{
			name: "daily limit",
			history: func() []model.PostingRecord {
				out := make([]model.PostingRecord, 0, 10)
				for i := 1; i <= 10; i++ {
					out = append(out, post(time.Duration(i)*time.Hour))
				}
				return out
			}(),
			wantReason: postguard.ReasonDailyLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newCountingSink()
			svc, err := NewPostingGuardService(PostingGuardServiceOptions{
				History: &memoryPostingHistory{records: tt.history},
				Metrics: sink,
				Now:     func() time.Time { return now },
			})
			require.NoError(t, err)

			err = svc.Enforce(context.Background(), scope)
			if tt.wantReason == "" {
				require.NoError(t, err)
				assert.Zero(t, sink.counts["postguard.blocked"])
				return
			}

			var blocked *postguard.BlockedError
			require.ErrorAs(t, err, &blocked)
			assert.Equal(t, tt.wantReason, blocked.Reason)
			assert.Equal(t, "acct-1", blocked.AccountID)
			assert.Equal(t, "tiktok", blocked.Platform)
			assert.EqualValues(t, 1, sink.counts["postguard.blocked"])
		})
	}
}

func TestPostingGuardService_Check_UsesTenantPlan(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	history := &memoryPostingHistory{records: []model.PostingRecord{
		{TenantID: "vip", AccountID: "a", Platform: "youtube", PostedAt: now.Add(-90 * time.Second)},
	}}
	svc, err := NewPostingGuardService(PostingGuardServiceOptions{
		History: history,
		Plans:   StaticPlanResolver{Tenants: map[string]postguard.Plan{"vip": postguard.PlanTop}},
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)

	// Top tier has a one minute interval; basic would still block.
	d, err := svc.Check(context.Background(), model.PostingScope{TenantID: "vip", AccountID: "a", Platform: "youtube"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPostingGuardService_Errors(t *testing.T) {
	_, err := NewPostingGuardService(PostingGuardServiceOptions{})
	require.Error(t, err)

	svc, err := NewPostingGuardService(PostingGuardServiceOptions{
		History: &memoryPostingHistory{},
		Plans:   failingPlanResolver{},
	})
	require.NoError(t, err)

	err = svc.Enforce(context.Background(), model.PostingScope{TenantID: "t", AccountID: "a", Platform: "p"})
	require.Error(t, err)
	assert.False(t, postguard.IsBlocked(err))

	err = svc.Enforce(context.Background(), model.PostingScope{TenantID: "t"})
	require.Error(t, err)
}

func TestPostingGuardService_RecordPost(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	history := &memoryPostingHistory{}
	svc, err := NewPostingGuardService(PostingGuardServiceOptions{History: history, Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, svc.RecordPost(context.Background(), model.PostingRecord{
		TenantID: "t1", AccountID: "a", Platform: "p", ClipID: "c1",
	}))
	require.Len(t, history.records, 1)
	assert.Equal(t, now, history.records[0].PostedAt)

	// The post just recorded now blocks the next one.
	err = svc.Enforce(context.Background(), model.PostingScope{TenantID: "t1", AccountID: "a", Platform: "p"})
	assert.True(t, postguard.IsBlocked(err))
}
