// Package testutil provides testing utilities and helpers for the job coordinator.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/target/jobcoord/internal/domain/model"
)

// DefaultTenantID is the tenant used by builders unless overridden.
const DefaultTenantID = "tenant-test"

// JobRequestBuilder provides a fluent interface for building job requests.
type JobRequestBuilder struct {
	request *model.CreateJobRequest
}

// NewJobRequest creates a builder for a valid transcribe job.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		request: &model.CreateJobRequest{
			TenantID: DefaultTenantID,
			Kind:     model.JobKindTranscribe,
			Payload:  json.RawMessage(`{"clip_id":"clip-1","source_url":"https://cdn.example.com/clip-1.mp4"}`),
		},
	}
}

// WithTenant sets the owning tenant.
func (b *JobRequestBuilder) WithTenant(tenantID string) *JobRequestBuilder {
	b.request.TenantID = tenantID
	return b
}

// WithKind sets the job kind. The payload must still match it.
func (b *JobRequestBuilder) WithKind(kind model.JobKind) *JobRequestBuilder {
	b.request.Kind = kind
	return b
}

// WithPayloadString sets the payload from a JSON string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.request.Payload = json.RawMessage(payload)
	return b
}

// WithPriority sets the priority hint.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.request.Priority = priority
	return b
}

// WithEligibleAt delays the job until t.
func (b *JobRequestBuilder) WithEligibleAt(t time.Time) *JobRequestBuilder {
	b.request.EligibleAt = &t
	return b
}

// WithMaxAttempts sets the attempt budget.
func (b *JobRequestBuilder) WithMaxAttempts(n int) *JobRequestBuilder {
	b.request.MaxAttempts = n
	return b
}

// WithDedupeKey sets an explicit idempotency key.
func (b *JobRequestBuilder) WithDedupeKey(key string) *JobRequestBuilder {
	b.request.DedupeKey = key
	return b
}

// Build returns a copy of the request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	req := *b.request
	req.Payload = append(json.RawMessage(nil), b.request.Payload...)
	return &req
}

// TranscribeJobRequest returns a minimal transcribe request.
func TranscribeJobRequest() *model.CreateJobRequest {
	return NewJobRequest().Build()
}

// PublishJobRequest returns a publish request for account on platform.
func PublishJobRequest(accountID, platform string) *model.CreateJobRequest {
	payload, _ := json.Marshal(model.PublishPayload{
		ClipID:    "clip-1",
		AccountID: accountID,
		Platform:  platform,
		Caption:   "hello",
	})
	return NewJobRequest().WithKind(model.JobKindPublish).WithPayloadString(string(payload)).Build()
}

// WebhookJobRequest returns a webhook request targeting url.
func WebhookJobRequest(url string) *model.CreateJobRequest {
	payload, _ := json.Marshal(model.WebhookPayload{URL: url, Body: json.RawMessage(`{"ping":true}`)})
	return NewJobRequest().WithKind(model.JobKindWebhook).WithPayloadString(string(payload)).Build()
}
