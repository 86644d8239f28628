package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/domain/model"
)

const maxResponseBodyBytes = 4 * 1024

// PostingGuard rejects publishes that would exceed an account's posting limits.
type PostingGuard interface {
	Enforce(ctx context.Context, scope model.PostingScope) error
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// RetryAfter returns the server's Retry-After hint, or zero.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// WebhookHandlerOptions configures WebhookHandler.
type WebhookHandlerOptions struct {
	Client *http.Client       // Optional: defaults to a 30s client
	URLs   config.HandlerURLs // Per-kind endpoints; webhook jobs may carry their own URL
	Guard  PostingGuard       // Optional: enforced before publish jobs are sent
	Logger *slog.Logger       // Optional: structured logger
}

// WebhookHandler POSTs a job to an HTTP endpoint and stores a summary of the
// response as the job result.
type WebhookHandler struct {
	client *http.Client
	urls   config.HandlerURLs
	guard  PostingGuard
	logger *slog.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(opts WebhookHandlerOptions) *WebhookHandler {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		client: client,
		urls:   opts.URLs,
		guard:  opts.Guard,
		logger: logger.With("component", "webhook_handler"),
	}
}

// Supports reports whether kind has somewhere to go.
func (h *WebhookHandler) Supports(kind model.JobKind) bool {
	return kind == model.JobKindWebhook || h.urls.URLFor(kind) != ""
}

// envelope is the request body for kinds routed to a configured endpoint.
type envelope struct {
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Kind     model.JobKind   `json:"kind"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload"`
}

// response is stored as the job result.
type response struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Handle implements worker.Handler.
func (h *WebhookHandler) Handle(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	target, body, err := h.prepare(job)
	if err != nil {
		return nil, err
	}

	if job.Kind == model.JobKindPublish && h.guard != nil {
		var p model.PublishPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode publish payload: %w", err)
		}
		if err := h.guard.Enforce(ctx, model.PostingScope{
			TenantID:  job.TenantID,
			AccountID: p.AccountID,
			Platform:  p.Platform,
		}); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", job.ID, job.Attempts))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	respBody, readErr := readResponseBody(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return nil, fmt.Errorf("read response body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	out := response{StatusCode: resp.StatusCode}
	if len(respBody) > 0 && json.Valid(respBody) {
		out.Body = respBody
	}
	h.logger.DebugContext(ctx, "webhook delivered", "job_id", job.ID, "status", resp.StatusCode)
	return json.Marshal(out)
}

func (h *WebhookHandler) prepare(job *model.Job) (string, []byte, error) {
	if job.Kind == model.JobKindWebhook {
		var p model.WebhookPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", nil, fmt.Errorf("decode webhook payload: %w", err)
		}
		target := p.URL
		if target == "" {
			target = h.urls.Webhook
		}
		if err := validateURL(target); err != nil {
			return "", nil, err
		}
		body := []byte(p.Body)
		if len(body) == 0 {
			body = []byte("{}")
		}
		return target, body, nil
	}

	target := h.urls.URLFor(job.Kind)
	if err := validateURL(target); err != nil {
		return "", nil, fmt.Errorf("%s endpoint: %w", job.Kind, err)
	}
	body, err := json.Marshal(envelope{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Kind:     job.Kind,
		Attempt:  job.Attempts,
		Payload:  job.Payload,
	})
	if err != nil {
		return "", nil, fmt.Errorf("encode request: %w", err)
	}
	return target, body, nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("no endpoint configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("invalid URL: missing host")
	}
	return nil
}

func readResponseBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBodyBytes+1))
	if len(data) > maxResponseBodyBytes {
		data = data[:maxResponseBodyBytes]
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && err == nil {
			err = drainErr
		}
	}
	return data, err
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
