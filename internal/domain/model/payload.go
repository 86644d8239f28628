package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Payload is implemented by every kind-specific job payload.
type Payload interface {
	Kind() JobKind
	Validate() error
}

// TranscribePayload asks for a transcript of a clip.
type TranscribePayload struct {
	ClipID    string `json:"clip_id"`
	SourceURL string `json:"source_url"`
	Language  string `json:"language,omitempty"`
}

// RenderPayload asks for a clip to be rendered with a template.
type RenderPayload struct {
	ClipID     string `json:"clip_id"`
	Template   string `json:"template"`
	Resolution string `json:"resolution,omitempty"`
}

// PublishPayload asks for a rendered clip to be posted to an account.
type PublishPayload struct {
	ClipID    string `json:"clip_id"`
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
	Caption   string `json:"caption,omitempty"`
}

// WebhookPayload carries an arbitrary document for an HTTP endpoint.
// An empty URL means the worker's configured endpoint for the kind.
type WebhookPayload struct {
	URL  string          `json:"url,omitempty"`
	Body json.RawMessage `json:"body"`
}

func (TranscribePayload) Kind() JobKind { return JobKindTranscribe }
func (RenderPayload) Kind() JobKind     { return JobKindRender }
func (PublishPayload) Kind() JobKind    { return JobKindPublish }
func (WebhookPayload) Kind() JobKind    { return JobKindWebhook }

// Validate checks required transcribe fields.
func (p TranscribePayload) Validate() error {
	if strings.TrimSpace(p.ClipID) == "" {
		return errors.New("clip_id is required")
	}
	return validateURL("source_url", p.SourceURL, true)
}

// Validate checks required render fields.
func (p RenderPayload) Validate() error {
	if strings.TrimSpace(p.ClipID) == "" {
		return errors.New("clip_id is required")
	}
	if strings.TrimSpace(p.Template) == "" {
		return errors.New("template is required")
	}
	return nil
}

// Validate checks required publish fields.
func (p PublishPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.ClipID) == "":
		return errors.New("clip_id is required")
	case strings.TrimSpace(p.AccountID) == "":
		return errors.New("account_id is required")
	case strings.TrimSpace(p.Platform) == "":
		return errors.New("platform is required")
	}
	return nil
}

// Validate checks the optional URL and that the body is JSON.
func (p WebhookPayload) Validate() error {
	if len(bytes.TrimSpace(p.Body)) == 0 {
		return errors.New("body is required")
	}
	if !json.Valid(p.Body) {
		return errors.New("body must be valid JSON")
	}
	return validateURL("url", p.URL, false)
}

func validateURL(field, raw string, required bool) error {
	if strings.TrimSpace(raw) == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}

// DecodePayload parses raw into the payload type registered for kind.
// Unknown fields are rejected so the enqueue boundary catches typos.
func DecodePayload(kind JobKind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case JobKindTranscribe:
		p = &TranscribePayload{}
	case JobKindRender:
		p = &RenderPayload{}
	case JobKindPublish:
		p = &PublishPayload{}
	case JobKindWebhook:
		p = &WebhookPayload{}
	default:
		return nil, fmt.Errorf("invalid job kind: %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return derefPayload(p), nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *TranscribePayload:
		return *v
	case *RenderPayload:
		return *v
	case *PublishPayload:
		return *v
	case *WebhookPayload:
		return *v
	default:
		return p
	}
}

// TranscribeResult is the result of a transcribe job.
type TranscribeResult struct {
	TranscriptURL string `json:"transcript_url"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
}

// RenderResult is the result of a render job.
type RenderResult struct {
	OutputURL string `json:"output_url"`
}

// PublishResult is the result of a publish job.
type PublishResult struct {
	PostID  string `json:"post_id"`
	PostURL string `json:"post_url,omitempty"`
}

// WebhookResult is the result of a webhook delivery.
type WebhookResult struct {
	StatusCode int `json:"status_code"`
}

// DecodeResult parses raw into the result type registered for kind.
// An empty result is allowed and yields nil.
func DecodeResult(kind JobKind, raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var out any
	switch kind {
	case JobKindTranscribe:
		out = &TranscribeResult{}
	case JobKindRender:
		out = &RenderResult{}
	case JobKindPublish:
		out = &PublishResult{}
	case JobKindWebhook:
		out = &WebhookResult{}
	default:
		return nil, fmt.Errorf("invalid job kind: %q", kind)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", kind, err)
	}
	return out, nil
}
