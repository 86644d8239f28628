package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/target/jobcoord/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#jobs",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.DeadLetterPayload{
		JobID:       "123",
		TenantID:    "tenant-a",
		Kind:        "publish",
		Reason:      "max_attempts_exceeded",
		Error:       "upstream <500>",
		Attempts:    3,
		MaxAttempts: 3,
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#jobs" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	for _, want := range []string{"Job dead-lettered", "`123`", "publish", "tenant-a", "max_attempts_exceeded", "3/3", "upstream &lt;500&gt;"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message text missing %q: %s", want, text)
		}
	}
}

func TestFormatMessageJobLink(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL:   "https://hooks.slack.com/services/test",
		JobURLPrefix: "https://ops.example.com/jobs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text, _ := client.formatMessage(notify.DeadLetterPayload{JobID: "job-9"})["text"].(string)
	expected := "<https://ops.example.com/jobs/job-9|job-9>"
	if !strings.Contains(text, expected) {
		t.Fatalf("expected job link %q in text: %s", expected, text)
	}
}

func TestSendDeadLetterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendDeadLetter(context.Background(), notify.DeadLetterPayload{JobID: "1"}); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestSendDeadLetterReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = client.SendDeadLetter(context.Background(), notify.DeadLetterPayload{JobID: "1"})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected webhook error, got %v", err)
	}
}
