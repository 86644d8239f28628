package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the job worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReclaimer runs the stale lease reclaimer and retention sweeps.
	ServiceModeReclaimer ServiceMode = "reclaimer"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeWorker, ServiceModeReclaimer}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReclaimer:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: worker, reclaimer)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// HandlerURLs holds the webhook endpoint per job kind for the built-in handler.
type HandlerURLs struct {
	Transcribe string `env:"TRANSCRIBE_URL"`
	Render     string `env:"RENDER_URL"`
	Publish    string `env:"PUBLISH_URL"`
	Webhook    string `env:"WEBHOOK_URL"`
}

// URLFor returns the configured endpoint for kind, or "".
func (h HandlerURLs) URLFor(kind model.JobKind) string {
	switch kind {
	case model.JobKindTranscribe:
		return h.Transcribe
	case model.JobKindRender:
		return h.Render
	case model.JobKindPublish:
		return h.Publish
	case model.JobKindWebhook:
		return h.Webhook
	default:
		return ""
	}
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// ID prefixes each worker goroutine's identity. Empty derives one from the hostname.
	ID string `env:"WORKER_ID"`

	// Concurrency is the number of claim loops per process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// Kinds restricts claimed job kinds. Empty claims every kind.
	Kinds []model.JobKind `env:"WORKER_KINDS" envSeparator:","`

	// HeartbeatInterval is how often a running job's lease is renewed.
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// PollInterval bounds how long an idle loop waits without a notification.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// HandlerTimeout bounds one outbound handler call.
	HandlerTimeout time.Duration `env:"WORKER_HANDLER_TIMEOUT" envDefault:"30s"`

	Handlers HandlerURLs `envPrefix:"WORKER_HANDLER_"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	w.ID = strings.TrimSpace(w.ID)
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.HeartbeatInterval < time.Second {
		w.HeartbeatInterval = time.Second
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.HandlerTimeout <= 0 {
		w.HandlerTimeout = 30 * time.Second
	}
}

// ClaimKinds returns the configured kinds, or every kind when none are set.
func (w *WorkerConfig) ClaimKinds() []model.JobKind {
	if len(w.Kinds) == 0 {
		return model.AllJobKinds()
	}
	return w.Kinds
}

// ReclaimerConfig contains stale lease reclaimer configuration.
type ReclaimerConfig struct {
	// Interval is the sweep tick interval.
	Interval time.Duration `env:"RECLAIMER_INTERVAL" envDefault:"1m"`

	// Schedule is an optional five-field cron expression. When set it replaces Interval.
	Schedule string `env:"RECLAIMER_SCHEDULE"`

	// StaleThreshold is the heartbeat age after which a running lease is reclaimed.
	StaleThreshold time.Duration `env:"RECLAIMER_STALE_THRESHOLD" envDefault:"60s"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"RECLAIMER_BATCH_SIZE" envDefault:"500"`

	// SucceededMaxAge is the retention for succeeded jobs.
	SucceededMaxAge time.Duration `env:"RECLAIMER_SUCCEEDED_MAX_AGE" envDefault:"168h"` // 7 days

	// IdempotencyMaxAge is the retention for stored enqueue responses.
	IdempotencyMaxAge time.Duration `env:"RECLAIMER_IDEMPOTENCY_MAX_AGE" envDefault:"72h"`
}

// Sanitize applies guardrails to reclaimer configuration values. The stale
// threshold never drops below three heartbeat intervals.
func (r *ReclaimerConfig) Sanitize(heartbeat time.Duration) {
	if r.Interval < 5*time.Second {
		r.Interval = 5 * time.Second
	}
	r.Schedule = strings.TrimSpace(r.Schedule)

	if floor := heartbeat * job.MinStaleHeartbeatRatio; r.StaleThreshold < floor {
		r.StaleThreshold = floor
	}
	if r.SucceededMaxAge < time.Hour {
		r.SucceededMaxAge = time.Hour
	}
	if r.IdempotencyMaxAge < time.Hour {
		r.IdempotencyMaxAge = time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
