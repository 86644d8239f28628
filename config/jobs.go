package config

import (
	"strings"
	"time"

	"github.com/target/jobcoord/internal/domain/breaker"
	"github.com/target/jobcoord/internal/domain/postguard"
)

// JobsConfig holds the retry policy applied by the ledger.
type JobsConfig struct {
	DefaultMaxAttempts int           `env:"JOBS_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase        time.Duration `env:"JOBS_BACKOFF_BASE"         envDefault:"10s"`
	BackoffCap         time.Duration `env:"JOBS_BACKOFF_CAP"          envDefault:"30m"`
}

// Sanitize applies guardrails to the retry policy.
func (j *JobsConfig) Sanitize() {
	if j.DefaultMaxAttempts < 1 {
		j.DefaultMaxAttempts = 1
	}
	if j.BackoffBase < time.Second {
		j.BackoffBase = time.Second
	}
	if j.BackoffCap < j.BackoffBase {
		j.BackoffCap = j.BackoffBase
	}
}

// IdempotencyConfig controls the enqueue dedupe gate.
type IdempotencyConfig struct {
	// CacheTTL bounds how long a stored response stays in the Redis fast path.
	CacheTTL time.Duration `env:"IDEMPOTENCY_CACHE_TTL" envDefault:"24h"`

	// KeyExpressions holds "kind=jmespath" pairs separated by ';'. A matching
	// expression narrows the payload before it is hashed.
	KeyExpressions string `env:"IDEMPOTENCY_KEY_EXPRESSIONS"`
}

// Sanitize applies guardrails to idempotency configuration values.
func (i *IdempotencyConfig) Sanitize() {
	if i.CacheTTL < time.Minute {
		i.CacheTTL = time.Minute
	}
	i.KeyExpressions = strings.TrimSpace(i.KeyExpressions)
}

// BreakerProfile mirrors breaker.Config for env parsing.
type BreakerProfile struct {
	FailureThreshold    int           `env:"FAILURE_THRESHOLD"`
	Cooldown            time.Duration `env:"COOLDOWN"`
	HalfOpenMaxAttempts int           `env:"HALF_OPEN_MAX_ATTEMPTS"`
}

// Config converts the profile to the breaker package type.
func (p BreakerProfile) Config() breaker.Config {
	return breaker.Config{
		FailureThreshold:    p.FailureThreshold,
		Cooldown:            p.Cooldown,
		HalfOpenMaxAttempts: p.HalfOpenMaxAttempts,
	}
}

func (p *BreakerProfile) fillFrom(def breaker.Config) {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = def.Cooldown
	}
	if p.HalfOpenMaxAttempts <= 0 {
		p.HalfOpenMaxAttempts = def.HalfOpenMaxAttempts
	}
}

// BreakerConfig configures the outbound circuit breaker registry.
type BreakerConfig struct {
	Default BreakerProfile `envPrefix:"BREAKER_"`
	LowRisk BreakerProfile `envPrefix:"BREAKER_LOW_RISK_"`

	// LowRiskDependencies lists dependency names that use the LowRisk profile.
	LowRiskDependencies []string `env:"BREAKER_LOW_RISK_DEPENDENCIES" envSeparator:","`
}

// Sanitize fills unset profile fields from the package defaults.
func (b *BreakerConfig) Sanitize() {
	b.Default.fillFrom(breaker.DefaultConfig())
	b.LowRisk.fillFrom(breaker.LowRiskConfig())

	deps := b.LowRiskDependencies[:0]
	for _, d := range b.LowRiskDependencies {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			deps = append(deps, d)
		}
	}
	b.LowRiskDependencies = deps
}

// Overrides maps each low-risk dependency to the low-risk profile.
func (b *BreakerConfig) Overrides() map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(b.LowRiskDependencies))
	for _, d := range b.LowRiskDependencies {
		out[d] = b.LowRisk.Config()
	}
	return out
}

// PostingConfig configures the posting rate guard.
type PostingConfig struct {
	// DefaultPlan is used by the static plan resolver.
	DefaultPlan postguard.Plan `env:"POSTING_DEFAULT_PLAN" envDefault:"basic"`
}
