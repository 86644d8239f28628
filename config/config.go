package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - jobs.go: retry policy, idempotency, breaker and posting guard configuration
//   - services.go: service mode, worker and reclaimer configuration
//   - observability.go: metrics and dead-letter notifications
type AppConfig struct {
	// IsDev controls development mode behavior such as text log output.
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Log output configuration
	Log LogConfig `envPrefix:"LOG_"`

	// Storage configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"worker"`

	// Job lifecycle policy
	Jobs        JobsConfig
	Idempotency IdempotencyConfig
	Breaker     BreakerConfig
	Posting     PostingConfig

	// Background services
	Worker    WorkerConfig
	Reclaimer ReclaimerConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Log.Sanitize()
	c.Jobs.Sanitize()
	c.Idempotency.Sanitize()
	c.Breaker.Sanitize()
	c.Worker.Sanitize()
	// The stale threshold is bounded by the worker heartbeat, so the worker goes first.
	c.Reclaimer.Sanitize(c.Worker.HeartbeatInterval)
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// NODE_ENV is checked as a fallback (common in container tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the job worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsReclaimerEnabled returns true if the stale lease reclaimer service is enabled.
func (c *AppConfig) IsReclaimerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReclaimer]
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Sanitize lowercases values and falls back to info/json for unknown input.
func (l *LogConfig) Sanitize() {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		l.Level = "info"
	}
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	if l.Format != "text" {
		l.Format = "json"
	}
}
