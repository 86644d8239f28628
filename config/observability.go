package config

import (
	"strings"
	"time"
)

const defaultObservabilityName = "jobcoord"

// ObservabilityConfig groups configuration that controls metrics and dead-letter fan-out.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig
	Prometheus    ObservabilityPrometheusConfig
	Notifications ObservabilityNotificationsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Prometheus.Sanitize()
	c.Notifications.Sanitize()
}

// ObservabilityMetricsConfig controls emission of metrics to StatsD.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"OBSERVABILITY_METRICS_PREFIX"         envDefault:"jobcoord"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// ObservabilityPrometheusConfig controls the /metrics endpoint.
type ObservabilityPrometheusConfig struct {
	Enabled bool   `env:"OBSERVABILITY_PROMETHEUS_ENABLED" envDefault:"false"`
	Address string `env:"OBSERVABILITY_PROMETHEUS_ADDRESS" envDefault:":9102"`
}

// Sanitize disables the endpoint when no address is configured.
func (c *ObservabilityPrometheusConfig) Sanitize() {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		c.Enabled = false
	}
}

// ObservabilityNotificationsConfig controls outbound dead-letter notifications.
type ObservabilityNotificationsConfig struct {
	Enabled    bool                    `env:"OBSERVABILITY_NOTIFICATIONS_ENABLED"     envDefault:"false"`
	Timeout    time.Duration           `env:"OBSERVABILITY_NOTIFICATIONS_TIMEOUT"     envDefault:"5s"`
	RetryLimit int                     `env:"OBSERVABILITY_NOTIFICATIONS_RETRY_LIMIT" envDefault:"3"`
	Slack      SlackNotificationConfig `                                                                 envPrefix:"OBSERVABILITY_NOTIFICATIONS_SLACK_"`
	AMQP       AMQPNotificationConfig  `                                                                 envPrefix:"OBSERVABILITY_NOTIFICATIONS_AMQP_"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}

	c.Slack.sanitize()
	c.AMQP.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.AMQP.Enabled = false
		return
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}

	if c.AMQP.Enabled && c.AMQP.URL == "" {
		c.AMQP.Enabled = false
	}
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled      bool   `env:"ENABLED"        envDefault:"false"`
	WebhookURL   string `env:"WEBHOOK_URL"`
	Channel      string `env:"CHANNEL"`
	Username     string `env:"USERNAME"       envDefault:"jobcoord"`
	JobURLPrefix string `env:"JOB_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.JobURLPrefix = strings.TrimSpace(c.JobURLPrefix)
	if c.Username == "" {
		c.Username = defaultObservabilityName
	}
}

// AMQPNotificationConfig controls publishing dead-letter events to a RabbitMQ exchange.
type AMQPNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	URL        string `env:"URL"`
	Exchange   string `env:"EXCHANGE"    envDefault:"jobcoord.events"`
	RoutingKey string `env:"ROUTING_KEY" envDefault:"job.dead_letter"`
}

func (c *AMQPNotificationConfig) sanitize() {
	c.URL = strings.TrimSpace(c.URL)
	c.Exchange = strings.TrimSpace(c.Exchange)
	if c.RoutingKey = strings.TrimSpace(c.RoutingKey); c.RoutingKey == "" {
		c.RoutingKey = "job.dead_letter"
	}
}
