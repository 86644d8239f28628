package job

import (
	"errors"
	"math"
	"time"

	"github.com/target/jobcoord/internal/domain/model"
)

// MinStaleHeartbeatRatio is the minimum stale threshold expressed in heartbeat intervals.
const MinStaleHeartbeatRatio = 3

// ErrInvalidHeartbeatInterval indicates the configured heartbeat interval is not positive.
var ErrInvalidHeartbeatInterval = errors.New("heartbeat interval must be positive")

// ThresholdSource identifies how a stale threshold was resolved.
type ThresholdSource string

const (
	// ThresholdSourceExplicit indicates the caller supplied a usable threshold.
	ThresholdSourceExplicit ThresholdSource = "explicit"
	// ThresholdSourceDefault indicates the configured threshold was used.
	ThresholdSourceDefault ThresholdSource = "default"
	// ThresholdSourceClamped indicates the request was raised to the heartbeat floor.
	ThresholdSourceClamped ThresholdSource = "clamped"
)

// LeasePolicy ties the worker heartbeat interval to the threshold after which
// a running lease is considered abandoned.
type LeasePolicy struct {
	heartbeat time.Duration
	stale     time.Duration
}

// NewLeasePolicy constructs a LeasePolicy. A stale threshold below three
// heartbeat intervals is raised to that floor.
func NewLeasePolicy(heartbeat, stale time.Duration) (*LeasePolicy, error) {
	if heartbeat <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	if floor := heartbeat * MinStaleHeartbeatRatio; stale < floor {
		stale = floor
	}
	return &LeasePolicy{heartbeat: heartbeat, stale: stale}, nil
}

// HeartbeatInterval returns how often owners renew their lease.
func (p *LeasePolicy) HeartbeatInterval() time.Duration {
	if p == nil {
		return 0
	}
	return p.heartbeat
}

// StaleThreshold returns the configured stale threshold.
func (p *LeasePolicy) StaleThreshold() time.Duration {
	if p == nil {
		return 0
	}
	return p.stale
}

// ThresholdDecision captures the outcome of resolving a sweep threshold.
type ThresholdDecision struct {
	Seconds   int
	Source    ThresholdSource
	Requested time.Duration
}

// Duration returns the resolved threshold.
func (d ThresholdDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// UsedDefault reports whether the policy fell back to the configured threshold.
func (d ThresholdDecision) UsedDefault() bool {
	return d.Source == ThresholdSourceDefault
}

// Clamped reports whether the request was raised to the heartbeat floor.
func (d ThresholdDecision) Clamped() bool {
	return d.Source == ThresholdSourceClamped
}

// Resolve normalises a requested sweep threshold to whole seconds. Zero uses
// the configured threshold; anything under three heartbeats is clamped so a
// healthy owner is never reclaimed.
func (p *LeasePolicy) Resolve(request time.Duration) ThresholdDecision {
	decision := ThresholdDecision{Requested: request}
	if p == nil {
		decision.Source = ThresholdSourceDefault
		return decision
	}

	floor := p.heartbeat * MinStaleHeartbeatRatio
	switch {
	case request == 0:
		decision.Seconds = durationToSeconds(p.stale)
		decision.Source = ThresholdSourceDefault
	case request < floor:
		decision.Seconds = durationToSeconds(floor)
		decision.Source = ThresholdSourceClamped
	default:
		decision.Seconds = durationToSeconds(request)
		decision.Source = ThresholdSourceExplicit
	}
	return decision
}

// IsStale reports whether a running job's last heartbeat (or acquisition when
// it never heartbeated) is older than threshold.
func IsStale(j *model.Job, now time.Time, threshold time.Duration) bool {
	if j == nil || j.State != model.JobStateRunning {
		return false
	}
	seen := j.LastSeenAt()
	if seen == nil {
		return true
	}
	return now.Sub(*seen) > threshold
}

func durationToSeconds(d time.Duration) int {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds <= 0 {
		return 1
	}
	if seconds > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(seconds)
}
