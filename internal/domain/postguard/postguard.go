// Package postguard decides whether an account may publish again given its
// recent posting history.
package postguard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/jobcoord/internal/domain/model"
)

// Window is the trailing period counted against the daily limit.
const Window = 24 * time.Hour

// Reason explains why a post was blocked.
type Reason string

const (
	ReasonDailyLimit  Reason = "DAILY_LIMIT"
	ReasonMinInterval Reason = "MIN_INTERVAL"
)

// Limits bounds how often one account may post on one platform.
type Limits struct {
	MaxPerDay   int
	MinInterval time.Duration
}

// Decision is the result of CanPost.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Remaining is how long until the block lifts. For DAILY_LIMIT it is the
	// time until the oldest counted post leaves the window.
	Remaining time.Duration
}

// RemainingMs returns Remaining in whole milliseconds.
func (d Decision) RemainingMs() int64 {
	return d.Remaining.Milliseconds()
}

// CanPost evaluates history against limits at now. Posts exactly 24h old still
// count; a gap exactly equal to MinInterval is allowed.
func CanPost(now time.Time, history []model.PostingRecord, limits Limits) Decision {
	windowStart := now.Add(-Window)

	count := 0
	var latest, oldest time.Time
	for _, rec := range history {
		if rec.PostedAt.Before(windowStart) {
			continue
		}
		count++
		if latest.IsZero() || rec.PostedAt.After(latest) {
			latest = rec.PostedAt
		}
		if oldest.IsZero() || rec.PostedAt.Before(oldest) {
			oldest = rec.PostedAt
		}
	}

	if limits.MaxPerDay > 0 && count >= limits.MaxPerDay {
		// The oldest post stops counting once it is strictly older than 24h.
		remaining := oldest.Add(Window).Sub(now) + time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Reason: ReasonDailyLimit, Remaining: remaining}
	}

	if count == 0 || limits.MinInterval <= 0 {
		return Decision{Allowed: true}
	}

	if elapsed := now.Sub(latest); elapsed < limits.MinInterval {
		return Decision{Reason: ReasonMinInterval, Remaining: limits.MinInterval - elapsed}
	}
	return Decision{Allowed: true}
}

// BlockedError is returned by Enforce when a post is not allowed.
type BlockedError struct {
	Reason      Reason
	Platform    string
	AccountID   string
	RemainingMs *int64
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("posting blocked for account %s on %s: %s", e.AccountID, e.Platform, e.Reason)
	if e.RemainingMs != nil {
		msg += fmt.Sprintf(" (retry in %dms)", *e.RemainingMs)
	}
	return msg
}

// RetryAfter returns the remaining block duration, or zero when unknown.
func (e *BlockedError) RetryAfter() time.Duration {
	if e == nil || e.RemainingMs == nil {
		return 0
	}
	return time.Duration(*e.RemainingMs) * time.Millisecond
}

// IsBlocked reports whether err is a posting guard block.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// EnforceRequest groups the arguments to Enforce.
type EnforceRequest struct {
	Now       time.Time
	Platform  string
	AccountID string
	History   []model.PostingRecord
	Limits    Limits
}

// Enforce returns a *BlockedError when CanPost blocks the request.
func Enforce(req EnforceRequest) error {
	d := CanPost(req.Now, req.History, req.Limits)
	if d.Allowed {
		return nil
	}
	be := &BlockedError{Reason: d.Reason, Platform: req.Platform, AccountID: req.AccountID}
	if d.Remaining > 0 {
		ms := d.RemainingMs()
		be.RemainingMs = &ms
	}
	return be
}

// Plan is a billing tier with its own posting limits.
type Plan string

const (
	PlanBasic Plan = "basic"
	PlanMid   Plan = "mid"
	PlanTop   Plan = "top"
)

var planLimits = map[Plan]Limits{
	PlanBasic: {MaxPerDay: 10, MinInterval: 5 * time.Minute},
	PlanMid:   {MaxPerDay: 30, MinInterval: 2 * time.Minute},
	PlanTop:   {MaxPerDay: 50, MinInterval: time.Minute},
}

// Plans returns the known plans from the most to the least restrictive.
func Plans() []Plan {
	return []Plan{PlanBasic, PlanMid, PlanTop}
}

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (p *Plan) UnmarshalText(text []byte) error {
	v := Plan(strings.ToLower(strings.TrimSpace(string(text))))
	if _, ok := planLimits[v]; !ok {
		return fmt.Errorf("invalid plan: %q", v)
	}
	*p = v
	return nil
}

// LimitsForPlan returns the posting limits of plan. Unknown plans get the basic tier.
func LimitsForPlan(plan Plan) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[PlanBasic]
}
