// Package breaker tracks outbound dependency health per process and
// short-circuits calls to dependencies that keep failing.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the dependency's breaker rejects the call.
var ErrOpen = errors.New("circuit breaker open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one dependency's breaker.
type Config struct {
	FailureThreshold    int
	Cooldown            time.Duration
	HalfOpenMaxAttempts int
}

// DefaultConfig is used for dependencies without an override.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMaxAttempts: 1}
}

// LowRiskConfig tolerates more failures for dependencies whose outage is cheap.
func LowRiskConfig() Config {
	return Config{FailureThreshold: 10, Cooldown: 60 * time.Second, HalfOpenMaxAttempts: 2}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = def.HalfOpenMaxAttempts
	}
	return c
}

// Snapshot is a copy of one dependency's breaker.
type Snapshot struct {
	Dependency       string
	State            State
	FailureCount     int
	LastFailureAt    time.Time
	HalfOpenAttempts int
	Config           Config
}

// StateChange is reported whenever a breaker moves between states.
type StateChange struct {
	Dependency string
	From       State
	To         State
	At         time.Time
}

type circuit struct {
	cfg              Config
	state            State
	failureCount     int
	lastFailureAt    time.Time
	halfOpenAttempts int
}

// RegistryOptions configures NewRegistry.
type RegistryOptions struct {
	Default   Config
	Overrides map[string]Config
	Now       func() time.Time
	// OnStateChange is called outside the registry lock.
	OnStateChange func(StateChange)
	// IsFailure decides whether an Execute error counts against the breaker.
	// Defaults to any error except context cancellation.
	IsFailure func(error) bool
}

// Registry holds one breaker per dependency name. It is safe for concurrent use
// and is meant to be shared by passing it to every call site in a process.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	circuits  map[string]*circuit
	now       func() time.Time
	onChange  func(StateChange)
	isFailure func(error) bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	isFailure := opts.IsFailure
	if isFailure == nil {
		isFailure = defaultIsFailure
	}
	overrides := make(map[string]Config, len(opts.Overrides))
	for dep, cfg := range opts.Overrides {
		overrides[dep] = cfg.normalize()
	}
	return &Registry{
		defaults:  opts.Default.normalize(),
		overrides: overrides,
		circuits:  make(map[string]*circuit),
		now:       now,
		onChange:  opts.OnStateChange,
		isFailure: isFailure,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Configure sets the config for dependency. An existing breaker keeps its
// counters and adopts the new thresholds.
func (r *Registry) Configure(dependency string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg = cfg.normalize()
	r.overrides[dependency] = cfg
	if c, ok := r.circuits[dependency]; ok {
		c.cfg = cfg
	}
}

// circuitLocked returns the breaker for dependency, creating it closed on first use.
func (r *Registry) circuitLocked(dependency string) *circuit {
	c, ok := r.circuits[dependency]
	if ok {
		return c
	}
	cfg, ok := r.overrides[dependency]
	if !ok {
		cfg = r.defaults
	}
	c = &circuit{cfg: cfg, state: StateClosed}
	r.circuits[dependency] = c
	return c
}

// refreshLocked lazily turns an Open breaker whose cooldown elapsed into HalfOpen.
func (r *Registry) refreshLocked(dependency string, c *circuit, now time.Time, changes *[]StateChange) {
	if c.state == StateOpen && now.Sub(c.lastFailureAt) >= c.cfg.Cooldown {
		r.setStateLocked(dependency, c, StateHalfOpen, now, changes)
		c.halfOpenAttempts = 0
	}
}

func (r *Registry) setStateLocked(dependency string, c *circuit, to State, now time.Time, changes *[]StateChange) {
	if c.state == to {
		return
	}
	*changes = append(*changes, StateChange{Dependency: dependency, From: c.state, To: to, At: now})
	c.state = to
}

func (r *Registry) emit(changes []StateChange) {
	if r.onChange == nil {
		return
	}
	for _, ch := range changes {
		r.onChange(ch)
	}
}

// IsOpen reports whether a call to dependency must be skipped. In HalfOpen a
// false result admits one trial call and consumes one of the trial slots.
func (r *Registry) IsOpen(dependency string) bool {
	var changes []StateChange
	defer func() { r.emit(changes) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.circuitLocked(dependency)
	r.refreshLocked(dependency, c, now, &changes)

	switch c.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		if c.halfOpenAttempts >= c.cfg.HalfOpenMaxAttempts {
			return true
		}
		c.halfOpenAttempts++
		return false
	default:
		return false
	}
}

// RecordSuccess resets a Closed breaker's failure count and closes a HalfOpen one.
// A late success while Open is ignored.
func (r *Registry) RecordSuccess(dependency string) {
	var changes []StateChange
	defer func() { r.emit(changes) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.circuitLocked(dependency)
	r.refreshLocked(dependency, c, now, &changes)

	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		r.setStateLocked(dependency, c, StateClosed, now, &changes)
		c.failureCount = 0
		c.halfOpenAttempts = 0
	case StateOpen:
	}
}

// RecordFailure counts a failure. Closed opens at the threshold, HalfOpen
// reopens immediately, and Open restarts its cooldown.
func (r *Registry) RecordFailure(dependency string) {
	var changes []StateChange
	defer func() { r.emit(changes) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.circuitLocked(dependency)
	r.refreshLocked(dependency, c, now, &changes)

	c.lastFailureAt = now
	switch c.state {
	case StateClosed:
		c.failureCount++
		if c.failureCount >= c.cfg.FailureThreshold {
			r.setStateLocked(dependency, c, StateOpen, now, &changes)
		}
	case StateHalfOpen:
		c.failureCount++
		c.halfOpenAttempts = 0
		r.setStateLocked(dependency, c, StateOpen, now, &changes)
	case StateOpen:
		c.failureCount++
	}
}

// Abort releases the trial slot taken by IsOpen for a call that ended without
// an outcome, such as a cancelled request. It is a no-op outside HalfOpen.
func (r *Registry) Abort(dependency string) {
	var changes []StateChange
	defer func() { r.emit(changes) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(dependency)
	r.refreshLocked(dependency, c, r.now(), &changes)
	if c.state == StateHalfOpen && c.halfOpenAttempts > 0 {
		c.halfOpenAttempts--
	}
}

// State returns a snapshot without admitting a trial call. An Open breaker whose
// cooldown elapsed is reported as HalfOpen.
func (r *Registry) State(dependency string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c, ok := r.circuits[dependency]
	if !ok {
		cfg, has := r.overrides[dependency]
		if !has {
			cfg = r.defaults
		}
		return Snapshot{Dependency: dependency, State: StateClosed, Config: cfg}
	}

	state := c.state
	attempts := c.halfOpenAttempts
	if state == StateOpen && now.Sub(c.lastFailureAt) >= c.cfg.Cooldown {
		state = StateHalfOpen
		attempts = 0
	}
	return Snapshot{
		Dependency:       dependency,
		State:            state,
		FailureCount:     c.failureCount,
		LastFailureAt:    c.lastFailureAt,
		HalfOpenAttempts: attempts,
		Config:           c.cfg,
	}
}

// Snapshots returns every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.State(name))
	}
	return out
}

// Execute runs fn unless the breaker is open and records the outcome. An
// error that IsFailure rejects records nothing and frees the trial slot.
func (r *Registry) Execute(ctx context.Context, dependency string, fn func(context.Context) error) error {
	if r.IsOpen(dependency) {
		return fmt.Errorf("%s: %w", dependency, ErrOpen)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		r.RecordSuccess(dependency)
	case r.isFailure(err):
		r.RecordFailure(dependency)
	default:
		r.Abort(dependency)
	}
	return err
}
