package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(cfg Config) (*Registry, *fakeClock, *[]StateChange) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var mu sync.Mutex
	changes := &[]StateChange{}
	reg := NewRegistry(RegistryOptions{
		Default: cfg,
		Now:     clock.Now,
		OnStateChange: func(c StateChange) {
			mu.Lock()
			defer mu.Unlock()
			*changes = append(*changes, c)
		},
	})
	return reg, clock, changes
}

func TestConfigDefaults(t *testing.T) {
	assert.Equal(t, Config{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMaxAttempts: 1}, DefaultConfig())
	assert.Equal(t, Config{FailureThreshold: 10, Cooldown: 60 * time.Second, HalfOpenMaxAttempts: 2}, LowRiskConfig())

	reg := NewRegistry(RegistryOptions{})
	assert.Equal(t, DefaultConfig(), reg.State("anything").Config)
}

func TestRegistry_OpensAtThreshold(t *testing.T) {
	reg, _, changes := newTestRegistry(DefaultConfig())

	for i := range 4 {
		reg.RecordFailure("whisper")
		assert.False(t, reg.IsOpen("whisper"), "failure %d should not open", i+1)
	}
	reg.RecordFailure("whisper")
	assert.True(t, reg.IsOpen("whisper"))
	assert.Equal(t, StateOpen, reg.State("whisper").State)

	require.Len(t, *changes, 1)
	assert.Equal(t, StateClosed, (*changes)[0].From)
	assert.Equal(t, StateOpen, (*changes)[0].To)
}

func TestRegistry_SuccessResetsClosedCount(t *testing.T) {
	reg, _, _ := newTestRegistry(DefaultConfig())

	for range 4 {
		reg.RecordFailure("dep")
	}
	reg.RecordSuccess("dep")
	assert.Equal(t, 0, reg.State("dep").FailureCount)

	for range 4 {
		reg.RecordFailure("dep")
	}
	assert.False(t, reg.IsOpen("dep"), "failures must be consecutive")
}

func TestRegistry_HalfOpenAfterCooldown(t *testing.T) {
	reg, clock, _ := newTestRegistry(DefaultConfig())
	for range 5 {
		reg.RecordFailure("dep")
	}

	clock.Advance(30*time.Second - time.Millisecond)
	assert.True(t, reg.IsOpen("dep"))
	assert.Equal(t, StateOpen, reg.State("dep").State)

	clock.Advance(time.Millisecond)
	assert.Equal(t, StateHalfOpen, reg.State("dep").State, "state inspection is lazy and pure")
	assert.False(t, reg.IsOpen("dep"), "first trial admitted")
	assert.True(t, reg.IsOpen("dep"), "trial budget of one exhausted")
}

func TestRegistry_HalfOpenSuccessCloses(t *testing.T) {
	reg, clock, changes := newTestRegistry(DefaultConfig())
	for range 5 {
		reg.RecordFailure("dep")
	}
	clock.Advance(30 * time.Second)
	require.False(t, reg.IsOpen("dep"))

	reg.RecordSuccess("dep")
	snap := reg.State("dep")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.HalfOpenAttempts)

	var to []State
	for _, c := range *changes {
		to = append(to, c.To)
	}
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, to)
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	reg, clock, _ := newTestRegistry(DefaultConfig())
	for range 5 {
		reg.RecordFailure("dep")
	}
	clock.Advance(30 * time.Second)
	require.False(t, reg.IsOpen("dep"))

	reg.RecordFailure("dep")
	assert.True(t, reg.IsOpen("dep"))

	clock.Advance(29 * time.Second)
	assert.True(t, reg.IsOpen("dep"), "cooldown restarts from the half-open failure")
	clock.Advance(time.Second)
	assert.False(t, reg.IsOpen("dep"))
}

func TestRegistry_LowRiskOverride(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	reg := NewRegistry(RegistryOptions{
		Now:       clock.Now,
		Overrides: map[string]Config{"thumbnails": LowRiskConfig()},
	})

	for range 9 {
		reg.RecordFailure("thumbnails")
	}
	assert.False(t, reg.IsOpen("thumbnails"))
	reg.RecordFailure("thumbnails")
	assert.True(t, reg.IsOpen("thumbnails"))

	clock.Advance(60 * time.Second)
	assert.False(t, reg.IsOpen("thumbnails"))
	assert.False(t, reg.IsOpen("thumbnails"))
	assert.True(t, reg.IsOpen("thumbnails"), "two trial calls allowed")
}

func TestRegistry_LateSuccessWhileOpenIgnored(t *testing.T) {
	reg, _, _ := newTestRegistry(DefaultConfig())
	for range 5 {
		reg.RecordFailure("dep")
	}
	reg.RecordSuccess("dep")
	assert.Equal(t, StateOpen, reg.State("dep").State)
}

func TestRegistry_Configure(t *testing.T) {
	reg, _, _ := newTestRegistry(DefaultConfig())
	reg.RecordFailure("dep")
	reg.Configure("dep", Config{FailureThreshold: 2})

	snap := reg.State("dep")
	assert.Equal(t, 2, snap.Config.FailureThreshold)
	assert.Equal(t, 30*time.Second, snap.Config.Cooldown, "unset fields normalised")

	reg.RecordFailure("dep")
	assert.True(t, reg.IsOpen("dep"))
}

func TestRegistry_Execute(t *testing.T) {
	reg, _, _ := newTestRegistry(Config{FailureThreshold: 1})
	boom := errors.New("boom")

	err := reg.Execute(context.Background(), "dep", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	called := false
	err = reg.Execute(context.Background(), "dep", func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	err = reg.Execute(context.Background(), "other", func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, reg.State("other").State, "cancellation is not a dependency failure")
}

func TestRegistry_ExecuteCancelledIsNeutral(t *testing.T) {
	cancelled := func(context.Context) error { return context.Canceled }
	boom := func(context.Context) error { return errors.New("boom") }

	t.Run("closed keeps its failure count", func(t *testing.T) {
		reg, _, _ := newTestRegistry(Config{FailureThreshold: 3, Cooldown: time.Minute})
		_ = reg.Execute(context.Background(), "dep", boom)
		_ = reg.Execute(context.Background(), "dep", boom)

		err := reg.Execute(context.Background(), "dep", cancelled)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, reg.State("dep").FailureCount)

		_ = reg.Execute(context.Background(), "dep", boom)
		assert.Equal(t, StateOpen, reg.State("dep").State, "third real failure opens the breaker")
	})

	t.Run("half-open stays half-open and frees the slot", func(t *testing.T) {
		reg, clock, _ := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMaxAttempts: 1})
		reg.RecordFailure("dep")
		clock.Advance(2 * time.Second)

		err := reg.Execute(context.Background(), "dep", cancelled)
		require.ErrorIs(t, err, context.Canceled)
		snap := reg.State("dep")
		assert.Equal(t, StateHalfOpen, snap.State)
		assert.Zero(t, snap.HalfOpenAttempts)

		assert.False(t, reg.IsOpen("dep"), "the next trial is admitted")
	})
}

func TestRegistry_AbortReleasesTrialSlot(t *testing.T) {
	reg, clock, _ := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMaxAttempts: 1})
	reg.RecordFailure("dep")
	clock.Advance(2 * time.Second)

	require.False(t, reg.IsOpen("dep"))
	assert.True(t, reg.IsOpen("dep"), "the only slot is taken")

	reg.Abort("dep")
	assert.False(t, reg.IsOpen("dep"))

	reg.Abort("dep")
	reg.Abort("dep")
	assert.Equal(t, 0, reg.State("dep").HalfOpenAttempts, "abort never goes below zero")

	reg.Abort("closed-dep")
	assert.Equal(t, StateClosed, reg.State("closed-dep").State)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Default: Config{FailureThreshold: 1000}})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for range 20 {
				if i%2 == 0 {
					reg.RecordFailure("shared")
				} else {
					_ = reg.IsOpen("shared")
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 500, reg.State("shared").FailureCount)
	assert.Len(t, reg.Snapshots(), 1)
}
