package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobcoord/internal/domain/model"
)

type stubWaiter struct {
	calls chan model.JobKind
	err   error
	sleep time.Duration
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, kind model.JobKind) error {
	select {
	case s.calls <- kind:
	default:
	}

	if s.sleep > 0 {
		timer := time.NewTimer(s.sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobKind, 4), sleep: 5 * time.Millisecond}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe(model.JobKindRender)
	defer unsub()

	select {
	case kind := <-waiter.calls:
		assert.Equal(t, model.JobKindRender, kind)
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_SubscribeWithoutKindsListensToAll(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobKind, 16), sleep: 50 * time.Millisecond}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, _ := notifier.Subscribe()
	defer unsub()

	seen := map[model.JobKind]bool{}
	deadline := time.After(time.Second)
	for len(seen) < len(model.AllJobKinds()) {
		select {
		case kind := <-waiter.calls:
			seen[kind] = true
		case <-deadline:
			t.Fatalf("listeners started for %v only", seen)
		}
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobKind, 1), sleep: time.Hour}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.JobKindPublish)

	select {
	case <-waiter.calls:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}

	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobKind, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: 10 * time.Millisecond})
	require.NoError(t, err)

	unsubRender, chRender := notifier.Subscribe(model.JobKindRender)
	unsubPublish, chPublish := notifier.Subscribe(model.JobKindPublish)

	for range 2 {
		select {
		case <-waiter.calls:
		case <-time.After(time.Second):
			t.Fatal("expected waiter to be invoked")
		}
	}

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chRender, chPublish} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channels should be closed after StopAll")
		case <-time.After(time.Second):
			t.Fatal("expected channel to close after StopAll")
		}
	}

	// Unsubscribes stay safe after StopAll.
	unsubRender()
	unsubPublish()
}
