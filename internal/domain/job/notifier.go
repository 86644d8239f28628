package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/jobcoord/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a job of the given kind is announced or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, kind model.JobKind) error
}

// Notifier wakes idle workers when jobs of the kinds they claim are enqueued.
type Notifier interface {
	Subscribe(kinds ...model.JobKind) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one listener per kind and fans wakeups out to every
// subscription that includes the kind.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[model.JobKind]map[chan struct{}]struct{}
	listeners map[model.JobKind]context.CancelFunc
	closed    map[chan struct{}]bool
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[model.JobKind]map[chan struct{}]struct{}),
		listeners:  make(map[model.JobKind]context.CancelFunc),
		closed:     make(map[chan struct{}]bool),
	}, nil
}

// Subscribe registers for wakeups on kinds; no kinds means every kind.
// The returned func unsubscribes and closes the channel.
func (n *DefaultNotifier) Subscribe(kinds ...model.JobKind) (func(), <-chan struct{}) {
	if len(kinds) == 0 {
		kinds = model.AllJobKinds()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	for _, kind := range kinds {
		if _, ok := n.listeners[kind]; !ok {
			ctx, cancel := context.WithCancel(context.Background())
			n.listeners[kind] = cancel
			go n.listenLoop(ctx, kind)
		}
		if n.subs[kind] == nil {
			n.subs[kind] = make(map[chan struct{}]struct{})
		}
		n.subs[kind][ch] = struct{}{}
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for _, kind := range kinds {
				subscribers := n.subs[kind]
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					n.stopListener(kind)
					delete(n.subs, kind)
				}
			}
			n.closeLocked(ch)
			delete(n.closed, ch)
		})
	}
	return unsub, ch
}

// StopAll cancels every listener and closes every subscription channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for kind := range n.listeners {
		n.stopListener(kind)
	}
	for kind, subscribers := range n.subs {
		for ch := range subscribers {
			n.closeLocked(ch)
		}
		delete(n.subs, kind)
	}
}

func (n *DefaultNotifier) closeLocked(ch chan struct{}) {
	if n.closed[ch] {
		return
	}
	n.closed[ch] = true
	drainAndClose(ch)
}

func (n *DefaultNotifier) stopListener(kind model.JobKind) {
	cancel, ok := n.listeners[kind]
	if !ok {
		return
	}
	cancel()
	delete(n.listeners, kind)
}

// listenLoop also broadcasts on wait timeouts so subscribers re-poll at least
// once per wait window.
func (n *DefaultNotifier) listenLoop(ctx context.Context, kind model.JobKind) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, kind)
		cancel()

		n.broadcast(kind)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(kind model.JobKind) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[kind] {
		if n.closed[ch] {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered notification before closing so receivers
// observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
