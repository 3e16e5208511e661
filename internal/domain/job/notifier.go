package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/jobexec/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a job lands in the given partition or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, partition model.JobState) error
}

// PollWaiter never hears from the store: each wait lasts the notifier's whole wait window, so
// subscribers are woken once per window. It backs the notifier when LISTEN/NOTIFY is off.
type PollWaiter struct{}

// WaitForNotification blocks until ctx ends; an expired window is not an error.
func (PollWaiter) WaitForNotification(ctx context.Context, _ model.JobState) error {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

// Notifier wakes idle executors when new work arrives in a partition.
type Notifier interface {
	Subscribe(partition model.JobState) (func(), <-chan struct{})
	// Poke wakes local subscribers of partition without a round trip through the store.
	Poke(partition model.JobState)
	StopAll()
}

// NotifierOptions configure the default notifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one waiter loop per subscribed partition and fans wake-ups out to all
// subscribers of that partition. Wake-ups coalesce: a subscriber that has not drained its
// channel receives at most one pending signal.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[model.JobState]map[chan struct{}]struct{}
	listeners map[model.JobState]context.CancelFunc
}

// NewNotifier constructs the default notifier.
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
		subs:       make(map[model.JobState]map[chan struct{}]struct{}),
		listeners:  make(map[model.JobState]context.CancelFunc),
	}, nil
}

// Subscribe registers a wake-up channel for partition. The returned func unsubscribes and
// closes the channel.
func (n *DefaultNotifier) Subscribe(partition model.JobState) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[partition]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[partition] = cancel
		go n.listenLoop(ctx, partition)
	}

	ch := make(chan struct{}, 1)
	if n.subs[partition] == nil {
		n.subs[partition] = make(map[chan struct{}]struct{})
	}
	n.subs[partition][ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() { n.unsubscribe(partition, ch) })
	}
	return unsub, ch
}

func (n *DefaultNotifier) unsubscribe(partition model.JobState, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subscribers := n.subs[partition]
	if _, ok := subscribers[ch]; !ok {
		return
	}
	delete(subscribers, ch)
	drainAndClose(ch)
	if len(subscribers) == 0 {
		if cancel, ok := n.listeners[partition]; ok {
			cancel()
			delete(n.listeners, partition)
		}
		delete(n.subs, partition)
	}
}

// Poke wakes every local subscriber of partition.
func (n *DefaultNotifier) Poke(partition model.JobState) {
	n.broadcast(partition)
}

// StopAll cancels every waiter loop and closes all subscriber channels.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for partition, cancel := range n.listeners {
		cancel()
		delete(n.listeners, partition)
	}
	for partition, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, partition)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, partition model.JobState) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, partition)
		cancel()

		// A timed-out wait still wakes subscribers so they re-poll for timers that became due.
		n.broadcast(partition)

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

func (n *DefaultNotifier) broadcast(partition model.JobState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[partition] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes buffered signals before closing so receivers observe the close at once.
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
