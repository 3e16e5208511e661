package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/domain/model"
)

type stubWaiter struct {
	calls chan model.JobState
	err   error
	block bool
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, partition model.JobState) error {
	select {
	case s.calls <- partition:
	default:
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobState, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.JobStateReady)
	defer unsub()

	select {
	case got := <-waiter.calls:
		assert.Equal(t, model.JobStateReady, got)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_PokeWakesOnlyThatPartition(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobState, 4), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)
	defer notifier.StopAll()

	_, readyCh := notifier.Subscribe(model.JobStateReady)
	_, historyCh := notifier.Subscribe(model.JobStateHistory)

	notifier.Poke(model.JobStateHistory)

	select {
	case <-historyCh:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected history subscriber to be woken")
	}
	select {
	case <-readyCh:
		t.Fatal("ready subscriber must not be woken")
	default:
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobState, 1)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.JobStateTimer)
	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobState, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsubReady, chReady := notifier.Subscribe(model.JobStateReady)
	unsubHistory, chHistory := notifier.Subscribe(model.JobStateHistory)

	for range 2 {
		select {
		case <-waiter.calls:
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected waiter to be invoked")
		}
	}

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chReady, chHistory} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channels should be closed after StopAll")
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected channel to close after StopAll")
		}
	}

	unsubReady()
	unsubHistory()
}

func TestPollWaiter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, PollWaiter{}.WaitForNotification(ctx, model.JobStateReady), "an expired window is a wake-up")

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, PollWaiter{}.WaitForNotification(ctx, model.JobStateReady), context.Canceled)
}

func TestNotifier_PollWaiterWakesEveryWindow(t *testing.T) {
	n, err := NewNotifier(NotifierOptions{Waiter: PollWaiter{}, WaitWindow: 10 * time.Millisecond})
	require.NoError(t, err)
	defer n.StopAll()

	unsub, ch := n.Subscribe(model.JobStateTimer)
	defer unsub()
	for range 2 {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("no wake-up within a second")
		}
	}
}
