package job

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingWaiter signals each WaitForQueued call and blocks until released or
// the wait context expires.
type blockingWaiter struct {
	calls   atomic.Int64
	release chan struct{}
	err     error
}

func newBlockingWaiter() *blockingWaiter {
	return &blockingWaiter{release: make(chan struct{})}
}

func (w *blockingWaiter) WaitForQueued(ctx context.Context) error {
	w.calls.Add(1)
	select {
	case <-w.release:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNewQueueNotifier_RequiresWaiter(t *testing.T) {
	_, err := NewQueueNotifier(NotifierOptions{})
	assert.ErrorIs(t, err, ErrWaiterRequired)
}

func TestQueueNotifier_SubscriberReceivesWakeup(t *testing.T) {
	waiter := newBlockingWaiter()
	notifier, err := NewQueueNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, wakeup := notifier.Subscribe()
	defer unsub()

	close(waiter.release)

	select {
	case <-wakeup:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never woke")
	}
}

func TestQueueNotifier_BroadcastReachesAllSubscribers(t *testing.T) {
	waiter := newBlockingWaiter()
	notifier, err := NewQueueNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub1, wake1 := notifier.Subscribe()
	defer unsub1()
	unsub2, wake2 := notifier.Subscribe()
	defer unsub2()

	close(waiter.release)

	for i, ch := range []<-chan struct{}{wake1, wake2} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d never woke", i)
		}
	}
}

func TestQueueNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := newBlockingWaiter()
	notifier, err := NewQueueNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, wakeup := notifier.Subscribe()
	unsub()

	select {
	case _, ok := <-wakeup:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Idempotent.
	unsub()
}

func TestQueueNotifier_StopAllClosesSubscribers(t *testing.T) {
	waiter := newBlockingWaiter()
	notifier, err := NewQueueNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	_, wakeup := notifier.Subscribe()
	notifier.StopAll()

	select {
	case _, ok := <-wakeup:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after StopAll")
	}
}

func TestQueueNotifier_BacksOffAfterWaiterError(t *testing.T) {
	waiter := newBlockingWaiter()
	waiter.err = errors.New("listen failed")
	notifier, err := NewQueueNotifier(NotifierOptions{
		Waiter:  waiter,
		Backoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, _ := notifier.Subscribe()
	defer unsub()

	close(waiter.release)

	// The loop keeps retrying through the short backoff instead of spinning
	// or giving up.
	require.Eventually(t, func() bool {
		return waiter.calls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}
