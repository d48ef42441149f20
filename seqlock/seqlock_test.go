package seqlock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/geleto/cascada-sub004/frame"
	"github.com/geleto/cascada-sub004/seqlock"
	"github.com/stretchr/testify/require"
)

func TestTicketsEnforceSourceOrder(t *testing.T) {
	l := seqlock.NewLock()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	tickets := make([]seqlock.Ticket, 3)
	for i := range tickets {
		tickets[i] = l.Reserve()
	}

	// Acquire out of order across goroutines; Release order still
	// determines wakeup order.
	for i := 2; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Acquire(tickets[i])
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release(tickets[i])
		}(i)
	}
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestAwaitSequenceLockLazilyCreatesLock(t *testing.T) {
	root := frame.NewRoot(nil)
	wait, release := seqlock.AwaitSequenceLock(root, "user.profile")
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected first ticket to acquire immediately")
	}
	release()
}

func TestSecondTicketWaitsForFirstRelease(t *testing.T) {
	root := frame.NewRoot(nil)
	wait1, release1 := seqlock.AwaitSequenceLock(root, "x")
	wait2, release2 := seqlock.AwaitSequenceLock(root, "x")
	wait1()

	done2 := make(chan struct{})
	go func() {
		wait2()
		close(done2)
	}()
	select {
	case <-done2:
		t.Fatal("second ticket should not acquire before first releases")
	case <-time.After(20 * time.Millisecond):
	}
	release1()
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("expected second ticket to acquire after release")
	}
	release2()
}
