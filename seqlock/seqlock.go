// Package seqlock implements user-marked sequence locks (spec.md C8): a
// `!`-prefixed path such as `!user.profile` forces every read and write
// of that path across async siblings to happen in source order, while
// everything else in the template/script remains free to interleave.
//
// Design note from spec.md §4.7: locks are modeled as regular frame
// entries rather than a separate synchronization primitive, so ordinary
// scope-chain lookup also resolves lock state. This package stores each
// lock under the reserved key "!"+path in the owning frame and builds
// the release-then-wake chain from each Lock's own per-ticket waiter
// channels (modeled on the teacher's ChainedPromise pending-handler-list
// release pattern in eventloop/promise.go).
package seqlock

import (
	"sync"

	"github.com/geleto/cascada-sub004/frame"
)

const lockKeyPrefix = "!"

// Key returns the reserved frame key for a sequence-locked path.
func Key(path string) string {
	return lockKeyPrefix + path
}

// Lock is one chained sequence lock for a single path within one
// render. Each Reserve call returns a ticket; Acquire(t) waits until
// every earlier ticket has been Released, so holders run one at a time
// in the order their tickets were reserved.
type Lock struct {
	mu      sync.Mutex
	holder  int
	next    int
	waiters map[int]chan struct{}
}

// NewLock creates a sequence lock. Frames store one *Lock per `!` path
// under Key(path); the first compiled reference to that path in a given
// render creates it via frame.Declare(Key(path), NewLock()).
func NewLock() *Lock {
	return &Lock{waiters: make(map[int]chan struct{})}
}

// Ticket identifies one acquisition's position in source order.
type Ticket int

// Reserve claims the next position without blocking. AwaitSequenceLock
// calls it when a compiled unit runs, so tickets follow the order of
// those calls; Acquire (the actual wait) may happen later from
// concurrently running goroutines.
func (l *Lock) Reserve() Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.next
	l.next++
	return Ticket(t)
}

// Acquire blocks until every ticket before t has been Released.
func (l *Lock) Acquire(t Ticket) {
	l.mu.Lock()
	if l.holder == int(t) {
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	l.waiters[int(t)] = ch
	l.mu.Unlock()
	<-ch
}

// Release advances the lock to the next ticket and wakes it if it is
// already waiting. Poisoning a holder still releases it — a poisoned
// ticket must not stall every sibling queued behind it.
func (l *Lock) Release(t Ticket) {
	l.mu.Lock()
	l.holder = int(t) + 1
	ch, ok := l.waiters[l.holder]
	if ok {
		delete(l.waiters, l.holder)
	}
	l.mu.Unlock()
	if ok {
		close(ch)
	}
}

// AwaitSequenceLock is the compiled-unit entry point for a read or
// write of a `!`-marked path: it looks up (or lazily creates) the
// Lock for path in fr, reserves a ticket, and returns a function that
// blocks until this ticket's turn and a function to call when done.
func AwaitSequenceLock(fr *frame.Frame, path string) (wait func(), release func()) {
	key := Key(path)
	v, ok := fr.Get(key)
	var l *Lock
	if ok {
		l, _ = v.(*Lock)
	}
	if l == nil {
		l = NewLock()
		fr.Declare(key, l)
	}
	t := l.Reserve()
	return func() { l.Acquire(t) }, func() { l.Release(t) }
}
