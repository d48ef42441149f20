// Package asyncstate implements the async-block tracking tree (spec.md
// C3): a parent-linked structure of pending-child counters that lets the
// root (and any ancestor async block) know when all of its async
// descendants have settled, without ever blocking a sibling.
//
// Modeled on the teacher's FastState atomic CAS lifecycle
// (eventloop/state.go) generalized from a single flat state value to a
// tree of counters, one per async block.
package asyncstate

import (
	"sync"
	"sync/atomic"
)

// Phase is the lifecycle of one async block: Running until Leave, then
// Resolved or Poisoned.
type Phase uint32

const (
	PhaseRunning  Phase = 0
	PhaseResolved Phase = 1
	PhasePoisoned Phase = 2
)

// State is one node of the async-block tree. The root State is created
// once per render and handed down through compiled units. Enter gives a
// nested async block its child State, and Leave on that child reports
// the block as settled. Compiled units pass the root State along but do
// not call Enter or Leave, so during a render the tree holds only the
// root.
type State struct {
	parent   *State
	phase    atomic.Uint32
	pending  atomic.Int64 // count of not-yet-settled direct async children
	mu       sync.Mutex
	waiters  []chan struct{}
	poisoned atomic.Bool
}

// NewRoot creates the top-level async state for one render pass.
func NewRoot() *State {
	return &State{}
}

// Enter creates a child async-block state and registers it against the
// parent's pending count, matching the C3 "enterAsyncBlock" operation.
func (s *State) Enter() *State {
	s.pending.Add(1)
	return &State{parent: s}
}

// Leave marks this async block as settled (resolved or poisoned,
// indicated by poisoned) and propagates completion up to the parent,
// matching "leaveAsyncBlock". It must be called exactly once per Enter.
func (s *State) Leave(poisoned bool) {
	if poisoned {
		s.poisoned.Store(true)
		s.phase.Store(uint32(PhasePoisoned))
	} else if s.phase.Load() == uint32(PhaseRunning) {
		s.phase.Store(uint32(PhaseResolved))
	}
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	if s.parent != nil {
		remaining := s.parent.pending.Add(-1)
		if poisoned {
			s.parent.poisoned.Store(true)
		}
		if remaining == 0 {
			s.parent.notifySettled()
		}
	}
}

func (s *State) notifySettled() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Pending reports the number of direct async children not yet settled.
func (s *State) Pending() int64 { return s.pending.Load() }

// Poisoned reports whether this state, or any descendant that reported
// back through Leave, was poisoned.
func (s *State) Poisoned() bool { return s.poisoned.Load() }

// WaitAllClosures blocks the calling goroutine until every direct async
// child registered via Enter has called Leave. It is the Go analogue of
// spec.md's "waitAllClosures". The render package does not call it: it
// waits on the root compiled unit's channel instead.
func (s *State) WaitAllClosures() {
	for {
		if s.pending.Load() == 0 {
			return
		}
		ch := make(chan struct{})
		s.mu.Lock()
		if s.pending.Load() == 0 {
			s.mu.Unlock()
			return
		}
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		<-ch
	}
}
