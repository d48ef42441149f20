// Package loopdriver implements the `iterate` operation (spec.md C9):
// driving a for-loop body over arrays, maps, async iterators or
// streams, in parallel or sequential mode, with soft/hard iterator
// error semantics and the loop.* binding variables.
//
// Parallel mode's concurrentLimit sliding window is implemented with
// golang.org/x/sync/semaphore.Weighted, the idiomatic Go substitute for
// the teacher's channel/ingress-based backpressure
// (eventloop.ChunkedIngress) — grounded on x/sync being a direct
// dependency already present in the teacher's module graph (go.sum of
// go-utilpkg's eventloop and grpc-proxy submodules).
package loopdriver

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/geleto/cascada-sub004/frame"
	"github.com/geleto/cascada-sub004/poison"
)

// Source is anything iterate can drive a loop body over.
type Source struct {
	Array  []any
	Object map[string]any
	// Stream, if non-nil, delivers items asynchronously; a nil error
	// with ok=false signals end of stream. A non-nil error is a soft
	// iterator error unless Hard is set on the yielded Item.
	Stream <-chan Item
}

// Item is one element yielded by an async iterator/stream source.
type Item struct {
	Key   string
	Value any
	Err   error
	Hard  bool // hard iterator errors poison the whole loop; soft ones just end it early
}

// Binding carries the loop.* values exposed to the loop body for one
// iteration.
type Binding struct {
	Index, Index0          int
	RevIndex, RevIndex0     int
	First, Last             bool
	Length                  any // nil until known (spec.md Open Question resolution: never blocks)
}

// Options configures one iterate call.
type Options struct {
	// ConcurrentLimit, if non-nil, must be >= 0: 0 means fully
	// sequential (equivalent to Sequential=true), a positive N means at
	// most N loop bodies run concurrently, and nil means unlimited
	// parallelism. A negative value is a user configuration error.
	ConcurrentLimit *int
	Sequential      bool
}

// Body is one loop-body invocation: it receives the item value, key (or
// index for arrays), and the loop binding, and must report its poison
// state when done via the returned channel.
type Body func(key string, value any, b Binding) <-chan poison.Value

// Iterate drives body over src according to opts, returning a channel
// that delivers Healthy(nil) once every iteration (and the loop as a
// whole) has settled, or Poisoned with the aggregated errors.
func Iterate(fr *frame.Frame, src Source, opts Options, body Body) <-chan poison.Value {
	out := make(chan poison.Value, 1)

	if opts.ConcurrentLimit != nil && *opts.ConcurrentLimit < 0 {
		go func() {
			out <- poison.Poisoned(fmt.Errorf("concurrentLimit must be >= 0 or unset, got %d", *opts.ConcurrentLimit))
		}()
		return out
	}

	switch {
	case src.Array != nil:
		go runSlice(fr, src.Array, opts, body, out)
	case src.Object != nil:
		go runMap(fr, src.Object, opts, body, out)
	case src.Stream != nil:
		go runStream(fr, src.Stream, opts, body, out)
	default:
		go func() { out <- poison.Healthy(nil) }()
	}
	return out
}

func runSlice(fr *frame.Frame, items []any, opts Options, body Body, out chan<- poison.Value) {
	n := len(items)
	fr.Expect(lenVarName, n)
	results := make([]poison.Value, n)
	run := func(i int) {
		b := Binding{
			Index: i + 1, Index0: i,
			RevIndex: n - i, RevIndex0: n - i - 1,
			First: i == 0, Last: i == n-1,
			Length: n,
		}
		results[i] = <-body(fmt.Sprintf("%d", i), items[i], b)
	}
	runIndices(n, opts, run)
	finish(results, out)
}

func runMap(fr *frame.Frame, items map[string]any, opts Options, body Body, out chan<- poison.Value) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	n := len(keys)
	fr.Expect(lenVarName, n)
	results := make([]poison.Value, n)
	run := func(i int) {
		k := keys[i]
		b := Binding{
			Index: i + 1, Index0: i,
			RevIndex: n - i, RevIndex0: n - i - 1,
			First: i == 0, Last: i == n-1,
			Length: n,
		}
		results[i] = <-body(k, items[k], b)
	}
	runIndices(n, opts, run)
	finish(results, out)
}

const lenVarName = "loop.length"

func runIndices(n int, opts Options, run func(i int)) {
	if opts.Sequential || n <= 1 {
		for i := 0; i < n; i++ {
			run(i)
		}
		return
	}
	if opts.ConcurrentLimit == nil {
		done := make(chan struct{}, n)
		for i := 0; i < n; i++ {
			go func(i int) { run(i); done <- struct{}{} }(i)
		}
		for i := 0; i < n; i++ {
			<-done
		}
		return
	}
	limit := *opts.ConcurrentLimit
	if limit == 0 {
		for i := 0; i < n; i++ {
			run(i)
		}
		return
	}
	sem := semaphore.NewWeighted(int64(limit))
	ctx := context.Background()
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_ = sem.Acquire(ctx, 1)
			defer sem.Release(1)
			run(i)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func finish(results []poison.Value, out chan<- poison.Value) {
	if merged := poison.Merge(results...); merged != nil {
		out <- poison.Poisoned(merged)
		return
	}
	out <- poison.Healthy(nil)
}

// runStream drives an async-iterator/channel source. Soft iterator
// errors (Item.Err != nil, Hard == false) end the loop early without
// poisoning it, matching spec.md's distinction between a source that
// merely ran dry early versus one that failed outright; hard errors
// poison the whole loop.
func runStream(fr *frame.Frame, stream <-chan Item, opts Options, body Body, out chan<- poison.Value) {
	var results []poison.Value
	i := 0
	var sem *semaphore.Weighted
	ctx := context.Background()
	if opts.ConcurrentLimit != nil && *opts.ConcurrentLimit > 0 {
		sem = semaphore.NewWeighted(int64(*opts.ConcurrentLimit))
	}
	var pending []<-chan poison.Value
	for item := range stream {
		if item.Err != nil {
			if item.Hard {
				results = append(results, poison.Poisoned(item.Err))
			}
			break
		}
		b := Binding{Index: i + 1, Index0: i, First: i == 0, Length: nil}
		if opts.Sequential || sem == nil && opts.ConcurrentLimit != nil && *opts.ConcurrentLimit == 0 {
			results = append(results, <-body(item.Key, item.Value, b))
		} else if sem != nil {
			_ = sem.Acquire(ctx, 1)
			ch := body(item.Key, item.Value, b)
			relay := make(chan poison.Value, 1)
			pending = append(pending, relay)
			go func() { v := <-ch; sem.Release(1); relay <- v }()
		} else {
			pending = append(pending, body(item.Key, item.Value, b))
		}
		i++
	}
	for _, ch := range pending {
		results = append(results, <-ch)
	}
	fr.Expect(lenVarName, i)
	finish(results, out)
}
