// Package resolve implements the sync-first resolve combinators (spec.md
// C5): helpers that accept a mix of plain values and channel-delivered
// async results, and produce either a synchronous return (fast path, no
// goroutine involved) or a channel delivering the joined/poisoned result.
//
// Modeled on the teacher's promise combinators (eventloop/promise.go:
// All, AllSettled, Any, Race) — same "await every element before
// surfacing, never miss an error" discipline, adapted from
// *ChainedPromise fan-in to a plain channel-of-poison.Value fan-in since
// this module has no event-loop/microtask runtime of its own.
package resolve

import (
	"fmt"
	"strings"
	"sync"

	"github.com/geleto/cascada-sub004/buffer"
	"github.com/geleto/cascada-sub004/poison"
)

// Awaitable is either an already-known poison.Value (the sync fast path)
// or a channel that will deliver exactly one poison.Value.
type Awaitable struct {
	sync  bool
	value poison.Value
	ch    <-chan poison.Value
}

// Sync wraps an already-resolved value, used when an expression's
// operands are all immediately available.
func Sync(v poison.Value) Awaitable { return Awaitable{sync: true, value: v} }

// Async wraps a channel that will deliver one value.
func Async(ch <-chan poison.Value) Awaitable { return Awaitable{sync: false, ch: ch} }

// Resolve blocks only if a itself is async, returning its value.
func (a Awaitable) Resolve() poison.Value {
	if a.sync {
		return a.value
	}
	return <-a.ch
}

// IsSync reports whether a can be read without blocking.
func (a Awaitable) IsSync() bool { return a.sync }

// ResolveSingle resolves one Awaitable. If it is already sync, it
// returns immediately with ok=true; otherwise it returns a zero Value
// and ok=false, and the caller must wait with a.Resolve().
func ResolveSingle(a Awaitable) (poison.Value, bool) {
	if a.sync {
		return a.value, true
	}
	return poison.Value{}, false
}

// ResolveAll resolves every element of items. If every element is
// already sync, it returns synchronously (ok=true). Otherwise it spawns
// no goroutines of its own — it returns ok=false, and the caller should
// use ResolveAllAsync to get a channel.
//
// Errors from every poisoned element are merged in source order
// (matching the teacher's All(), which rejects with the first error but
// — unlike All — this combinator collects every error so the caller can
// report every sibling failure at once, matching spec.md's "deterministic
// pre-order error list" requirement).
func ResolveAll(items []Awaitable) ([]any, *poison.PoisonError, bool) {
	for _, it := range items {
		if !it.sync {
			return nil, nil, false
		}
	}
	vals := make([]any, len(items))
	poisonedVals := make([]poison.Value, len(items))
	hasPoison := false
	for i, it := range items {
		vals[i], _ = it.value.Unwrap()
		poisonedVals[i] = it.value
		if it.value.IsPoisoned() {
			hasPoison = true
		}
	}
	if hasPoison {
		return nil, poison.Merge(poisonedVals...), true
	}
	return vals, nil, true
}

// ResolveAllAsync is the always-async form of ResolveAll: it spawns one
// goroutine for the whole join, reads already-sync elements directly,
// and spawns one more goroutine per async element to receive its value.
// The returned channel
// delivers exactly one poison.Value: Healthy([]any) or Poisoned(merged).
func ResolveAllAsync(items []Awaitable) <-chan poison.Value {
	out := make(chan poison.Value, 1)
	go func() {
		vals := make([]any, len(items))
		poisonedVals := make([]poison.Value, len(items))
		var wg sync.WaitGroup
		for i, it := range items {
			if it.sync {
				vals[i], _ = it.value.Unwrap()
				poisonedVals[i] = it.value
				continue
			}
			wg.Add(1)
			go func(i int, ch <-chan poison.Value) {
				defer wg.Done()
				v := <-ch
				vals[i], _ = v.Unwrap()
				poisonedVals[i] = v
			}(i, it.ch)
		}
		wg.Wait()
		if merged := poison.Merge(poisonedVals...); merged != nil {
			out <- poison.Poisoned(merged)
		} else {
			out <- poison.Healthy(vals)
		}
	}()
	return out
}

// ResolveDuo is the two-operand specialization used for binary
// operators (spec.md C5): both operands resolve in parallel, and the
// result is poisoned if either operand is.
func ResolveDuo(a, b Awaitable) (any, any, *poison.PoisonError, bool) {
	if a.sync && b.sync {
		av, _ := a.value.Unwrap()
		bv, _ := b.value.Unwrap()
		if merged := poison.Merge(a.value, b.value); merged != nil {
			return nil, nil, merged, true
		}
		return av, bv, nil, true
	}
	return nil, nil, nil, false
}

// ResolveDuoAsync is the always-async form of ResolveDuo.
func ResolveDuoAsync(a, b Awaitable) <-chan poison.Value {
	out := make(chan poison.Value, 1)
	go func() {
		av := a.Resolve()
		bv := b.Resolve()
		if merged := poison.Merge(av, bv); merged != nil {
			out <- poison.Poisoned(merged)
			return
		}
		va, _ := av.Unwrap()
		vb, _ := bv.Unwrap()
		out <- poison.Healthy([2]any{va, vb})
	}()
	return out
}

// ResolveObjectProperties resolves a map of named Awaitables (used for
// object/dict literals whose values may be async), preserving
// deterministic pre-order error collection by iterating keys in the
// order given rather than Go's randomized map order.
func ResolveObjectProperties(keys []string, values []Awaitable) (map[string]any, *poison.PoisonError, bool) {
	for _, v := range values {
		if !v.sync {
			return nil, nil, false
		}
	}
	out := make(map[string]any, len(keys))
	poisonedVals := make([]poison.Value, len(values))
	for i, v := range values {
		out[keys[i]], _ = v.value.Unwrap()
		poisonedVals[i] = v.value
	}
	if merged := poison.Merge(poisonedVals...); merged != nil {
		return nil, merged, true
	}
	return out, nil, true
}

// SuppressValueAsync is the output-stage resolver (spec.md §4.4): a
// poisoned value surfaces as-is (the compiler merges it into the bundled
// error rather than it being silently dropped); a healthy value is
// stringified into the text that belongs in the output buffer — a
// string or SafeString passes through (escaped per autoescape unless
// already a SafeString), and an array is concatenated element-wise, the
// "arrays without promises are concatenated synchronously" case. The
// name matches the "suppress" the spec applies to promise/poison
// bookkeeping disappearing once resolved here, not to error contents.
func SuppressValueAsync(v poison.Value, autoescape bool, escapeFn func(string) string) poison.Value {
	if v.IsPoisoned() {
		return v
	}
	raw, _ := v.Unwrap()
	return poison.Healthy(stringifyOutputValue(raw, autoescape, escapeFn))
}

func stringifyOutputValue(raw any, autoescape bool, escapeFn func(string) string) string {
	switch t := raw.(type) {
	case nil:
		return ""
	case buffer.SafeString:
		return string(t)
	case string:
		if autoescape && escapeFn != nil {
			return escapeFn(t)
		}
		return t
	case []any:
		var sb strings.Builder
		for _, e := range t {
			sb.WriteString(stringifyOutputValue(e, autoescape, escapeFn))
		}
		return sb.String()
	default:
		s := fmt.Sprint(t)
		if autoescape && escapeFn != nil {
			return escapeFn(s)
		}
		return s
	}
}
