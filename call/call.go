// Package call implements user-callable invocation (spec.md C7):
// marshaling positional and keyword arguments into a call to an opaque
// Go function, awaiting any async arguments first, and reshuffling
// overflow positional arguments into a macro's kwargs parameter the way
// spec.md's makeMacro does.
//
// Grounded on the teacher's "await every argument before the call,
// never miss an error" discipline (eventloop/promise.go's All), applied
// here to call arguments instead of promise arrays; invocation itself
// uses reflect for the same reason lookup does — no pack library
// performs dynamic invocation of an arbitrary Go func value.
package call

import (
	"fmt"
	"reflect"

	"github.com/geleto/cascada-sub004/poison"
	"github.com/geleto/cascada-sub004/resolve"
)

// Callable is a user-supplied filter, global function, test, or macro
// body, exposed as a single reflect-invocable function value.
type Callable struct {
	Fn reflect.Value
	// IsAsync indicates Fn's last parameter is a callback
	// (func(poison.Value)) rather than returning (any, error) directly.
	IsAsync bool
}

// CallWrap invokes c synchronously: every argument in args must already
// be resolved. It marshals a Go (any, error) or bare any return into a
// poison.Value. When c.IsAsync is set, it passes a callback as the last
// argument and returns the value handed to that callback.
func CallWrap(c Callable, args []any) poison.Value {
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = argValue(c.Fn.Type(), i, a)
	}
	if c.IsAsync {
		done := make(chan poison.Value, 1)
		in = append(in, reflect.ValueOf(func(v poison.Value) { done <- v }))
		c.Fn.Call(in)
		return <-done
	}
	out := c.Fn.Call(in)
	return marshalReturn(out)
}

// CallWrapAsync waits on a new goroutine for every Awaitable argument, in
// order, before invoking c, and returns a channel with the call's result;
// if any argument is poisoned, c is not called and the merged errors are
// delivered instead.
func CallWrapAsync(c Callable, args []resolve.Awaitable) <-chan poison.Value {
	out := make(chan poison.Value, 1)
	go func() {
		resolved := make([]any, len(args))
		vals := make([]poison.Value, len(args))
		for i, a := range args {
			v := a.Resolve()
			vals[i] = v
			if v.IsPoisoned() {
				continue
			}
			resolved[i], _ = v.Unwrap()
		}
		if merged := poison.Merge(vals...); merged != nil {
			out <- poison.Poisoned(merged)
			return
		}
		out <- CallWrap(c, resolved)
	}()
	return out
}

// SequentialCallWrap invokes calls one at a time, in slice order: the
// Nth call only begins once the (N-1)th has returned. It returns their
// results in the same order.
func SequentialCallWrap(calls []func() poison.Value) []poison.Value {
	out := make([]poison.Value, len(calls))
	for i, c := range calls {
		out[i] = c()
	}
	return out
}

func argValue(fnType reflect.Type, i int, a any) reflect.Value {
	if a == nil {
		var paramType reflect.Type
		if fnType.IsVariadic() && i >= fnType.NumIn()-1 {
			paramType = fnType.In(fnType.NumIn() - 1).Elem()
		} else if i < fnType.NumIn() {
			paramType = fnType.In(i)
		} else {
			return reflect.ValueOf(&a).Elem()
		}
		return reflect.Zero(paramType)
	}
	return reflect.ValueOf(a)
}

func marshalReturn(out []reflect.Value) poison.Value {
	switch len(out) {
	case 0:
		return poison.Healthy(nil)
	case 1:
		if isErrorType(out[0].Type()) {
			if out[0].IsNil() {
				return poison.Healthy(nil)
			}
			return poison.Poisoned(out[0].Interface().(error))
		}
		return poison.Healthy(out[0].Interface())
	default:
		last := out[len(out)-1]
		if isErrorType(last.Type()) && !last.IsNil() {
			return poison.Poisoned(last.Interface().(error))
		}
		return poison.Healthy(out[0].Interface())
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func isErrorType(t reflect.Type) bool { return t.Implements(errorType) }

// MacroCallArgs reshuffles positional arguments against a macro's
// declared parameter names, matching spec.md's makeMacro convention:
// named parameters are filled positionally first, then by keyword
// overrides, and any positional arguments beyond the declared
// parameter count overflow into the "kwargs" dict parameter if the
// macro declares one, or are an arity error otherwise.
func MacroCallArgs(paramNames []string, hasKwargsParam bool, positional []any, keyword map[string]any) ([]any, error) {
	out := make([]any, len(paramNames))
	used := make([]bool, len(paramNames))
	for i := 0; i < len(paramNames) && i < len(positional); i++ {
		out[i] = positional[i]
		used[i] = true
	}
	for name, val := range keyword {
		found := false
		for i, p := range paramNames {
			if p == name {
				out[i] = val
				used[i] = true
				found = true
				break
			}
		}
		if !found && !hasKwargsParam {
			return nil, fmt.Errorf("unexpected keyword argument %q", name)
		}
	}
	if len(positional) > len(paramNames) {
		if !hasKwargsParam {
			return nil, fmt.Errorf("too many positional arguments: got %d, want at most %d", len(positional), len(paramNames))
		}
		overflow := make(map[string]any)
		for i := len(paramNames); i < len(positional); i++ {
			overflow[fmt.Sprintf("%d", i)] = positional[i]
		}
		for k, v := range keyword {
			overflow[k] = v
		}
		out = append(out, overflow)
	}
	return out, nil
}
