package call_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/geleto/cascada-sub004/call"
	"github.com/geleto/cascada-sub004/poison"
	"github.com/geleto/cascada-sub004/resolve"
	"github.com/stretchr/testify/require"
)

func upper(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty string")
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		out[i] = c
	}
	return string(out), nil
}

func TestCallWrapSuccess(t *testing.T) {
	c := call.Callable{Fn: reflect.ValueOf(upper)}
	v := call.CallWrap(c, []any{"hi"})
	require.False(t, v.IsPoisoned())
	raw, _ := v.Unwrap()
	require.Equal(t, "HI", raw)
}

func TestCallWrapError(t *testing.T) {
	c := call.Callable{Fn: reflect.ValueOf(upper)}
	v := call.CallWrap(c, []any{""})
	require.True(t, v.IsPoisoned())
}

func TestCallWrapAsyncResolvesArgsFirst(t *testing.T) {
	ch := make(chan poison.Value, 1)
	ch <- poison.Healthy("bye")
	c := call.Callable{Fn: reflect.ValueOf(upper)}
	out := call.CallWrapAsync(c, []resolve.Awaitable{resolve.Async(ch)})
	select {
	case v := <-out:
		raw, _ := v.Unwrap()
		require.Equal(t, "BYE", raw)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestMacroCallArgsPositionalAndKeyword(t *testing.T) {
	out, err := call.MacroCallArgs([]string{"a", "b"}, false, []any{1}, map[string]any{"b": 2})
	require.NoError(t, err)
	require.Equal(t, []any{1, 2}, out)
}

func TestMacroCallArgsOverflowsIntoKwargs(t *testing.T) {
	out, err := call.MacroCallArgs([]string{"a"}, true, []any{1, 2, 3}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	kwargs, ok := out[1].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 2, kwargs["1"])
	require.Equal(t, 3, kwargs["2"])
}

func TestMacroCallArgsTooManyPositionalWithoutKwargs(t *testing.T) {
	_, err := call.MacroCallArgs([]string{"a"}, false, []any{1, 2}, nil)
	require.Error(t, err)
}
