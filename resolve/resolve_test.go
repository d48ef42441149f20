package resolve_test

import (
	"errors"
	"testing"
	"time"

	"github.com/geleto/cascada-sub004/poison"
	"github.com/geleto/cascada-sub004/resolve"
	"github.com/stretchr/testify/require"
)

func TestResolveAllSyncFastPath(t *testing.T) {
	items := []resolve.Awaitable{
		resolve.Sync(poison.Healthy(1)),
		resolve.Sync(poison.Healthy(2)),
	}
	vals, perr, ok := resolve.ResolveAll(items)
	require.True(t, ok)
	require.Nil(t, perr)
	require.Equal(t, []any{1, 2}, vals)
}

func TestResolveAllSyncFastPathPoisoned(t *testing.T) {
	items := []resolve.Awaitable{
		resolve.Sync(poison.Healthy(1)),
		resolve.Sync(poison.Poisoned(errors.New("bad"))),
	}
	vals, perr, ok := resolve.ResolveAll(items)
	require.True(t, ok)
	require.Nil(t, vals)
	require.NotNil(t, perr)
	require.Len(t, perr.Errors, 1)
}

func TestResolveAllFallsBackToAsync(t *testing.T) {
	ch := make(chan poison.Value, 1)
	items := []resolve.Awaitable{
		resolve.Sync(poison.Healthy(1)),
		resolve.Async(ch),
	}
	_, _, ok := resolve.ResolveAll(items)
	require.False(t, ok)
	ch <- poison.Healthy(2)
	out := resolve.ResolveAllAsync(items)
	select {
	case v := <-out:
		require.False(t, v.IsPoisoned())
		raw, _ := v.Unwrap()
		require.Equal(t, []any{1, 2}, raw)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestResolveDuoSync(t *testing.T) {
	a := resolve.Sync(poison.Healthy(3))
	b := resolve.Sync(poison.Healthy(4))
	av, bv, perr, ok := resolve.ResolveDuo(a, b)
	require.True(t, ok)
	require.Nil(t, perr)
	require.Equal(t, 3, av)
	require.Equal(t, 4, bv)
}

func TestResolveObjectPropertiesPreservesKeyOrder(t *testing.T) {
	keys := []string{"a", "b"}
	values := []resolve.Awaitable{resolve.Sync(poison.Healthy(1)), resolve.Sync(poison.Healthy(2))}
	out, perr, ok := resolve.ResolveObjectProperties(keys, values)
	require.True(t, ok)
	require.Nil(t, perr)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, out)
}

func TestSuppressValueAsyncSurfacesPoison(t *testing.T) {
	v := poison.Poisoned(errors.New("x"))
	s := resolve.SuppressValueAsync(v, false, nil)
	require.True(t, s.IsPoisoned())
}

func TestSuppressValueAsyncEscapesStringsWhenAutoescaping(t *testing.T) {
	v := poison.Healthy("<b>")
	escape := func(s string) string { return "escaped(" + s + ")" }
	s := resolve.SuppressValueAsync(v, true, escape)
	require.False(t, s.IsPoisoned())
	raw, _ := s.Unwrap()
	require.Equal(t, "escaped(<b>)", raw)
}

func TestSuppressValueAsyncConcatenatesArrays(t *testing.T) {
	v := poison.Healthy([]any{"a", 1, "b"})
	s := resolve.SuppressValueAsync(v, false, nil)
	require.False(t, s.IsPoisoned())
	raw, _ := s.Unwrap()
	require.Equal(t, "a1b", raw)
}
