package lookup_test

import (
	"testing"
	"time"

	"github.com/geleto/cascada-sub004/frame"
	"github.com/geleto/cascada-sub004/lookup"
	"github.com/geleto/cascada-sub004/poison"
	"github.com/stretchr/testify/require"
)

func TestContextOrFrameLookup(t *testing.T) {
	fr := frame.NewRoot(map[string]any{"name": "ada"})
	v, ok := lookup.ContextOrFrameLookup(fr, "name")
	require.True(t, ok)
	require.Equal(t, "ada", v)
}

func TestStrictContextLookupUndefined(t *testing.T) {
	fr := frame.NewRoot(nil)
	v := lookup.StrictContextLookup(fr, "missing")
	require.True(t, v.IsPoisoned())
}

type person struct {
	Name string
}

func TestMemberLookupStruct(t *testing.T) {
	v := lookup.MemberLookup(person{Name: "grace"}, "Name", false)
	require.False(t, v.IsPoisoned())
	raw, _ := v.Unwrap()
	require.Equal(t, "grace", raw)
}

func TestMemberLookupMapPermissive(t *testing.T) {
	v := lookup.MemberLookup(map[string]any{"a": 1}, "missing", false)
	require.False(t, v.IsPoisoned())
	raw, _ := v.Unwrap()
	require.Nil(t, raw)
}

func TestMemberLookupMapStrict(t *testing.T) {
	v := lookup.MemberLookup(map[string]any{"a": 1}, "missing", true)
	require.True(t, v.IsPoisoned())
}

func TestMemberLookupAsync(t *testing.T) {
	ch := make(chan poison.Value, 1)
	ch <- poison.Healthy(map[string]any{"x": 42})
	out := lookup.MemberLookupAsync(ch, "x", false)
	select {
	case v := <-out:
		raw, _ := v.Unwrap()
		require.Equal(t, 42, raw)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestSequencedContextLookupWithoutContention(t *testing.T) {
	fr := frame.NewRoot(map[string]any{"x": 0})
	v := lookup.SequencedContextLookup(fr, "x", "x")
	require.False(t, v.IsPoisoned())
}
