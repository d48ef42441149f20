package buffer_test

import (
	"strings"
	"testing"

	"github.com/geleto/cascada-sub004/buffer"
	"github.com/stretchr/testify/require"
)

func TestAppendAndFlattenOrder(t *testing.T) {
	b := buffer.New()
	b.Append("a")
	b.Append("b")
	require.Equal(t, "ab", b.Flatten())
}

func TestReserveThenFillOutOfOrderStillFlattensInSourceOrder(t *testing.T) {
	b := buffer.New()
	i0 := b.Reserve()
	i1 := b.Reserve()
	b.Fill(i1, "second")
	b.Fill(i0, "first")
	require.Equal(t, "firstsecond", b.Flatten())
}

func TestNestedChildBufferFlattens(t *testing.T) {
	b := buffer.New()
	i := b.Reserve()
	child := buffer.New()
	child.Append("nested")
	b.FillChild(i, child)
	require.Equal(t, "nested", b.Flatten())
}

func TestFlattenIsIdempotent(t *testing.T) {
	b := buffer.New()
	b.Append("x")
	require.Equal(t, b.Flatten(), b.Flatten())
}

func TestCommandsPreserveSourceOrderAcrossChildren(t *testing.T) {
	b := buffer.New()
	b.AppendCommand(buffer.Command{Handler: "data", Name: "push", SubPath: "items"})
	i := b.Reserve()
	child := buffer.New()
	child.AppendCommand(buffer.Command{Handler: "data", Name: "set", SubPath: "items.0.name"})
	b.FillChild(i, child)
	b.AppendCommand(buffer.Command{Handler: "data", Name: "push", SubPath: "items"})

	cmds := b.Commands()
	require.Len(t, cmds, 3)
	require.Equal(t, "push", cmds[0].Name)
	require.Equal(t, "set", cmds[1].Name)
	require.Equal(t, "push", cmds[2].Name)
}

func TestFocusFiltersBySubPathPrefix(t *testing.T) {
	cmds := []buffer.Command{
		{SubPath: "items"},
		{SubPath: "items.0.name"},
		{SubPath: "other"},
	}
	out := buffer.Focus(cmds, "items")
	require.Len(t, out, 2)
}

func TestEscapeNoOpOnSafeString(t *testing.T) {
	escaped := strings.ToUpper
	v := buffer.Escape(buffer.SafeString("already"), escaped)
	require.Equal(t, buffer.SafeString("already"), v)
}

func TestEscapeAppliesToPlainString(t *testing.T) {
	v := buffer.Escape("hi", strings.ToUpper)
	require.Equal(t, buffer.SafeString("HI"), v)
}

func TestEscapeIdempotentOnceWrapped(t *testing.T) {
	escapeFn := strings.ToUpper
	once := buffer.Escape("hi", escapeFn)
	twice := buffer.Escape(once, escapeFn)
	require.Equal(t, once, twice)
}
