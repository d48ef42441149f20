package render_test

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/geleto/cascada-sub004/ast"
	"github.com/geleto/cascada-sub004/call"
	"github.com/geleto/cascada-sub004/poison"
	"github.com/geleto/cascada-sub004/render"
	"github.com/stretchr/testify/require"
)

func upper(s string) (string, error) {
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

// Seed scenario S: a template mixing literal text, a variable lookup,
// and a registered filter call, all composed under one root.
func TestRenderTemplateStringMixedContent(t *testing.T) {
	env := render.Configure(render.WithAutoescape(false))
	env.AddFilter("upper", upper)

	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		{Kind: ast.KindTemplateData, Value: "Hello, "},
		{Kind: ast.KindOutput, Children: []*ast.Node{
			{Kind: ast.KindFilter, Value: "upper", Children: []*ast.Node{
				{Kind: ast.KindSymbol, Value: "name"},
			}},
		}},
		{Kind: ast.KindTemplateData, Value: "!"},
	}}

	out, err := env.RenderTemplateString(root, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.Equal(t, "Hello, ADA!", out)
}

func TestRenderTemplateStringUndefinedVariableIsPermissiveByDefault(t *testing.T) {
	env := render.Configure()
	root := &ast.Node{Kind: ast.KindOutput, Children: []*ast.Node{
		{Kind: ast.KindSymbol, Value: "missing"},
	}}
	out, err := env.RenderTemplateString(root, nil)
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestRenderTemplateStringThrowOnUndefinedPoisons(t *testing.T) {
	env := render.Configure(render.WithThrowOnUndefined(true))
	root := &ast.Node{Kind: ast.KindOutput, Children: []*ast.Node{
		{Kind: ast.KindSymbol, Value: "missing"},
	}}
	_, err := env.RenderTemplateString(root, nil)
	require.Error(t, err)
}

func TestRenderScriptStringAssemblesDataObject(t *testing.T) {
	env := render.Configure()
	env.AddDataMethods(render.DefaultDataMethods())

	root := &ast.Node{Kind: ast.KindOutputCommand, Value: "data", Children: []*ast.Node{
		{Value: "set"},
		{Value: "count"},
		{Kind: ast.KindLiteral, Value: 1.0},
	}}

	out, err := env.RenderScriptString(root, nil)
	require.NoError(t, err)
	data, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1.0, data["count"])
}

func TestRenderTemplateStringForLoopOverFilterResult(t *testing.T) {
	env := render.Configure()
	env.AddFilter("identity", func(v any) (any, error) { return v, nil })

	forNode := &ast.Node{Kind: ast.KindFor, Value: "n", Children: []*ast.Node{
		{Kind: ast.KindFilter, Value: "identity", Children: []*ast.Node{
			{Kind: ast.KindLiteral, Value: []any{"x", "y"}},
		}},
		{Kind: ast.KindOutput, Children: []*ast.Node{{Kind: ast.KindSymbol, Value: "n"}}},
	}}
	out, err := env.RenderTemplateString(forNode, nil)
	require.NoError(t, err)
	require.Equal(t, "xy", out)
}

// Seed scenario S1 (spec.md §8): "{{ slow('A') }}-{{ slow('B') }}" — both
// calls must start before either resolves, and the output must still
// follow source order regardless of which finishes first.
func TestRenderSeedS1ParallelCallsStartBeforeEitherResolves(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	slow := func(tag string) (string, error) {
		wg.Done()
		wg.Wait()
		return tag, nil
	}

	env := render.Configure()
	env.AddExtension("slow", call.Callable{Fn: reflect.ValueOf(slow)})

	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		{Kind: ast.KindOutput, Children: []*ast.Node{
			{Kind: ast.KindFunCall, Value: "slow", Children: []*ast.Node{
				{Kind: ast.KindLiteral, Value: "A"},
			}},
		}},
		{Kind: ast.KindTemplateData, Value: "-"},
		{Kind: ast.KindOutput, Children: []*ast.Node{
			{Kind: ast.KindFunCall, Value: "slow", Children: []*ast.Node{
				{Kind: ast.KindLiteral, Value: "B"},
			}},
		}},
	}}

	result := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		out, err := env.RenderTemplateString(root, nil)
		if err != nil {
			errc <- err
			return
		}
		result <- out
	}()

	select {
	case out := <-result:
		require.Equal(t, "A-B", out)
	case err := <-errc:
		t.Fatalf("render failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("deadlocked: slow('A') and slow('B') never both started — siblings are not dispatched concurrently")
	}
}

// Seed scenario S3 (spec.md §8): a conditional assigns its branch
// variable only inside the taken arm; the untaken arm's expected write
// must be cancelled so the read after the If doesn't deadlock, and the
// value observed must be the taken branch's.
func TestRenderSeedS3UntakenBranchWriteIsCancelled(t *testing.T) {
	env := render.Configure()
	env.AddExtension("a", call.Callable{Fn: reflect.ValueOf(func() (string, error) { return "A-value", nil })})
	env.AddExtension("b", call.Callable{Fn: reflect.ValueOf(func() (string, error) { return "B-value", nil })})

	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		{Kind: ast.KindSet, Value: "x", VarType: ast.VarDeclare, Children: []*ast.Node{
			{Kind: ast.KindLiteral, Value: nil},
		}},
		{Kind: ast.KindIf, Children: []*ast.Node{
			{Kind: ast.KindSymbol, Value: "cond"},
			{Kind: ast.KindNodeList, Children: []*ast.Node{
				{Kind: ast.KindSet, Value: "x", VarType: ast.VarAssign, Children: []*ast.Node{
					{Kind: ast.KindFunCall, Value: "a"},
				}},
			}},
			{Kind: ast.KindNodeList, Children: []*ast.Node{
				{Kind: ast.KindSet, Value: "x", VarType: ast.VarAssign, Children: []*ast.Node{
					{Kind: ast.KindFunCall, Value: "b"},
				}},
			}},
		}},
		{Kind: ast.KindOutput, Children: []*ast.Node{{Kind: ast.KindSymbol, Value: "x"}}},
	}}

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		out, err = env.RenderTemplateString(root, map[string]any{"cond": true})
		close(done)
	}()
	select {
	case <-done:
		require.NoError(t, err)
		require.Equal(t, "A-value", out)
	case <-time.After(2 * time.Second):
		t.Fatal("deadlocked: the untaken else-branch write to x was never cancelled")
	}
}

// Seed scenario S4 (spec.md §8): two independent failures in the same
// output must both surface, aggregated in source order, rather than the
// first error hiding the second.
func TestRenderSeedS4PoisonAggregatesBothFailures(t *testing.T) {
	env := render.Configure()
	env.AddExtension("fail1", call.Callable{Fn: reflect.ValueOf(func() (string, error) {
		return "", errors.New("fail1 boom")
	})})
	env.AddExtension("fail2", call.Callable{Fn: reflect.ValueOf(func() (string, error) {
		return "", errors.New("fail2 boom")
	})})

	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		{Kind: ast.KindOutput, Children: []*ast.Node{
			{Kind: ast.KindFunCall, Value: "fail1"},
		}},
		{Kind: ast.KindTemplateData, Value: " "},
		{Kind: ast.KindOutput, Children: []*ast.Node{
			{Kind: ast.KindFunCall, Value: "fail2"},
		}},
	}}

	_, err := env.RenderTemplateString(root, nil)
	require.Error(t, err)
	var perr *poison.PoisonError
	require.True(t, errors.As(err, &perr))
	require.GreaterOrEqual(t, len(perr.Errors), 2)
	require.Contains(t, perr.Errors[0].Error(), "fail1")
	require.Contains(t, perr.Errors[1].Error(), "fail2")
}

// Seed scenario S6 (spec.md §8): a script assembles a data object via a
// push/push/merge command sequence.
func TestRenderSeedS6ScriptPushAndMergeCommands(t *testing.T) {
	env := render.Configure()
	env.AddDataMethods(render.DefaultDataMethods())

	cmd := func(name, subPath string, arg any) *ast.Node {
		return &ast.Node{Kind: ast.KindOutputCommand, Value: "data", Children: []*ast.Node{
			{Value: name},
			{Value: subPath},
			{Kind: ast.KindLiteral, Value: arg},
		}}
	}
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		cmd("set", "list", []any{}),
		cmd("push", "list", 1.0),
		cmd("push", "list", 2.0),
		cmd("set", "obj", map[string]any{}),
		cmd("merge", "obj", map[string]any{"a": 1.0}),
	}}

	out, err := env.RenderScriptString(root, nil)
	require.NoError(t, err)
	data, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, []any{1.0, 2.0}, data["list"])
	require.Equal(t, map[string]any{"a": 1.0}, data["obj"])
}
