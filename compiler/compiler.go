// Package compiler implements the AST-to-executable-unit compilation
// step (spec.md C11): it walks an annotated *ast.Node tree and produces
// a CompiledUnit closure per node, composing frame/asyncstate/poison/
// resolve/lookup/call/seqlock/loopdriver/buffer into one executable
// tree that, given a Runtime and a Frame, produces output or a poison
// error.
//
// The per-node-kind dispatch shape is grounded on breadchris-yaegi's
// kind-switch compile/exec dispatch (interp/interp.go); the handling of
// Extends/Block/Import/Macro specifically follows the reference-only
// pongo2 template's parent-chain/block-override/exported-macro model
// (other_examples pack material, not a teacher) adapted to this
// module's async execution core instead of pongo2's synchronous one.
package compiler

import (
	"fmt"
	"math"
	"strings"

	"github.com/geleto/cascada-sub004/annotate"
	"github.com/geleto/cascada-sub004/ast"
	"github.com/geleto/cascada-sub004/asyncstate"
	"github.com/geleto/cascada-sub004/buffer"
	"github.com/geleto/cascada-sub004/call"
	"github.com/geleto/cascada-sub004/frame"
	"github.com/geleto/cascada-sub004/lookup"
	"github.com/geleto/cascada-sub004/loopdriver"
	"github.com/geleto/cascada-sub004/poison"
	"github.com/geleto/cascada-sub004/resolve"
	"github.com/geleto/cascada-sub004/seqlock"
)

// Runtime is the set of host-registered collaborators a compiled unit
// may call into: filters, globals, tests, extensions and (for script
// mode) command handlers. render.Environment implements this interface;
// compiler never imports render, to keep the dependency direction
// pointing from render down to compiler rather than the reverse.
type Runtime interface {
	Filter(name string) (call.Callable, bool)
	Test(name string) (call.Callable, bool)
	Global(name string) (any, bool)
	Extension(name string) (call.Callable, bool)
	CommandHandler(name string) (CommandHandler, bool)
	Autoescape() bool
	ThrowOnUndefined() bool
	Escape(s string) string
	// LoadTemplate resolves a template name to its root node, for
	// Include/Extends/Import/FromImport. render.Environment backs this
	// with its configured Loader.
	LoadTemplate(name string) (*ast.Node, error)
}

// CommandHandler executes one script-mode Command against its portion
// of the accumulated data object; DefaultDataMethods in the render
// package registers the built-in "data" handler's method set.
type CommandHandler interface {
	Apply(cmd buffer.Command, args []any) error
}

// CompositionOption configures one Compile/Run call; spec.md allows a
// compiled unit's composition to vary (e.g. template vs script mode).
type CompositionOption func(*composeState)

type composeState struct {
	scriptMode bool
}

// WithScriptMode switches buffer/output composition from template
// string-concatenation mode to script command-stream mode.
func WithScriptMode() CompositionOption {
	return func(c *composeState) { c.scriptMode = true }
}

// CompiledUnit is the executable form of one AST node: given a runtime,
// a frame and the shared async-block tracking state, it writes its
// output into buf and reports completion exactly once on the returned
// channel (the "single terminal callback" guarantee named in spec.md
// §4.10 — only one value is ever sent, then the channel is never
// written to again).
type CompiledUnit func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value

// Compile walks n and produces its CompiledUnit, per the node-kind
// rules in spec.md §4.1–§4.10 (annotate must have already run over n).
func Compile(n *ast.Node, opts ...CompositionOption) (CompiledUnit, error) {
	cs := &composeState{}
	for _, o := range opts {
		o(cs)
	}
	return compileNode(n, cs)
}

func sync1(v poison.Value) <-chan poison.Value {
	ch := make(chan poison.Value, 1)
	ch <- v
	return ch
}

func compileNode(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	switch n.Kind {
	case ast.KindRoot, ast.KindNodeList:
		return compileNodeList(n, cs)
	case ast.KindOutput:
		return compileOutput(n, cs)
	case ast.KindTemplateData:
		return compileTemplateData(n), nil
	case ast.KindLiteral:
		return compileLiteral(n), nil
	case ast.KindSymbol:
		return compileSymbol(n), nil
	case ast.KindLookupVal:
		return compileLookupVal(n, cs)
	case ast.KindSet:
		return compileSet(n, cs)
	case ast.KindIf, ast.KindIfAsync:
		return compileIf(n, cs)
	case ast.KindFor:
		return compileFor(n, cs)
	case ast.KindFilter, ast.KindFilterAsync:
		return compileFilter(n, cs)
	case ast.KindFunCall:
		return compileFunCall(n, cs)
	case ast.KindAnd, ast.KindOr, ast.KindNot:
		return compileBoolOp(n, cs)
	case ast.KindAdd, ast.KindSub, ast.KindMul, ast.KindDiv, ast.KindMod, ast.KindFloorDiv, ast.KindPow:
		return compileArith(n, cs)
	case ast.KindNeg, ast.KindPos:
		return compileUnaryArith(n, cs)
	case ast.KindOutputCommand:
		return compileOutputCommand(n, cs)
	case ast.KindGroup:
		return compileGroup(n, cs)
	case ast.KindArray:
		return compileArray(n, cs)
	case ast.KindDict:
		return compileDict(n, cs)
	case ast.KindPair:
		return compilePair(n, cs)
	case ast.KindCompare:
		return compileCompare(n, cs)
	case ast.KindCompareOperand:
		return nil, fmt.Errorf("compiler: CompareOperand must appear as a child of Compare at %d:%d", n.Pos.Line, n.Pos.Col)
	case ast.KindInlineIf:
		return compileInlineIf(n, cs)
	case ast.KindIn:
		return compileIn(n, cs)
	case ast.KindConcat:
		return compileConcat(n, cs)
	case ast.KindTest:
		return compileTest(n, cs)
	case ast.KindSwitch:
		return compileSwitch(n, cs)
	case ast.KindSwitchCase:
		return nil, fmt.Errorf("compiler: SwitchCase must appear as a child of Switch at %d:%d", n.Pos.Line, n.Pos.Col)
	case ast.KindWhile:
		return compileWhile(n, cs)
	case ast.KindDo:
		return compileDo(n, cs)
	case ast.KindCapture:
		return compileCapture(n, cs)
	case ast.KindMacro, ast.KindCaller:
		return compileMacro(n, cs)
	case ast.KindBlock:
		return compileBlock(n, cs)
	case ast.KindSuper:
		return compileSuper(n), nil
	case ast.KindExtends:
		return compileExtends(n, cs)
	case ast.KindInclude:
		return compileInclude(n, cs)
	case ast.KindImport:
		return compileImport(n, cs)
	case ast.KindFromImport:
		return compileFromImport(n, cs)
	case ast.KindOption:
		return compileOption(n), nil
	case ast.KindCallExtension, ast.KindCallExtensionAsync:
		return compileCallExtension(n, cs)
	case ast.KindKeywordArgs:
		return compileKeywordArgs(n, cs)
	default:
		return nil, fmt.Errorf("compiler: unsupported node kind %v at %d:%d", n.Kind, n.Pos.Line, n.Pos.Col)
	}
}

// compileNodeList composes a statement list. Every statement's
// CompiledUnit is dispatched concurrently — matching the engine's "any
// interleaving is allowed for siblings with no `!` marker" contract —
// but a read of a name still observes every textually-preceding write
// to that name: before dispatching statement i, Expect registers i's
// WriteCounts on fr (mirroring the same write-count discipline If and
// Switch use to let a branch's writes be awaited by the statements that
// follow them), so a later sibling's Symbol read suspends via WaitFor
// until those writes have actually landed instead of racing them.
func compileNodeList(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	children := make([]CompiledUnit, len(n.Children))
	writeCounts := make([]map[string]int, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		children[i] = cu
		writeCounts[i] = c.WriteCounts
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			results := make([]poison.Value, len(children))
			childStates := make([]<-chan poison.Value, len(children))
			for i, child := range children {
				for name, count := range writeCounts[i] {
					fr.Expect(name, count)
				}
				slot := buf.Reserve()
				childBuf := buffer.New()
				ch := child(rt, fr, astate, childBuf)
				childStates[i] = wrapFillChild(buf, slot, childBuf, ch)
			}
			for i, ch := range childStates {
				results[i] = <-ch
			}
			if merged := poison.Merge(results...); merged != nil {
				out <- poison.Poisoned(merged)
				return
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

func wrapFillChild(parent *buffer.Buffer, slot int, child *buffer.Buffer, done <-chan poison.Value) <-chan poison.Value {
	out := make(chan poison.Value, 1)
	go func() {
		v := <-done
		parent.FillChild(slot, child)
		out <- v
	}()
	return out
}

// compileOutput handles `{{ expr }}` interpolation (spec.md §4.10
// Output): each child expression reserves its buffer slot up front, in
// source order, then its resolved value is piped through
// resolve.SuppressValueAsync(..., rt.Autoescape(), rt.Escape) before
// being written into that slot with Fill. Sibling expressions dispatch
// concurrently, same as compileNodeList, with Expect/WaitFor ordering
// any that share a name with a preceding write.
func compileOutput(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	children := make([]CompiledUnit, len(n.Children))
	writeCounts := make([]map[string]int, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		children[i] = cu
		writeCounts[i] = c.WriteCounts
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			slots := make([]int, len(children))
			childStates := make([]<-chan poison.Value, len(children))
			for i, child := range children {
				for name, count := range writeCounts[i] {
					fr.Expect(name, count)
				}
				slots[i] = buf.Reserve()
				childBuf := buffer.New()
				childStates[i] = child(rt, fr, astate, childBuf)
			}
			autoescape := rt.Autoescape()
			results := make([]poison.Value, len(children))
			for i, ch := range childStates {
				sv := resolve.SuppressValueAsync(<-ch, autoescape, rt.Escape)
				results[i] = sv
				if sv.IsPoisoned() {
					continue
				}
				text, _ := sv.Unwrap()
				s, _ := text.(string)
				buf.Fill(slots[i], s)
			}
			if merged := poison.Merge(results...); merged != nil {
				out <- poison.Poisoned(merged)
				return
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

func compileTemplateData(n *ast.Node) CompiledUnit {
	text, _ := n.Value.(string)
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		buf.Append(text)
		return sync1(poison.Healthy(nil))
	}
}

func compileLiteral(n *ast.Node) CompiledUnit {
	val := n.Value
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		return sync1(poison.Healthy(val))
	}
}

func compileSymbol(n *ast.Node) CompiledUnit {
	name := n.Symbol()
	lockKey := n.LockKey
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		if lockKey != "" {
			return sync1(lookup.SequencedContextLookup(fr, name, lockKey))
		}
		// A pending write registered by a preceding sibling (see
		// compileNodeList) must land before this read proceeds; WaitFor
		// returns nil immediately when nothing is pending.
		if wait := fr.WaitFor(name); wait != nil {
			out := make(chan poison.Value, 1)
			go func() {
				<-wait
				out <- lookupSymbolValue(rt, fr, name)
			}()
			return out
		}
		return sync1(lookupSymbolValue(rt, fr, name))
	}
}

func lookupSymbolValue(rt Runtime, fr *frame.Frame, name string) poison.Value {
	v, ok := lookup.ContextOrFrameLookup(fr, name)
	if !ok && rt.ThrowOnUndefined() {
		return poison.Poisoned(fmt.Errorf("%q is not defined", name))
	}
	return poison.Healthy(v)
}

func compileLookupVal(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("compiler: LookupVal requires 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	objUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	member, _ := n.Children[1].Value.(string)
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			objBuf := buffer.New()
			ov := <-objUnit(rt, fr, astate, objBuf)
			if ov.IsPoisoned() {
				out <- ov
				return
			}
			obj, _ := ov.Unwrap()
			if n.LockKey != "" {
				wait, release := seqlock.AwaitSequenceLock(fr, n.LockKey)
				wait()
				defer release()
			}
			out <- lookup.MemberLookup(obj, member, rt.ThrowOnUndefined())
		}()
		return out
	}, nil
}

func compileSet(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Set requires 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	name, _ := n.Value.(string)
	valUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	vt := n.VarType
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			valBuf := buffer.New()
			v := <-valUnit(rt, fr, astate, valBuf)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			if vt == ast.VarDeclare {
				fr.Declare(name, raw)
			} else {
				fr.Set(name, raw)
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

func compileIf(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) < 2 {
		return nil, fmt.Errorf("compiler: If requires at least 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	condUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	thenUnit, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	var elseUnit CompiledUnit
	if len(n.Children) > 2 {
		elseUnit, err = compileNode(n.Children[2], cs)
		if err != nil {
			return nil, err
		}
	}
	thenWrites := n.Children[1].WriteCounts
	elseWrites := map[string]int{}
	if len(n.Children) > 2 {
		elseWrites = n.Children[2].WriteCounts
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			condBuf := buffer.New()
			cv := <-condUnit(rt, fr, astate, condBuf)
			if cv.IsPoisoned() {
				fr.SkipBranchWrites(thenWrites)
				fr.SkipBranchWrites(elseWrites)
				out <- cv
				return
			}
			raw, _ := cv.Unwrap()
			truthy, _ := raw.(bool)
			if truthy {
				fr.SkipBranchWrites(elseWrites)
				out <- <-thenUnit(rt, fr, astate, buf)
				return
			}
			fr.SkipBranchWrites(thenWrites)
			if elseUnit != nil {
				out <- <-elseUnit(rt, fr, astate, buf)
				return
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

func compileFor(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("compiler: For requires 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	iterName, _ := n.Value.(string)
	srcUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	bodyUnit, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			srcBuf := buffer.New()
			sv := <-srcUnit(rt, fr, astate, srcBuf)
			if sv.IsPoisoned() {
				out <- sv
				return
			}
			raw, _ := sv.Unwrap()
			var src loopdriver.Source
			count := 0
			switch v := raw.(type) {
			case []any:
				src.Array = v
				count = len(v)
			case map[string]any:
				src.Object = v
				count = len(v)
			}
			slots := make([]int, count)
			for i := range slots {
				slots[i] = buf.Reserve()
			}
			body := func(key string, value any, b loopdriver.Binding) <-chan poison.Value {
				childFr := fr.Push()
				childFr.Declare(iterName, value)
				childFr.Declare("loop", b)
				childBuf := buffer.New()
				ch := bodyUnit(rt, childFr, astate, childBuf)
				return wrapFillChild(buf, slots[b.Index0], childBuf, ch)
			}
			out <- <-loopdriver.Iterate(fr, src, loopdriver.Options{}, body)
		}()
		return out
	}, nil
}

func compileFilter(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) < 1 {
		return nil, fmt.Errorf("compiler: Filter requires at least 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	name, _ := n.Value.(string)
	argUnits := make([]CompiledUnit, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		argUnits[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			c, ok := rt.Filter(name)
			if !ok {
				out <- poison.Poisoned(fmt.Errorf("no such filter %q", name))
				return
			}
			awaitables := make([]resolve.Awaitable, len(argUnits))
			for i, au := range argUnits {
				argBuf := buffer.New()
				awaitables[i] = resolve.Async(au(rt, fr, astate, argBuf))
			}
			args := make([]any, len(awaitables))
			vals := make([]poison.Value, len(awaitables))
			for i, a := range awaitables {
				vals[i] = a.Resolve()
				args[i], _ = vals[i].Unwrap()
			}
			if merged := poison.Merge(vals...); merged != nil {
				out <- poison.Poisoned(merged)
				return
			}
			out <- call.CallWrap(c, args)
		}()
		return out
	}, nil
}

// compileFunCall handles a plain function/macro call: n.Value is the
// callee name, and its children are positional argument expressions
// with an optional trailing KindKeywordArgs and/or KindCaller node. A
// name bound to a macroValue in the frame (declared by a prior Macro
// node) is invoked via invokeMacro's positional/keyword reshuffling;
// otherwise the name is looked up as an extension or global Go
// function and invoked positionally via call.CallWrap.
func compileFunCall(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	var kwargsUnit CompiledUnit
	var callerUnit CompiledUnit
	var argNodes []*ast.Node
	for _, c := range n.Children {
		switch c.Kind {
		case ast.KindKeywordArgs:
			cu, err := compileNode(c, cs)
			if err != nil {
				return nil, err
			}
			kwargsUnit = cu
		case ast.KindCaller:
			cu, err := compileNode(c, cs)
			if err != nil {
				return nil, err
			}
			callerUnit = cu
		default:
			argNodes = append(argNodes, c)
		}
	}
	argUnits := make([]CompiledUnit, len(argNodes))
	for i, c := range argNodes {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		argUnits[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			awaitables := make([]resolve.Awaitable, len(argUnits))
			for i, au := range argUnits {
				argBuf := buffer.New()
				awaitables[i] = resolve.Async(au(rt, fr, astate, argBuf))
			}
			av := <-resolve.ResolveAllAsync(awaitables)
			if av.IsPoisoned() {
				out <- av
				return
			}
			rawArgs, _ := av.Unwrap()
			args, _ := rawArgs.([]any)
			var kwargs map[string]any
			if kwargsUnit != nil {
				kb := buffer.New()
				kv := <-kwargsUnit(rt, fr, astate, kb)
				if kv.IsPoisoned() {
					out <- kv
					return
				}
				raw, _ := kv.Unwrap()
				kwargs, _ = raw.(map[string]any)
			}
			var caller *macroValue
			if callerUnit != nil {
				cb := buffer.New()
				cv := <-callerUnit(rt, fr, astate, cb)
				if cv.IsPoisoned() {
					out <- cv
					return
				}
				raw, _ := cv.Unwrap()
				caller, _ = raw.(*macroValue)
			}
			if mvRaw, ok := fr.Get(name); ok {
				if mv, ok := mvRaw.(*macroValue); ok {
					v, childBuf := invokeMacro(rt, astate, mv, args, kwargs, caller)
					if childBuf != nil && cs.scriptMode {
						slot := buf.Reserve()
						buf.FillChild(slot, childBuf)
					}
					out <- v
					return
				}
			}
			c, ok := rt.Extension(name)
			if !ok {
				if g, gok := rt.Global(name); gok {
					if cc, cok := g.(call.Callable); cok {
						c, ok = cc, true
					}
				}
			}
			if !ok {
				out <- poison.Poisoned(fmt.Errorf("no such function %q", name))
				return
			}
			out <- call.CallWrap(c, args)
		}()
		return out
	}, nil
}

func compileBoolOp(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	units := make([]CompiledUnit, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		units[i] = cu
	}
	kind := n.Kind
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			if kind == ast.KindNot {
				b := buffer.New()
				v := <-units[0](rt, fr, astate, b)
				if v.IsPoisoned() {
					out <- v
					return
				}
				raw, _ := v.Unwrap()
				truthy, _ := raw.(bool)
				out <- poison.Healthy(!truthy)
				return
			}
			var result any
			for _, u := range units {
				b := buffer.New()
				v := <-u(rt, fr, astate, b)
				if v.IsPoisoned() {
					out <- v
					return
				}
				raw, _ := v.Unwrap()
				truthy, _ := raw.(bool)
				result = raw
				if kind == ast.KindAnd && !truthy {
					break
				}
				if kind == ast.KindOr && truthy {
					break
				}
			}
			out <- poison.Healthy(result)
		}()
		return out
	}, nil
}

func compileArith(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("compiler: arithmetic op requires 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	lu, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	ru, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	kind := n.Kind
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			lb, rb := buffer.New(), buffer.New()
			lv := resolve.Async(lu(rt, fr, astate, lb))
			rv := resolve.Async(ru(rt, fr, astate, rb))
			v := <-resolve.ResolveDuoAsync(lv, rv)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			pair := raw.([2]any)
			out <- applyArith(kind, pair[0], pair[1])
		}()
		return out
	}, nil
}

func applyArith(kind ast.Kind, a, b any) poison.Value {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return poison.Poisoned(fmt.Errorf("arithmetic operand is not numeric: %v, %v", a, b))
	}
	switch kind {
	case ast.KindAdd:
		return poison.Healthy(af + bf)
	case ast.KindSub:
		return poison.Healthy(af - bf)
	case ast.KindMul:
		return poison.Healthy(af * bf)
	case ast.KindDiv:
		if bf == 0 {
			return poison.Poisoned(fmt.Errorf("division by zero"))
		}
		return poison.Healthy(af / bf)
	case ast.KindMod:
		if bf == 0 {
			return poison.Poisoned(fmt.Errorf("modulo by zero"))
		}
		return poison.Healthy(float64(int(af) % int(bf)))
	case ast.KindFloorDiv:
		if bf == 0 {
			return poison.Poisoned(fmt.Errorf("division by zero"))
		}
		return poison.Healthy(math.Floor(af / bf))
	case ast.KindPow:
		return poison.Healthy(math.Pow(af, bf))
	default:
		return poison.Poisoned(fmt.Errorf("unsupported arithmetic kind %v", kind))
	}
}

// compileUnaryArith handles KindNeg/KindPos, the unary sign operators.
func compileUnaryArith(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: unary arithmetic op requires 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	u, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	kind := n.Kind
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			b := buffer.New()
			v := <-u(rt, fr, astate, b)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			f, ok := toFloat(raw)
			if !ok {
				out <- poison.Poisoned(fmt.Errorf("unary operand is not numeric: %v", raw))
				return
			}
			if kind == ast.KindNeg {
				out <- poison.Healthy(-f)
				return
			}
			out <- poison.Healthy(f)
		}()
		return out
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}

func compileGroup(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Group requires exactly 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	return compileNode(n.Children[0], cs)
}

func compileArray(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	units := make([]CompiledUnit, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		units[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			items := make([]resolve.Awaitable, len(units))
			for i, u := range units {
				b := buffer.New()
				items[i] = resolve.Async(u(rt, fr, astate, b))
			}
			v := <-resolve.ResolveAllAsync(items)
			out <- v
		}()
		return out
	}, nil
}

// compileDict compiles a KindDict node whose children are KindPair
// nodes, into a map-valued unit. Keys are evaluated synchronously (a
// key expression is not expected to be async) before values, matching
// spec.md's deterministic pre-order evaluation for object literals.
func compileDict(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	keys := make([]CompiledUnit, len(n.Children))
	vals := make([]CompiledUnit, len(n.Children))
	for i, pair := range n.Children {
		if pair.Kind != ast.KindPair || len(pair.Children) != 2 {
			return nil, fmt.Errorf("compiler: Dict children must be 2-child Pair nodes at %d:%d", pair.Pos.Line, pair.Pos.Col)
		}
		ku, err := compileNode(pair.Children[0], cs)
		if err != nil {
			return nil, err
		}
		vu, err := compileNode(pair.Children[1], cs)
		if err != nil {
			return nil, err
		}
		keys[i], vals[i] = ku, vu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			keyNames := make([]string, len(keys))
			keyVals := make([]poison.Value, len(keys))
			for i, ku := range keys {
				kb := buffer.New()
				keyVals[i] = <-ku(rt, fr, astate, kb)
				if !keyVals[i].IsPoisoned() {
					raw, _ := keyVals[i].Unwrap()
					keyNames[i] = fmt.Sprint(raw)
				}
			}
			if merged := poison.Merge(keyVals...); merged != nil {
				out <- poison.Poisoned(merged)
				return
			}
			valAwaitables := make([]resolve.Awaitable, len(vals))
			for i, vu := range vals {
				vb := buffer.New()
				valAwaitables[i] = resolve.Async(vu(rt, fr, astate, vb))
			}
			v := <-resolve.ResolveAllAsync(valAwaitables)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			items, _ := raw.([]any)
			m := make(map[string]any, len(keyNames))
			for i, k := range keyNames {
				m[k] = items[i]
			}
			out <- poison.Healthy(m)
		}()
		return out
	}, nil
}

// compilePair compiles a standalone Pair (outside a Dict, e.g. inside
// KeywordArgs), producing a [2]any{key, value}.
func compilePair(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("compiler: Pair requires exactly 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	ku, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	vu, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			kb, vb := buffer.New(), buffer.New()
			kv := <-ku(rt, fr, astate, kb)
			vv := <-vu(rt, fr, astate, vb)
			if merged := poison.Merge(kv, vv); merged != nil {
				out <- poison.Poisoned(merged)
				return
			}
			k, _ := kv.Unwrap()
			v, _ := vv.Unwrap()
			out <- poison.Healthy([2]any{k, v})
		}()
		return out
	}, nil
}

// compileCompare handles a KindCompare chain: n.Children[0] is the
// leftmost operand, and every subsequent child is a KindCompareOperand
// (Value holds the operator token, its single child the right operand),
// matching Python-style chained comparisons (a < b < c).
func compileCompare(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) < 2 {
		return nil, fmt.Errorf("compiler: Compare requires a left operand and at least 1 CompareOperand at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	leftUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	type operand struct {
		op   string
		unit CompiledUnit
	}
	operands := make([]operand, len(n.Children)-1)
	for i, c := range n.Children[1:] {
		if c.Kind != ast.KindCompareOperand || len(c.Children) != 1 {
			return nil, fmt.Errorf("compiler: Compare operand %d is malformed at %d:%d", i, c.Pos.Line, c.Pos.Col)
		}
		op, _ := c.Value.(string)
		ru, err := compileNode(c.Children[0], cs)
		if err != nil {
			return nil, err
		}
		operands[i] = operand{op: op, unit: ru}
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			lb := buffer.New()
			lv := <-leftUnit(rt, fr, astate, lb)
			if lv.IsPoisoned() {
				out <- lv
				return
			}
			prev, _ := lv.Unwrap()
			result := true
			for _, op := range operands {
				rb := buffer.New()
				rv := <-op.unit(rt, fr, astate, rb)
				if rv.IsPoisoned() {
					out <- rv
					return
				}
				right, _ := rv.Unwrap()
				ok, cmpErr := applyCompareOp(op.op, prev, right)
				if cmpErr != nil {
					out <- poison.Poisoned(cmpErr)
					return
				}
				result = result && ok
				prev = right
			}
			out <- poison.Healthy(result)
		}()
		return out
	}, nil
}

func applyCompareOp(op string, a, b any) (bool, error) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch op {
			case "==":
				return af == bf, nil
			case "!=":
				return af != bf, nil
			case "<":
				return af < bf, nil
			case "<=":
				return af <= bf, nil
			case ">":
				return af > bf, nil
			case ">=":
				return af >= bf, nil
			}
		}
	}
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return false, fmt.Errorf("unsupported comparison %v %s %v", a, op, b)
}

// compileInlineIf compiles `cond ? then : else` (a.k.a. the ternary
// expression form), applying the same branch write-cancellation as
// compileIf since an InlineIf is still a conditional with two mutually
// exclusive branches.
func compileInlineIf(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) < 2 {
		return nil, fmt.Errorf("compiler: InlineIf requires at least 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	condUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	thenUnit, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	var elseUnit CompiledUnit
	if len(n.Children) > 2 {
		elseUnit, err = compileNode(n.Children[2], cs)
		if err != nil {
			return nil, err
		}
	}
	thenWrites := n.Children[1].WriteCounts
	elseWrites := map[string]int{}
	if len(n.Children) > 2 {
		elseWrites = n.Children[2].WriteCounts
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			cb := buffer.New()
			cv := <-condUnit(rt, fr, astate, cb)
			if cv.IsPoisoned() {
				fr.SkipBranchWrites(thenWrites)
				fr.SkipBranchWrites(elseWrites)
				out <- cv
				return
			}
			raw, _ := cv.Unwrap()
			truthy, _ := raw.(bool)
			if truthy {
				fr.SkipBranchWrites(elseWrites)
				tb := buffer.New()
				out <- <-thenUnit(rt, fr, astate, tb)
				return
			}
			fr.SkipBranchWrites(thenWrites)
			if elseUnit != nil {
				eb := buffer.New()
				out <- <-elseUnit(rt, fr, astate, eb)
				return
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

// compileIn handles `needle in haystack` over []any, map[string]any (key
// membership) or string (substring containment).
func compileIn(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("compiler: In requires exactly 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	needleUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	haystackUnit, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			nb, hb := buffer.New(), buffer.New()
			nv := resolve.Async(needleUnit(rt, fr, astate, nb))
			hv := resolve.Async(haystackUnit(rt, fr, astate, hb))
			v := <-resolve.ResolveDuoAsync(nv, hv)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			pair := raw.([2]any)
			out <- poison.Healthy(contains(pair[1], pair[0]))
		}()
		return out
	}, nil
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if v == needle {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, ok = h[key]
		return ok
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	default:
		return false
	}
}

// compileConcat stringifies and joins every child, the Go equivalent of
// the template engine's `~` string-concatenation operator.
func compileConcat(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	units := make([]CompiledUnit, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		units[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			items := make([]resolve.Awaitable, len(units))
			for i, u := range units {
				b := buffer.New()
				items[i] = resolve.Async(u(rt, fr, astate, b))
			}
			v := <-resolve.ResolveAllAsync(items)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			vals, _ := raw.([]any)
			var sb strings.Builder
			for _, val := range vals {
				sb.WriteString(fmt.Sprint(val))
			}
			out <- poison.Healthy(sb.String())
		}()
		return out
	}, nil
}

// compileTest handles the KindTest ("Is") node: like compileFilter but
// dispatches through Runtime.Test and conventionally returns a bool.
func compileTest(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) < 1 {
		return nil, fmt.Errorf("compiler: Test requires at least 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	name, _ := n.Value.(string)
	argUnits := make([]CompiledUnit, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		argUnits[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			c, ok := rt.Test(name)
			if !ok {
				out <- poison.Poisoned(fmt.Errorf("no such test %q", name))
				return
			}
			items := make([]resolve.Awaitable, len(argUnits))
			for i, au := range argUnits {
				b := buffer.New()
				items[i] = resolve.Async(au(rt, fr, astate, b))
			}
			v := <-resolve.ResolveAllAsync(items)
			if v.IsPoisoned() {
				out <- v
				return
			}
			raw, _ := v.Unwrap()
			args, _ := raw.([]any)
			out <- call.CallWrap(c, args)
		}()
		return out
	}, nil
}

// compileSwitch handles Switch/SwitchCase: n.Children[0] is the subject
// expression, every subsequent child is a SwitchCase whose Children are
// (value, body); a nil value child marks the default case, which runs
// when no other case matches, wherever it appears. At most one case's
// body runs; every other case's writes are cancelled via
// SkipBranchWrites, the same discipline as compileIf.
func compileSwitch(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) < 1 {
		return nil, fmt.Errorf("compiler: Switch requires a subject expression at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	subjectUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	type switchCase struct {
		valueUnit CompiledUnit
		isDefault bool
		bodyUnit  CompiledUnit
		writes    map[string]int
	}
	cases := make([]switchCase, len(n.Children)-1)
	for i, c := range n.Children[1:] {
		if c.Kind != ast.KindSwitchCase || len(c.Children) != 2 {
			return nil, fmt.Errorf("compiler: SwitchCase requires exactly 2 children (value, body) at %d:%d", c.Pos.Line, c.Pos.Col)
		}
		sc := switchCase{writes: c.Children[1].WriteCounts}
		if c.Children[0] != nil {
			vu, err := compileNode(c.Children[0], cs)
			if err != nil {
				return nil, err
			}
			sc.valueUnit = vu
		} else {
			sc.isDefault = true
		}
		bu, err := compileNode(c.Children[1], cs)
		if err != nil {
			return nil, err
		}
		sc.bodyUnit = bu
		cases[i] = sc
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			sb := buffer.New()
			sv := <-subjectUnit(rt, fr, astate, sb)
			if sv.IsPoisoned() {
				for _, c := range cases {
					fr.SkipBranchWrites(c.writes)
				}
				out <- sv
				return
			}
			subject, _ := sv.Unwrap()
			matched := -1
			for i, c := range cases {
				if c.isDefault {
					continue
				}
				vb := buffer.New()
				cv := <-c.valueUnit(rt, fr, astate, vb)
				if cv.IsPoisoned() {
					out <- cv
					return
				}
				val, _ := cv.Unwrap()
				if matched == -1 && val == subject {
					matched = i
				}
			}
			if matched == -1 {
				for i, c := range cases {
					if c.isDefault {
						matched = i
						break
					}
				}
			}
			for i, c := range cases {
				if i != matched {
					fr.SkipBranchWrites(c.writes)
				}
			}
			if matched == -1 {
				out <- poison.Healthy(nil)
				return
			}
			out <- <-cases[matched].bodyUnit(rt, fr, astate, buf)
		}()
		return out
	}, nil
}

// compileWhile implements the genuinely-sequential while loop: the
// condition is re-evaluated before every iteration, each iteration's
// body runs in its own child frame, and output is appended in source
// (iteration) order.
func compileWhile(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("compiler: While requires 2 children at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	condUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	bodyUnit, err := compileNode(n.Children[1], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			for {
				cb := buffer.New()
				cv := <-condUnit(rt, fr, astate, cb)
				if cv.IsPoisoned() {
					out <- cv
					return
				}
				raw, _ := cv.Unwrap()
				truthy, _ := raw.(bool)
				if !truthy {
					out <- poison.Healthy(nil)
					return
				}
				childFr := fr.Push()
				slot := buf.Reserve()
				childBuf := buffer.New()
				bv := <-bodyUnit(rt, childFr, astate, childBuf)
				buf.FillChild(slot, childBuf)
				if bv.IsPoisoned() {
					out <- bv
					return
				}
			}
		}()
		return out
	}, nil
}

// compileDo evaluates its expression purely for side effects (e.g. a
// macro call invoked for its effect on the data object) and discards
// the result, propagating only poison.
func compileDo(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Do requires exactly 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	exprUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			eb := buffer.New()
			v := <-exprUnit(rt, fr, astate, eb)
			if v.IsPoisoned() {
				out <- v
				return
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

// compileCapture runs its body into an isolated buffer, flattens it to
// a SafeString (so a later autoescape pass does not double-escape
// captured markup), and declares it under n.Value in the current frame.
func compileCapture(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Capture requires exactly 1 child at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	bodyUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			captureBuf := buffer.New()
			v := <-bodyUnit(rt, fr, astate, captureBuf)
			if v.IsPoisoned() {
				out <- v
				return
			}
			fr.Declare(name, buffer.SafeString(captureBuf.Flatten()))
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

// macroValue is the runtime representation of a compiled Macro/Caller
// declaration: a callable bundle of (positional arg names, kwargs
// presence, body unit, closure frame) per spec.md's makeMacro.
type macroValue struct {
	sig     ast.MacroSignature
	body    CompiledUnit
	closure *frame.Frame
}

// compileMacro handles both KindMacro and KindCaller (a caller block is
// compiled the same way, as an anonymous macro bound under the name
// "caller" by its FunCall site): n.Value is an ast.MacroSignature and
// its single child is the macro body. Executing the declaration node
// itself only registers the macro in the current frame; it does not run
// the body.
func compileMacro(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	sig, _ := n.Value.(ast.MacroSignature)
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Macro/Caller requires exactly 1 child (body) at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	bodyUnit, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		mv := &macroValue{sig: sig, body: bodyUnit, closure: fr}
		if sig.Name != "" {
			fr.Declare(sig.Name, mv)
		}
		return sync1(poison.Healthy(mv))
	}, nil
}

// invokeMacro binds positional+keyword arguments to mv's declared
// parameters (reshuffling per call.MacroCallArgs), runs its body in a
// fresh child frame of its closure, and returns the rendered output as
// a buffer.SafeString together with the body's buffer (in script mode
// the caller splices that buffer, and so its commands, into its own).
func invokeMacro(rt Runtime, astate *asyncstate.State, mv *macroValue, positional []any, keyword map[string]any, caller *macroValue) (poison.Value, *buffer.Buffer) {
	args, err := call.MacroCallArgs(mv.sig.ParamNames, mv.sig.HasKwargsParam, positional, keyword)
	if err != nil {
		return poison.Poisoned(err), nil
	}
	callFr := mv.closure.Push()
	for i, name := range mv.sig.ParamNames {
		if i < len(args) {
			callFr.Declare(name, args[i])
		}
	}
	if caller != nil {
		callFr.Declare("caller", caller)
	}
	bodyBuf := buffer.New()
	v := <-mv.body(rt, callFr, astate, bodyBuf)
	if v.IsPoisoned() {
		return v, bodyBuf
	}
	return poison.Healthy(buffer.SafeString(bodyBuf.Flatten())), bodyBuf
}

func compileBlock(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Block requires exactly 1 child (body) at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	ownBody, err := compileNode(n.Children[0], cs)
	if err != nil {
		return nil, err
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		if ov, ok := fr.Get(overrideKey(name)); ok {
			if override, ok := ov.(CompiledUnit); ok {
				fr.Declare(superKey(name), ownBody)
				return override(rt, fr, astate, buf)
			}
		}
		return ownBody(rt, fr, astate, buf)
	}, nil
}

func compileSuper(n *ast.Node) CompiledUnit {
	name, _ := n.Value.(string)
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		v, ok := fr.Get(superKey(name))
		if !ok {
			return sync1(poison.Poisoned(fmt.Errorf("super: no parent block %q", name)))
		}
		cu, ok := v.(CompiledUnit)
		if !ok {
			return sync1(poison.Poisoned(fmt.Errorf("super: invalid parent block reference for %q", name)))
		}
		return cu(rt, fr, astate, buf)
	}
}

func overrideKey(name string) string { return "__block_override__:" + name }
func superKey(name string) string    { return "__block_super__:" + name }

// loadAndCompileTemplate resolves, annotates and compiles a named
// template, used by Include/Extends/Import/FromImport. Composition
// options (e.g. script mode) are inherited from the including unit.
func loadAndCompileTemplate(rt Runtime, cs *composeState, name string) (CompiledUnit, error) {
	root, err := rt.LoadTemplate(name)
	if err != nil {
		return nil, err
	}
	if err := annotate.Annotate(root); err != nil {
		return nil, err
	}
	return compileNode(root, cs)
}

// compileExtends models single-level template inheritance: every Block
// defined directly or nested in n's children is registered as an
// override before the named parent template runs; everything else in
// the extending template's own body is not separately executed, since
// in an extending template only the block bodies contribute (matching
// Jinja-style `{% extends %}` semantics).
func compileExtends(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	parentName, _ := n.Value.(string)
	var blockNodes []*ast.Node
	for _, c := range n.Children {
		ast.Walk(c, func(nn *ast.Node) {
			if nn.Kind == ast.KindBlock {
				blockNodes = append(blockNodes, nn)
			}
		})
	}
	overrides := make(map[string]CompiledUnit, len(blockNodes))
	for _, b := range blockNodes {
		name, _ := b.Value.(string)
		if len(b.Children) != 1 {
			return nil, fmt.Errorf("compiler: Block requires exactly 1 child (body) at %d:%d", b.Pos.Line, b.Pos.Col)
		}
		cu, err := compileNode(b.Children[0], cs)
		if err != nil {
			return nil, err
		}
		overrides[name] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			parentUnit, err := loadAndCompileTemplate(rt, cs, parentName)
			if err != nil {
				out <- poison.Poisoned(err)
				return
			}
			childFr := fr.Push()
			for name, cu := range overrides {
				childFr.Declare(overrideKey(name), cu)
			}
			out <- <-parentUnit(rt, childFr, astate, buf)
		}()
		return out
	}, nil
}

// compileInclude resolves n.Value as a template name, renders it with a
// forked child frame sharing the current context, and appends its
// output as a nested buffer.
func compileInclude(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			unit, err := loadAndCompileTemplate(rt, cs, name)
			if err != nil {
				out <- poison.Poisoned(err)
				return
			}
			childFr := fr.Push()
			slot := buf.Reserve()
			childBuf := buffer.New()
			v := <-unit(rt, childFr, astate, childBuf)
			buf.FillChild(slot, childBuf)
			out <- v
		}()
		return out
	}, nil
}

// compileImport resolves n.Value as a template name, runs it in an
// isolated frame, collects every variable its top-level frame declared
// (macros included) into a namespace map, and binds that map under the alias named by n.Children[0] (a
// KindSymbol).
func compileImport(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	if len(n.Children) != 1 {
		return nil, fmt.Errorf("compiler: Import requires exactly 1 child (alias) at %d:%d", n.Pos.Line, n.Pos.Col)
	}
	alias := n.Children[0].Symbol()
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			unit, err := loadAndCompileTemplate(rt, cs, name)
			if err != nil {
				out <- poison.Poisoned(err)
				return
			}
			importFr := frame.NewRoot(nil)
			discardBuf := buffer.New()
			v := <-unit(rt, importFr, astate, discardBuf)
			if v.IsPoisoned() {
				out <- v
				return
			}
			fr.Declare(alias, importFr.Exports())
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

// compileFromImport is compileImport's destructuring form: rather than
// binding one namespace alias, it pulls the named symbols directly into
// the current frame.
func compileFromImport(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	names := make([]string, len(n.Children))
	for i, c := range n.Children {
		names[i] = c.Symbol()
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			unit, err := loadAndCompileTemplate(rt, cs, name)
			if err != nil {
				out <- poison.Poisoned(err)
				return
			}
			importFr := frame.NewRoot(nil)
			discardBuf := buffer.New()
			v := <-unit(rt, importFr, astate, discardBuf)
			if v.IsPoisoned() {
				out <- v
				return
			}
			exports := importFr.Exports()
			for _, want := range names {
				if val, ok := exports[want]; ok {
					fr.Declare(want, val)
				}
			}
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}

// compileOption is a directive node (e.g. a per-template autoescape
// toggle): spec.md treats these as loader/environment-level knobs this
// module's Loader-free string entry points do not interpret, so it is a
// structural no-op, matching spec.md §6's explicit out-of-scope note on
// loader-level configuration.
func compileOption(n *ast.Node) CompiledUnit {
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		return sync1(poison.Healthy(nil))
	}
}

// compileCallExtension handles CallExtension/CallExtensionAsync: n.Value
// is the extension name; its children are positional argument
// expressions, optionally with a trailing KindKeywordArgs node, and
// optionally a KindCaller block providing the extension a "caller"
// macro to invoke back into the calling template.
func compileCallExtension(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	name, _ := n.Value.(string)
	var kwargsUnit CompiledUnit
	var callerUnit CompiledUnit
	var argNodes []*ast.Node
	for _, c := range n.Children {
		switch c.Kind {
		case ast.KindKeywordArgs:
			cu, err := compileNode(c, cs)
			if err != nil {
				return nil, err
			}
			kwargsUnit = cu
		case ast.KindCaller:
			cu, err := compileNode(c, cs)
			if err != nil {
				return nil, err
			}
			callerUnit = cu
		default:
			argNodes = append(argNodes, c)
		}
	}
	argUnits := make([]CompiledUnit, len(argNodes))
	for i, c := range argNodes {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		argUnits[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			c, ok := rt.Extension(name)
			if !ok {
				out <- poison.Poisoned(fmt.Errorf("no such extension %q", name))
				return
			}
			items := make([]resolve.Awaitable, len(argUnits))
			for i, au := range argUnits {
				b := buffer.New()
				items[i] = resolve.Async(au(rt, fr, astate, b))
			}
			av := <-resolve.ResolveAllAsync(items)
			if av.IsPoisoned() {
				out <- av
				return
			}
			rawArgs, _ := av.Unwrap()
			args, _ := rawArgs.([]any)
			if kwargsUnit != nil {
				kb := buffer.New()
				kv := <-kwargsUnit(rt, fr, astate, kb)
				if kv.IsPoisoned() {
					out <- kv
					return
				}
				kwargs, _ := kv.Unwrap()
				args = append(args, kwargs)
			}
			if callerUnit != nil {
				cb := buffer.New()
				cv := <-callerUnit(rt, fr, astate, cb)
				if cv.IsPoisoned() {
					out <- cv
					return
				}
				mv, _ := cv.Unwrap()
				args = append(args, mv)
			}
			out <- call.CallWrap(c, args)
		}()
		return out
	}, nil
}

// compileKeywordArgs resolves a KindKeywordArgs node (children are
// KindPair nodes of name/value expressions) into a map[string]any.
func compileKeywordArgs(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	pairUnits := make([]CompiledUnit, len(n.Children))
	for i, c := range n.Children {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		pairUnits[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			m := make(map[string]any, len(pairUnits))
			for _, pu := range pairUnits {
				pb := buffer.New()
				pv := <-pu(rt, fr, astate, pb)
				if pv.IsPoisoned() {
					out <- pv
					return
				}
				raw, _ := pv.Unwrap()
				pair, ok := raw.([2]any)
				if !ok {
					continue
				}
				key, _ := pair[0].(string)
				m[key] = pair[1]
			}
			out <- poison.Healthy(m)
		}()
		return out
	}, nil
}

func compileOutputCommand(n *ast.Node, cs *composeState) (CompiledUnit, error) {
	handler, _ := n.Value.(string)
	name, _ := n.Children[0].Value.(string)
	subPath, _ := n.Children[1].Value.(string)
	argUnits := make([]CompiledUnit, len(n.Children)-2)
	for i, c := range n.Children[2:] {
		cu, err := compileNode(c, cs)
		if err != nil {
			return nil, err
		}
		argUnits[i] = cu
	}
	return func(rt Runtime, fr *frame.Frame, astate *asyncstate.State, buf *buffer.Buffer) <-chan poison.Value {
		out := make(chan poison.Value, 1)
		go func() {
			vals := make([]poison.Value, len(argUnits))
			args := make([]any, len(argUnits))
			for i, au := range argUnits {
				ab := buffer.New()
				vals[i] = <-au(rt, fr, astate, ab)
				args[i], _ = vals[i].Unwrap()
			}
			if merged := poison.Merge(vals...); merged != nil {
				out <- poison.Poisoned(merged)
				return
			}
			buf.AppendCommand(buffer.Command{
				Handler: handler, Name: name, SubPath: subPath, Args: args,
				Line: n.Pos.Line, Col: n.Pos.Col,
			})
			out <- poison.Healthy(nil)
		}()
		return out
	}, nil
}
