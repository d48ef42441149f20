// Package annotate implements the async/variable annotation pass
// (spec.md C1): a two-pass walk over an *ast.Node tree that determines,
// for every node, whether it is async (directly or because a
// descendant is), which variables it reads and writes, whether it
// needs a sequence-lock key, and whether it must be wrapped in its own
// async block.
//
// Grounded on breadchris-yaegi's two-pass analysis shape
// (interp/interp.go: a global-type-analysis pass followed by a cfg
// walk) — generalized here from type propagation to async/variable-use
// propagation, both implemented as bottom-up walks over node.Children.
package annotate

import (
	"errors"
	"fmt"

	"github.com/geleto/cascada-sub004/ast"
)

// Sentinel errors for the three variable-declaration conflict kinds
// named in spec.md's Open Questions, each with one canonical phrasing.
var (
	ErrExternConflict   = errors.New("extern declaration conflicts with an existing local variable of the same name")
	ErrVarRedeclared    = errors.New("var redeclares a name already declared with var in this scope")
	ErrAssignUndeclared = errors.New("assignment to a name that was never declared with var or extern in this scope")
)

// CompileError is the synchronous error family returned by annotate (the
// compiler reports its own errors as plain fmt.Errorf values) — it never panics, matching spec.md §7's compile-error kind.
type CompileError struct {
	Err       error
	Line, Col int
	Detail    string
}

func (e *CompileError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d:%d: %v: %s", e.Line, e.Col, e.Err, e.Detail)
	}
	return fmt.Sprintf("%d:%d: %v", e.Line, e.Col, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// scope tracks declared names (via var/extern) within one static block,
// used only during annotation to catch redeclaration conflicts; it does
// not model runtime frames (see package frame for that).
type scope struct {
	parent   *scope
	declared map[string]ast.VarType
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, declared: make(map[string]ast.VarType)}
}

func (s *scope) lookup(name string) (ast.VarType, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if vt, ok := cur.declared[name]; ok {
			return vt, true
		}
	}
	return 0, false
}

// Annotate walks root in two passes: the first (bottom-up) computes
// ReadVars/WriteCounts, copies LockName into LockKey and validates Set
// declarations against scope; the second propagates IsAsync upward (a
// node is async if it is an async-marked leaf, such as
// FilterAsync/CallExtensionAsync, or has any async child) and then marks
// WrapInAsyncBlock on every async node whose own kind runs its children
// as concurrent siblings (see forksSiblings).
func Annotate(root *ast.Node) error {
	if root == nil {
		return nil
	}
	if err := annotateScopes(root, newScope(nil)); err != nil {
		return err
	}
	annotateAsync(root)
	markAsyncBlocks(root, false)
	return nil
}

func annotateScopes(n *ast.Node, sc *scope) error {
	if n.LockName != "" {
		n.LockKey = n.LockName
	}
	switch n.Kind {
	case ast.KindSet:
		name, _ := n.Value.(string)
		existing, declaredHere := sc.declared[name]
		_, declaredOuter := sc.lookup(name)
		switch n.VarType {
		case ast.VarExtern:
			if declaredHere {
				return &CompileError{Err: ErrExternConflict, Line: n.Pos.Line, Col: n.Pos.Col, Detail: name}
			}
			sc.declared[name] = ast.VarExtern
		case ast.VarDeclare:
			if declaredHere && existing == ast.VarDeclare {
				return &CompileError{Err: ErrVarRedeclared, Line: n.Pos.Line, Col: n.Pos.Col, Detail: name}
			}
			sc.declared[name] = ast.VarDeclare
		case ast.VarAssign:
			if !declaredHere && !declaredOuter {
				return &CompileError{Err: ErrAssignUndeclared, Line: n.Pos.Line, Col: n.Pos.Col, Detail: name}
			}
		}
		if n.WriteCounts == nil {
			n.WriteCounts = map[string]int{}
		}
		n.WriteCounts[name] = 1
	case ast.KindCapture:
		if name, _ := n.Value.(string); name != "" {
			if n.WriteCounts == nil {
				n.WriteCounts = map[string]int{}
			}
			n.WriteCounts[name] = 1
		}
	case ast.KindSymbol:
		if name := n.Symbol(); name != "" {
			if n.ReadVars == nil {
				n.ReadVars = map[string]struct{}{}
			}
			n.ReadVars[name] = struct{}{}
		}
	}

	child := sc
	if opensScope(n.Kind) {
		child = newScope(sc)
	}
	for _, c := range n.Children {
		if err := annotateScopes(c, child); err != nil {
			return err
		}
		mergeReadWrite(n, c)
	}
	return nil
}

func opensScope(k ast.Kind) bool {
	switch k {
	case ast.KindFor, ast.KindWhile, ast.KindMacro, ast.KindBlock, ast.KindCapture:
		return true
	default:
		return false
	}
}

func mergeReadWrite(parent, child *ast.Node) {
	for name := range child.ReadVars {
		if parent.ReadVars == nil {
			parent.ReadVars = map[string]struct{}{}
		}
		parent.ReadVars[name] = struct{}{}
	}
	for name, n := range child.WriteCounts {
		if parent.WriteCounts == nil {
			parent.WriteCounts = map[string]int{}
		}
		parent.WriteCounts[name] += n
	}
}

// isAsyncLeaf reports whether a node kind is unconditionally async by
// itself (its result is only ever available via a callback/channel),
// independent of its children.
func isAsyncLeaf(k ast.Kind) bool {
	switch k {
	case ast.KindFilterAsync, ast.KindCallExtensionAsync:
		return true
	default:
		return false
	}
}

func annotateAsync(n *ast.Node) {
	for _, c := range n.Children {
		annotateAsync(c)
	}
	async := isAsyncLeaf(n.Kind)
	for _, c := range n.Children {
		if c.IsAsync {
			async = true
		}
	}
	n.IsAsync = async
}

// markAsyncBlocks decides, for each async node, whether it needs its
// own async block wrapper: a node is wrapped when it is async, its own
// kind dispatches its children as concurrent siblings (forksSiblings),
// and inheritedBlock is false. Children of a forking node receive
// inheritedBlock=false; children of any other node receive the value
// their parent received, or true if the parent was wrapped.
func markAsyncBlocks(n *ast.Node, inheritedBlock bool) {
	wrap := n.IsAsync && forksSiblings(n.Kind) && !inheritedBlock
	n.WrapInAsyncBlock = wrap
	childInherited := inheritedBlock || wrap
	for _, c := range n.Children {
		markAsyncBlocks(c, childInherited && !forksSiblings(n.Kind))
	}
}

// forksSiblings reports whether a node kind's children run as
// concurrent siblings needing independent async-block tracking.
func forksSiblings(k ast.Kind) bool {
	switch k {
	case ast.KindIf, ast.KindIfAsync, ast.KindFor, ast.KindSwitch, ast.KindNodeList, ast.KindArray, ast.KindDict, ast.KindFunCall:
		return true
	default:
		return false
	}
}
