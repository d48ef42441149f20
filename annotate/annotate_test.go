package annotate_test

import (
	"errors"
	"testing"

	"github.com/geleto/cascada-sub004/annotate"
	"github.com/geleto/cascada-sub004/ast"
	"github.com/stretchr/testify/require"
)

func setNode(name string, vt ast.VarType, children ...*ast.Node) *ast.Node {
	return &ast.Node{Kind: ast.KindSet, Value: name, VarType: vt, Children: children}
}

func symbolNode(name string) *ast.Node {
	return &ast.Node{Kind: ast.KindSymbol, Value: name}
}

func TestAnnotatePropagatesAsyncUpward(t *testing.T) {
	leaf := &ast.Node{Kind: ast.KindFilterAsync}
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{leaf}}
	require.NoError(t, annotate.Annotate(root))
	require.True(t, leaf.IsAsync)
	require.True(t, root.IsAsync)
}

func TestAnnotateSyncSubtreeStaysSync(t *testing.T) {
	leaf := &ast.Node{Kind: ast.KindLiteral, Value: 1}
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{leaf}}
	require.NoError(t, annotate.Annotate(root))
	require.False(t, root.IsAsync)
}

func TestAnnotateAssignUndeclaredIsError(t *testing.T) {
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		setNode("x", ast.VarAssign),
	}}
	err := annotate.Annotate(root)
	require.Error(t, err)
	require.True(t, errors.Is(err, annotate.ErrAssignUndeclared))
}

func TestAnnotateVarThenAssignIsFine(t *testing.T) {
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		setNode("x", ast.VarDeclare),
		setNode("x", ast.VarAssign),
	}}
	require.NoError(t, annotate.Annotate(root))
}

func TestAnnotateExternConflict(t *testing.T) {
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{
		setNode("x", ast.VarDeclare),
		setNode("x", ast.VarExtern),
	}}
	err := annotate.Annotate(root)
	require.Error(t, err)
	require.True(t, errors.Is(err, annotate.ErrExternConflict))
}

func TestAnnotateReadVarsPropagateUpward(t *testing.T) {
	sym := symbolNode("name")
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{sym}}
	require.NoError(t, annotate.Annotate(root))
	_, ok := root.ReadVars["name"]
	require.True(t, ok)
}

func TestAnnotateMarksWrapInAsyncBlockOnForkingAsyncNode(t *testing.T) {
	leaf := &ast.Node{Kind: ast.KindFilterAsync}
	ifNode := &ast.Node{Kind: ast.KindIf, Children: []*ast.Node{leaf}}
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{ifNode}}
	require.NoError(t, annotate.Annotate(root))
	require.True(t, ifNode.WrapInAsyncBlock)
}
