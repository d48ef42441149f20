package ast_test

import (
	"testing"

	"github.com/geleto/cascada-sub004/ast"
	"github.com/stretchr/testify/require"
)

func TestWalkVisitsEveryNodePreOrder(t *testing.T) {
	leaf1 := &ast.Node{Kind: ast.KindLiteral, Value: 1}
	leaf2 := &ast.Node{Kind: ast.KindLiteral, Value: 2}
	root := &ast.Node{Kind: ast.KindNodeList, Children: []*ast.Node{leaf1, leaf2}}

	var visited []*ast.Node
	ast.Walk(root, func(n *ast.Node) { visited = append(visited, n) })

	require.Equal(t, []*ast.Node{root, leaf1, leaf2}, visited)
}

func TestSymbolReturnsNameOnlyForSymbolKind(t *testing.T) {
	sym := &ast.Node{Kind: ast.KindSymbol, Value: "x"}
	require.Equal(t, "x", sym.Symbol())

	lit := &ast.Node{Kind: ast.KindLiteral, Value: "x"}
	require.Equal(t, "", lit.Symbol())
}

func TestWalkHandlesNilNode(t *testing.T) {
	require.NotPanics(t, func() { ast.Walk(nil, func(*ast.Node) {}) })
}
