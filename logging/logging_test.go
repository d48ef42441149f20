package logging_test

import (
	"testing"

	"github.com/geleto/cascada-sub004/logging"
	"github.com/stretchr/testify/require"
)

func TestLReturnsNonNilSingleton(t *testing.T) {
	l1 := logging.L()
	l2 := logging.L()
	require.NotNil(t, l1)
	require.Same(t, l1, l2)
}
