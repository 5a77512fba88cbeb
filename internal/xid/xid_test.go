package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIsPrefixedAndOrdered(t *testing.T) {
	first := New("mov")
	second := New("mov")

	require.True(t, strings.HasPrefix(first, "mov_"))
	_, err := uuid.Parse(strings.TrimPrefix(first, "mov_"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Less(t, first, second)
}
