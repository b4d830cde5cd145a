package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushWrapsAndOverwritesOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, []int{3, 4, 5}, b.Items())
	last, ok := b.Last()
	require.True(t, ok)
	require.Equal(t, 5, last)
}

func TestPartiallyFilledBufferOrdersFromStart(t *testing.T) {
	b := New[string](5)
	b.Push("a")
	b.Push("b")
	require.Equal(t, []string{"a", "b"}, b.Items())
	require.Equal(t, 2, b.Len())
	require.Equal(t, 5, b.Cap())
}

func TestEmptyBufferLastReturnsFalse(t *testing.T) {
	b := New[int](2)
	_, ok := b.Last()
	require.False(t, ok)
}
