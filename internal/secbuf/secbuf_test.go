package secbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	b, err := New()
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	return b
}

func TestAppendRemoveLengthAlgebra(t *testing.T) {
	b := newTestBuffer(t)

	// Length equals appends minus removes, clamped at zero.
	b.RemoveLast() // remove on empty is a no-op
	assert.Equal(t, 0, b.Len())

	for _, c := range []byte("hunter2") {
		require.NoError(t, b.Append(c))
	}
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, []byte("hunter2"), b.Bytes())

	b.RemoveLast()
	b.RemoveLast()
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []byte("hunte"), b.Bytes())
}

func TestRemoveLastZeroesVacatedByte(t *testing.T) {
	b := newTestBuffer(t)
	require.NoError(t, b.Append('a'))
	require.NoError(t, b.Append('b'))

	b.RemoveLast()

	// Inspect past the logical length through the raw region.
	raw := b.region.Bytes()
	assert.Equal(t, byte('a'), raw[0])
	assert.Equal(t, byte(0), raw[1], "vacated byte must be zeroed, not just truncated")
}

func TestClearWipesAndIsIdempotent(t *testing.T) {
	b := newTestBuffer(t)
	for _, c := range []byte("secret") {
		require.NoError(t, b.Append(c))
	}

	b.Clear()
	assert.Equal(t, 0, b.Len())
	for i, c := range b.region.Bytes()[:6] {
		assert.Zerof(t, c, "byte %d survived clear", i)
	}

	// Second clear leaves length zero with no error.
	b.Clear()
	assert.Equal(t, 0, b.Len())

	// Capacity is retained for reuse.
	assert.Equal(t, initialCapacity, b.Cap())
}

func TestGrowthPreservesContents(t *testing.T) {
	b := newTestBuffer(t)
	want := make([]byte, initialCapacity+10)
	for i := range want {
		want[i] = byte('a' + i%26)
		require.NoError(t, b.Append(want[i]))
	}

	assert.Equal(t, want, b.Bytes())
	assert.Equal(t, initialCapacity*2, b.Cap(), "growth is geometric")
}

func TestDestroyIdempotent(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	require.NoError(t, b.Append('x'))

	b.Destroy()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Cap())
	assert.Nil(t, b.Bytes())

	// All further operations are safe no-ops.
	b.Destroy()
	b.Clear()
	b.RemoveLast()
	assert.Error(t, b.Append('x'))
}

func TestAllocFailureIsResourceExhausted(t *testing.T) {
	// memguard panics on non-positive sizes; alloc must convert that
	// into the fatal error class rather than crash the caller.
	_, err := alloc(-1)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}
