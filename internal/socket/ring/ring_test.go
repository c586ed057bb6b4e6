package ring_test

import (
	"testing"

	"github.com/jserv/nstack/internal/socket/ring"
	"github.com/stretchr/testify/require"
)

func TestControlBlock_AllocCommitPeekDiscard(t *testing.T) {
	t.Parallel()
	cb := ring.New(64, 256) // 4 slots

	require.True(t, cb.IsEmpty())

	off := cb.Alloc()
	require.NotEqual(t, int64(-1), off)
	cb.Commit()

	require.False(t, cb.IsEmpty())
	peeked, ok := cb.Peek()
	require.True(t, ok)
	require.Equal(t, off, peeked)

	n := cb.Discard(1)
	require.Equal(t, 1, n)
	require.True(t, cb.IsEmpty())
}

func TestControlBlock_FullWhenWrapped(t *testing.T) {
	t.Parallel()
	cb := ring.New(64, 256) // 4 slots, 3 usable (one slot always kept empty)

	for i := 0; i < 3; i++ {
		require.NotEqual(t, int64(-1), cb.Alloc())
		cb.Commit()
	}

	require.True(t, cb.IsFull())
	require.Equal(t, int64(-1), cb.Alloc())

	cb.Discard(1)
	require.False(t, cb.IsFull())
}

func TestControlBlock_ClearFromEitherSide(t *testing.T) {
	t.Parallel()
	cb := ring.New(64, 256)
	cb.Alloc()
	cb.Commit()
	cb.Alloc()
	cb.Commit()

	cb.ClearFromConsumer()
	require.True(t, cb.IsEmpty())

	cb.Alloc()
	cb.Commit()
	cb.ClearFromProducer()
	require.True(t, cb.IsEmpty())
}

func TestControlBlock_DiscardStopsWhenEmpty(t *testing.T) {
	t.Parallel()
	cb := ring.New(64, 256)
	cb.Alloc()
	cb.Commit()

	n := cb.Discard(5)
	require.Equal(t, 1, n)
}
