package ipdefer_test

import (
	"testing"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ipdefer"
	"github.com/stretchr/testify/require"
)

func TestQueue_DrainRetriesOnHostUnreachAndDropsAfterMaxTries(t *testing.T) {
	t.Parallel()
	q := ipdefer.NewQueue()
	dst := addr.IPv4FromBytes(10, 0, 0, 9)
	require.NoError(t, q.Push(dst, 17, []byte("payload")))

	calls := 0
	alwaysUnreach := func(d addr.IPv4, p uint8, buf []byte) error {
		calls++
		return errcode.New(errcode.EHostUnreach, "test", nil)
	}

	for i := 0; i < 3; i++ {
		q.Drain(alwaysUnreach)
	}
	require.Equal(t, 0, q.Len(), "entry should be dropped after exceeding max tries")
	require.Equal(t, 3, calls)
}

func TestQueue_DrainSucceedsAndEmptiesQueue(t *testing.T) {
	t.Parallel()
	q := ipdefer.NewQueue()
	dst := addr.IPv4FromBytes(10, 0, 0, 9)
	require.NoError(t, q.Push(dst, 17, []byte("payload")))

	sent := false
	q.Drain(func(d addr.IPv4, p uint8, buf []byte) error {
		sent = true
		return nil
	})
	require.True(t, sent)
	require.Equal(t, 0, q.Len())
}

func TestQueue_PushDuringDrainIsRejected(t *testing.T) {
	t.Parallel()
	q := ipdefer.NewQueue()
	dst := addr.IPv4FromBytes(10, 0, 0, 9)
	require.NoError(t, q.Push(dst, 17, []byte("payload")))

	q.Drain(func(d addr.IPv4, p uint8, buf []byte) error {
		err := q.Push(dst, 17, []byte("reentrant"))
		require.ErrorIs(t, err, errcode.ErrAlready)
		return nil
	})
}

func TestQueue_PushRejectsWhenFull(t *testing.T) {
	t.Parallel()
	q := ipdefer.NewQueue()
	dst := addr.IPv4FromBytes(10, 0, 0, 9)
	var err error
	for i := 0; i < 64; i++ {
		if err = q.Push(dst, 17, []byte("x")); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, errcode.ErrNoBufs)
}
