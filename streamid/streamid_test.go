package streamid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocIssuesDistinctIDs(t *testing.T) {
	p, err := New(4)
	require.NoError(t, err)

	seen := make(map[uint16]bool)
	for i := 0; i < 4; i++ {
		id, err := p.Alloc()
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	_, err = p.Alloc()
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestFreeAllowsReissue(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)

	id, err := p.Alloc()
	require.NoError(t, err)
	require.NoError(t, p.Free(id))

	again, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestNewRejectsOutOfRangeDepth(t *testing.T) {
	_, err := New(Max + 2)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestOutstandingTracksCheckedOutCount(t *testing.T) {
	p, err := New(3)
	require.NoError(t, err)
	require.Equal(t, 0, p.Outstanding())

	id, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, 1, p.Outstanding())

	require.NoError(t, p.Free(id))
	require.Equal(t, 0, p.Outstanding())
}
