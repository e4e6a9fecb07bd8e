package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
)

func TestBitmap_AllocReservesPageZero(t *testing.T) {
	b := NewBitmap(16, nil)
	require.True(t, b.IsAllocated(0))

	id, err := b.Alloc(1)
	require.NoError(t, err)
	require.NotEqual(t, pagefile.PageID(0), id)
	require.True(t, b.IsAllocated(id))
}

func TestBitmap_AllocLimitSucceedsOnEmptyStore(t *testing.T) {
	b := NewBitmap(16, nil)
	id, err := b.Alloc(16)
	require.NoError(t, err, "an empty store must satisfy a request for its full addressable range")
	require.Equal(t, pagefile.PageID(1), id, "page 0 is reserved outside the addressable range, so the run starts at 1")

	_, err = b.Alloc(1)
	require.ErrorIs(t, err, ErrOutOfSpace)
}

func TestBitmap_AllocContiguousRun(t *testing.T) {
	b := NewBitmap(16, nil)
	id, err := b.Alloc(4)
	require.NoError(t, err)
	for p := id; p < id+4; p++ {
		require.True(t, b.IsAllocated(p))
	}
}

func TestBitmap_FreeReallowsReuse(t *testing.T) {
	b := NewBitmap(4, nil)
	id, err := b.Alloc(3)
	require.NoError(t, err)

	require.NoError(t, b.Free(id, 3))
	for p := id; p < id+3; p++ {
		require.False(t, b.IsAllocated(p))
	}

	again, err := b.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestBitmap_AllocOutOfSpace(t *testing.T) {
	b := NewBitmap(2, nil)
	_, err := b.Alloc(2) // takes both addressable pages, 1 and 2
	require.NoError(t, err)

	_, err = b.Alloc(1)
	require.ErrorIs(t, err, ErrOutOfSpace)
}

func TestBitmap_FreeDoubleFreePanics(t *testing.T) {
	b := NewBitmap(4, nil)
	id, err := b.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, b.Free(id, 1))

	require.Panics(t, func() { _ = b.Free(id, 1) })
}

func TestBitmap_FreeDoubleFreeAllowedWithAssertDisabled(t *testing.T) {
	old := assertFreeIsAllocated
	assertFreeIsAllocated = false
	defer func() { assertFreeIsAllocated = old }()

	b := NewBitmap(4, nil)
	id, err := b.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, b.Free(id, 1))
	require.NotPanics(t, func() { _ = b.Free(id, 1) })
}

func TestBitmap_Limit(t *testing.T) {
	b := NewBitmap(128, nil)
	require.Equal(t, pagefile.PageID(128), b.Limit())
}
