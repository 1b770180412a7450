package fetcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeModuloHeights(t *testing.T) {
	got := computeModuloHeights([]uint64{5, 7}, 10, 21)
	require.Equal(t, []uint64{10, 15, 20, 14, 21}, got)
}

func TestComputeModuloHeightsIgnoresZeroModulus(t *testing.T) {
	got := computeModuloHeights([]uint64{0, 3}, 1, 9)
	require.Equal(t, []uint64{3, 6, 9}, got)
}

func TestMergeSortedUniqueDedupes(t *testing.T) {
	got := mergeSortedUnique([]uint64{1, 3, 5}, []uint64{3, 4, 5, 6})
	require.Equal(t, []uint64{1, 3, 4, 5, 6}, got)
}

func TestMergeSortedUniqueHandlesEmpty(t *testing.T) {
	require.Equal(t, []uint64{1, 2}, mergeSortedUnique([]uint64{1, 2}, nil))
	require.Equal(t, []uint64{1, 2}, mergeSortedUnique(nil, []uint64{1, 2}))
}

func TestSubtractBypassRemovesListed(t *testing.T) {
	got := subtractBypass([]uint64{1, 2, 3, 4}, map[uint64]struct{}{2: {}, 4: {}})
	require.Equal(t, []uint64{1, 3}, got)
}

func TestSubtractBypassNoopWhenEmpty(t *testing.T) {
	heights := []uint64{1, 2, 3}
	got := subtractBypass(heights, nil)
	require.Equal(t, heights, got)
}

func TestTruncateToFreeSizeKeepsAllWhenRoom(t *testing.T) {
	kept, deferred := truncateToFreeSize([]uint64{1, 2, 3}, 5)
	require.False(t, deferred)
	require.Equal(t, []uint64{1, 2, 3}, kept)
}

func TestTruncateToFreeSizeDefersOverflow(t *testing.T) {
	kept, deferred := truncateToFreeSize([]uint64{1, 2, 3, 4, 5}, 2)
	require.True(t, deferred)
	require.Equal(t, []uint64{1, 2}, kept)
}
