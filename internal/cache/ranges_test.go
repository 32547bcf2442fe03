package cache

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeSetAddMerges(t *testing.T) {
	var s RangeSet
	s.Add(Range{Start: 10, End: 20})
	s.Add(Range{Start: 30, End: 40})
	require.Equal(t, RangeSet{{10, 20}, {30, 40}}, s)

	s.Add(Range{Start: 20, End: 25})
	require.Equal(t, RangeSet{{10, 25}, {30, 40}}, s, "adjacent ranges merge")

	s.Add(Range{Start: 0, End: 5})
	s.Add(Range{Start: 24, End: 31})
	require.Equal(t, RangeSet{{0, 5}, {10, 40}}, s)

	s.Add(Range{Start: 3, End: 3})
	s.Add(Range{Start: 50, End: OpenEnd})
	require.Equal(t, RangeSet{{0, 5}, {10, 40}}, s, "empty and open ranges are ignored")
}

func TestRangeSetSubtract(t *testing.T) {
	s := RangeSet{{100, 200}, {300, 400}}
	require.Equal(t, []Range{{0, 100}, {200, 250}}, s.Subtract(Range{Start: 0, End: 250}))
	require.Nil(t, s.Subtract(Range{Start: 120, End: 180}))
	require.Equal(t, []Range{{200, 300}, {400, OpenEnd}}, s.Subtract(Range{Start: 150, End: OpenEnd}))
	require.Nil(t, s.Subtract(Range{Start: 5, End: 5}))
}

func TestRangeSetContiguousFrom(t *testing.T) {
	s := RangeSet{{0, 10}, {20, 30}}
	require.EqualValues(t, 10, s.ContiguousFrom(0))
	require.EqualValues(t, 10, s.ContiguousFrom(9))
	require.EqualValues(t, 10, s.ContiguousFrom(10))
	require.EqualValues(t, 30, s.ContiguousFrom(25))
	require.EqualValues(t, 35, s.ContiguousFrom(35))
	require.True(t, s.Covers(Range{Start: 21, End: 30}))
	require.False(t, s.Covers(Range{Start: 5, End: 21}))
}

func TestRangeSetClamp(t *testing.T) {
	s := RangeSet{{0, 10}, {20, 30}}
	require.Equal(t, RangeSet{{0, 10}, {20, 25}}, s.Clamp(25))
	require.Equal(t, RangeSet{{0, 10}}, s.Clamp(20))
	require.Empty(t, s.Clamp(0))
}

// 随机写入后集合仍有序、互不相交且覆盖的字节与逐字节模拟一致。
func TestRangeSetRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const size = 512
	for round := 0; round < 200; round++ {
		var s RangeSet
		var model [size]bool
		for i := 0; i < 12; i++ {
			start := rng.Int63n(size)
			end := start + rng.Int63n(size-start) + 1
			s.Add(Range{Start: start, End: end})
			for p := start; p < end; p++ {
				model[p] = true
			}
		}
		for i := 1; i < len(s); i++ {
			require.Less(t, s[i-1].End, s[i].Start, "ranges must be sorted, disjoint and non-adjacent")
		}
		var covered int64
		for p := int64(0); p < size; p++ {
			if model[p] {
				covered++
				require.Greater(t, s.ContiguousFrom(p), p)
			} else {
				require.Equal(t, p, s.ContiguousFrom(p))
			}
		}
		require.Equal(t, covered, s.Total())
	}
}
