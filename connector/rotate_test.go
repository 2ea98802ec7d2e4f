package connector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPollerIndexPowerOfTwo(t *testing.T) {
	var got []int
	for r := int32(0); r < 8; r++ {
		got = append(got, pollerIndex(r, 4))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1, 2, 3}, got)
}

func TestPollerIndexGeneral(t *testing.T) {
	var got []int
	for r := int32(0); r < 6; r++ {
		got = append(got, pollerIndex(r, 3))
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestPollerIndexWraparound(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 7} {
		r := int32(math.MaxInt32 - 3)
		for i := 0; i < 8; i++ {
			idx := pollerIndex(r, size)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, size)
			r++ // wraps to negative
		}
	}
	assert.Equal(t, 0, pollerIndex(math.MinInt32, 4))
	assert.Equal(t, 3, pollerIndex(-1, 4))
	assert.Equal(t, 2, pollerIndex(-1, 3))
}

func TestPollerIndexBalanced(t *testing.T) {
	counts := make([]int, 2)
	for r := int32(0); r < 1000; r++ {
		counts[pollerIndex(r, 2)]++
	}
	assert.Equal(t, []int{500, 500}, counts)
}
