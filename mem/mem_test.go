package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		assert.Equal(t, uintptr(frameIndex<<PageShift), frame.Address())
	}
}

func TestFrameFromAddress(t *testing.T) {
	cases := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expFrame, FrameFromAddress(tc.input), "address %#x", tc.input)
	}
}

func TestRounding(t *testing.T) {
	t.Run("round up", func(t *testing.T) {
		assert.Equal(t, uintptr(0), PageRoundUp(0))
		assert.Equal(t, PageSize, PageRoundUp(1))
		assert.Equal(t, PageSize, PageRoundUp(PageSize))
		assert.Equal(t, 2*PageSize, PageRoundUp(PageSize+1))
	})

	t.Run("round down", func(t *testing.T) {
		assert.Equal(t, uintptr(0), PageRoundDown(PageSize-1))
		assert.Equal(t, KernBase, PageRoundDown(KernBase+123))
	})

	t.Run("aligned", func(t *testing.T) {
		assert.True(t, Aligned(KernBase))
		assert.False(t, Aligned(KernBase+8))
	})
}
