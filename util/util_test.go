package util

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelError(t *testing.T) {
	t.Run("message carries the module name", func(t *testing.T) {
		err := NewError("bio", "no buffers")
		assert.Equal(t, "bio: no buffers", err.Error())
	})

	t.Run("wrapped errors can be unwrapped", func(t *testing.T) {
		cause := io.ErrUnexpectedEOF
		err := Wrap("disk", "read block 3", cause)

		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
		assert.Contains(t, err.Error(), "read block 3")
	})

	t.Run("panic raises a kernel error", func(t *testing.T) {
		defer func() {
			r := recover()
			require.NotNil(t, r)

			kerr, ok := r.(*KernelError)
			require.True(t, ok)
			assert.Equal(t, "kalloc", kerr.Module)
			assert.Equal(t, "kfree 0x10", kerr.Message)
		}()

		Panic("kalloc", "kfree %#x", 16)
	})
}

func TestBlockCodec(t *testing.T) {
	type header struct {
		Magic uint32
		N     int
		Block []uint32
	}

	t.Run("round trips through a padded block", func(t *testing.T) {
		in := header{Magic: 0x10203040, N: 2, Block: []uint32{7, 9}}

		data, err := ToBlock(in, 1024)
		require.NoError(t, err)
		assert.Len(t, data, 1024)

		out, err := FromBlock[header](data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("rejects values larger than the block", func(t *testing.T) {
		in := header{Block: make([]uint32, 64)}

		_, err := ToBlock(in, 16)
		assert.Error(t, err)
	})
}

func TestLogger(t *testing.T) {
	t.Run("unknown level falls back to info", func(t *testing.T) {
		var out bytes.Buffer
		logger := NewLogger("verbose", &out)

		assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
		assert.Contains(t, out.String(), "unknown log level")
	})

	t.Run("rate limited logger drops bursts", func(t *testing.T) {
		var out bytes.Buffer
		logger := NewLogger("debug", &out)

		rl := RateLimited(logger, time.Hour)
		for range 10 {
			rl.Debugf("steal")
		}

		assert.Equal(t, 1, strings.Count(out.String(), "steal"))
	})

	t.Run("zero interval does not limit", func(t *testing.T) {
		var out bytes.Buffer
		logger := NewLogger("debug", &out)

		rl := RateLimited(logger, 0)
		for range 3 {
			rl.Warnf("steal")
		}

		assert.Equal(t, 3, strings.Count(out.String(), "steal"))
	})
}
