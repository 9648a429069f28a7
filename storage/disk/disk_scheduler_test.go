package disk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskScheduler(t *testing.T) {
	t.Run("schedule is non blocking", func(t *testing.T) {
		ds := NewScheduler()
		ds.Attach(0, CreateDisk(t, 4))
		t.Cleanup(ds.Close)

		data := make([]byte, BlockSize)
		copy(data, []byte("hello world"))

		start := time.Now()
		respCh := ds.Schedule(NewRequest(0, 1, data, true))
		elapsed := time.Since(start)

		assert.Less(t, elapsed, 10*time.Millisecond)
		assert.True(t, (<-respCh).Success)
	})

	t.Run("can schedule read and write requests", func(t *testing.T) {
		ds := NewScheduler()
		ds.Attach(0, CreateDisk(t, 4))
		t.Cleanup(ds.Close)

		data := make([]byte, BlockSize)
		copy(data, []byte("hello world"))

		writeReq := NewRequest(0, 1, data, true)
		res := make([]byte, BlockSize)
		readReq := NewRequest(0, 1, res, false)

		ds.Schedule(writeReq)
		ds.Schedule(readReq)

		<-writeReq.RespCh
		resp := <-readReq.RespCh
		assert.True(t, resp.Success)
		assert.Equal(t, data, res)

		reads, writes := ds.Stats()
		assert.Equal(t, uint64(1), reads)
		assert.Equal(t, uint64(1), writes)
	})

	t.Run("requests for the same block keep their order", func(t *testing.T) {
		ds := NewScheduler()
		ds.Attach(0, CreateDisk(t, 4))
		t.Cleanup(ds.Close)

		var responses []<-chan Response
		for i := range 20 {
			data := make([]byte, BlockSize)
			copy(data, fmt.Sprintf("version %d", i))
			responses = append(responses, ds.Schedule(NewRequest(0, 2, data, true)))
		}
		for _, respCh := range responses {
			require.NoError(t, (<-respCh).Err)
		}

		res := make([]byte, BlockSize)
		require.NoError(t, ds.Rw(0, 2, res, false))
		assert.Equal(t, "version 19", string(res[:len("version 19")]))
	})

	t.Run("serves concurrent callers on many blocks", func(t *testing.T) {
		ds := NewScheduler()
		ds.Attach(1, CreateDisk(t, 16))
		t.Cleanup(ds.Close)

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func(blockno uint32) {
				defer wg.Done()
				data := make([]byte, BlockSize)
				data[0] = byte(blockno)
				assert.NoError(t, ds.Rw(1, blockno, data, true))
			}(uint32(i))
		}
		wg.Wait()

		for i := range 16 {
			res := make([]byte, BlockSize)
			require.NoError(t, ds.Rw(1, uint32(i), res, false))
			assert.Equal(t, byte(i), res[0])
		}
	})

	t.Run("unknown devices fail the request", func(t *testing.T) {
		ds := NewScheduler()
		t.Cleanup(ds.Close)

		err := ds.Rw(9, 0, make([]byte, BlockSize), false)
		assert.ErrorIs(t, err, ErrNoDevice)
	})
}
