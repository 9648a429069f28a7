package pmm

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jobala/kcore/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAllocator(t *testing.T) {
	t.Run("boot frees every frame above the kernel", func(t *testing.T) {
		a := CreateAllocator(t, Options{NCPU: 4, PhysPages: 16, KernelPages: 4})

		assert.Equal(t, 12, a.NFree())
		for cpu := range 4 {
			assert.Len(t, freeFrames(a, cpu), 3, "cpu %d", cpu)
		}

		start, end := a.Range()
		assert.Equal(t, mem.KernBase+4*mem.PageSize, start)
		assert.Equal(t, mem.KernBase+16*mem.PageSize, end)
		checkInvariants(t, a)
	})

	t.Run("allocated frames have one reference", func(t *testing.T) {
		a := CreateAllocator(t, Options{NCPU: 2, PhysPages: 8, KernelPages: 2, JunkFill: true})

		pa, err := a.Alloc(0)
		require.NoError(t, err)

		assert.True(t, mem.Aligned(pa))
		assert.Equal(t, int32(1), a.RefCount(pa))
		assert.Equal(t, bytes.Repeat([]byte{allocJunk}, int(mem.PageSize)), a.Page(pa))
		assert.NotContains(t, freeFrames(a, 0), pa)
		checkInvariants(t, a)
	})

	t.Run("free returns the frame to the caller's list", func(t *testing.T) {
		a := CreateAllocator(t, Options{NCPU: 2, PhysPages: 8, KernelPages: 2, JunkFill: true})

		pa, err := a.Alloc(0)
		require.NoError(t, err)
		a.Free(1, pa)

		assert.Equal(t, int32(0), a.RefCount(pa))
		assert.Equal(t, pa, freeFrames(a, 1)[0])
		assert.Equal(t, bytes.Repeat([]byte{freeJunk}, int(mem.PageSize)), a.Page(pa))
		checkInvariants(t, a)
	})

	t.Run("shared frames stay allocated until the last free", func(t *testing.T) {
		a := CreateAllocator(t, Options{NCPU: 1, PhysPages: 4, KernelPages: 1})

		pa, err := a.Alloc(0)
		require.NoError(t, err)
		a.IncRef(pa)
		a.IncRef(pa)
		assert.Equal(t, int32(3), a.RefCount(pa))

		a.DecRef(pa)
		a.Free(0, pa)
		assert.Equal(t, int32(1), a.RefCount(pa))
		assert.NotContains(t, freeFrames(a, 0), pa)

		a.Free(0, pa)
		assert.Contains(t, freeFrames(a, 0), pa)
		checkInvariants(t, a)
	})

	t.Run("empty cpus steal from others", func(t *testing.T) {
		a := CreateAllocator(t, Options{NCPU: 2, PhysPages: 6, KernelPages: 2})

		for range 2 {
			_, err := a.Alloc(0)
			require.NoError(t, err)
		}
		require.Empty(t, freeFrames(a, 0))
		donor := freeFrames(a, 1)
		require.Len(t, donor, 2)

		pa, err := a.Alloc(0)
		require.NoError(t, err)

		assert.Equal(t, donor[0], pa)
		assert.NotContains(t, freeFrames(a, 1), pa)
		assert.NotContains(t, freeFrames(a, 0), pa)
		assert.Equal(t, uint64(1), a.Stats().Steals)
		checkInvariants(t, a)
	})

	t.Run("exhaustion is reported to the caller", func(t *testing.T) {
		a := CreateAllocator(t, Options{NCPU: 3, PhysPages: 5, KernelPages: 1})

		var frames []uintptr
		for range 4 {
			pa, err := a.Alloc(2)
			require.NoError(t, err)
			frames = append(frames, pa)
		}

		_, err := a.Alloc(0)
		assert.ErrorIs(t, err, ErrOutOfMemory)

		a.Free(1, frames[0])
		pa, err := a.Alloc(0)
		require.NoError(t, err)
		assert.Equal(t, frames[0], pa)
	})
}

func TestAllocatorContractViolations(t *testing.T) {
	a := CreateAllocator(t, Options{NCPU: 2, PhysPages: 8, KernelPages: 2})
	start, end := a.Range()

	pa, err := a.Alloc(0)
	require.NoError(t, err)

	cases := []struct {
		name string
		fn   func()
	}{
		{"unaligned free", func() { a.Free(0, pa+1) }},
		{"free of a kernel page", func() { a.Free(0, start-mem.PageSize) }},
		{"free past the end of memory", func() { a.Free(0, end) }},
		{"free on a bad cpu", func() { a.Free(2, pa) }},
		{"double free", func() {
			other, err := a.Alloc(1)
			require.NoError(t, err)
			a.Free(1, other)
			a.Free(1, other)
		}},
		{"incref of a free frame", func() { a.IncRef(freeFrames(a, 1)[0]) }},
		{"decref of the last reference", func() { a.DecRef(pa) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Panics(t, tc.fn)
		})
	}

	// no failed check left a lock held
	assert.Equal(t, int32(1), a.RefCount(pa))
	a.Free(0, pa)
	checkInvariants(t, a)
}

func TestAllocatorConcurrency(t *testing.T) {
	const ncpu = 4
	a := CreateAllocator(t, Options{NCPU: ncpu, PhysPages: 64, KernelPages: 4, JunkFill: true})

	var g errgroup.Group
	for cpu := range ncpu {
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(cpu)))
			var held []uintptr
			for range 2000 {
				if len(held) > 0 && rnd.Intn(2) == 0 {
					i := rnd.Intn(len(held))
					a.Free(cpu, held[i])
					held = append(held[:i], held[i+1:]...)
					continue
				}

				pa, err := a.Alloc(cpu)
				if err != nil {
					continue
				}
				page := a.Page(pa)
				page[0] = byte(cpu)
				if page[1] != allocJunk {
					return fmt.Errorf("frame %#x handed out while in use", pa)
				}
				page[1] = 0
				held = append(held, pa)
			}
			for _, pa := range held {
				a.Free(cpu, pa)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 60, a.NFree())
	checkInvariants(t, a)
}

func TestAllocatorLockStats(t *testing.T) {
	a := CreateAllocator(t, Options{NCPU: 2, PhysPages: 4, KernelPages: 1})

	var names []string
	for _, s := range a.LockStats() {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"kmem.cpu0", "kmem.cpu1", "refcount"}, names); diff != "" {
		t.Errorf("lock names mismatch (-want +got):\n%s", diff)
	}

	// the table reports the lock its operations actually take
	before := a.LockStats()[2].Acquires
	pa, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), a.RefCount(pa))
	a.Free(0, pa)
	assert.Equal(t, before+3, a.LockStats()[2].Acquires)
}

func TestPhysMem(t *testing.T) {
	pm, err := NewPhysMem(2)
	require.NoError(t, err)

	page := pm.Page(pm.Base() + mem.PageSize)
	assert.Len(t, page, int(mem.PageSize))
	assert.Equal(t, make([]byte, mem.PageSize), page)

	assert.Panics(t, func() { pm.Page(pm.End()) })
	assert.Panics(t, func() { pm.Page(pm.Base() + 8) })

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	_, err = NewPhysMem(0)
	assert.Error(t, err)
}

// checkInvariants verifies, on a quiescent allocator, that exactly the frames
// with no references sit on free lists and that no frame is listed twice.
func checkInvariants(t *testing.T, a *Allocator) {
	t.Helper()

	listed := map[uintptr]int{}
	for cpu := range a.NCPU() {
		for _, pa := range freeFrames(a, cpu) {
			listed[pa]++
		}
	}

	start, end := a.Range()
	for pa := start; pa < end; pa += mem.PageSize {
		n := a.RefCount(pa)
		assert.GreaterOrEqual(t, n, int32(0))
		if n == 0 {
			assert.Equal(t, 1, listed[pa], "free frame %#x listed %d times", pa, listed[pa])
		} else {
			assert.Zero(t, listed[pa], "frame %#x with %d references is listed", pa, n)
		}
	}
}

// freeFrames returns the free list of cpu from head to tail.
func freeFrames(a *Allocator, cpu int) []uintptr {
	l := &a.cpus[cpu]
	l.lock.Acquire()
	defer l.lock.Release()

	var frames []uintptr
	for idx := l.head; idx >= 0; idx = a.next[idx] {
		frames = append(frames, a.addr(idx))
	}
	return frames
}

func CreateAllocator(t *testing.T, opts Options) *Allocator {
	t.Helper()

	a, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}
