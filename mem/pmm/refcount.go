package pmm

import (
	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/util"
)

// refTable is the page frame table: one reference count per physical page.
// Its lock is never held together with a free-list lock.
type refTable struct {
	lock   ksync.Spinlock
	counts []int32
}

func (t *refTable) init(npages int) {
	t.counts = make([]int32, npages)
	t.lock.Init("refcount")
}

func (t *refTable) get(idx int32) int32 {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.counts[idx]
}

// set overwrites the count of idx; used at boot and on allocation.
func (t *refTable) set(idx int32, want, n int32) {
	t.lock.Acquire()
	if got := t.counts[idx]; got != want {
		t.lock.Release()
		util.Panic(module, "refcount: frame %d has %d references, want %d", idx, got, want)
	}
	t.counts[idx] = n
	t.lock.Release()
}

// add adjusts the count of idx by delta and returns the new value. The old
// count must be at least least.
func (t *refTable) add(idx int32, delta, least int32) int32 {
	t.lock.Acquire()
	got := t.counts[idx]
	if got < least {
		t.lock.Release()
		util.Panic(module, "refcount: frame %d has %d references", idx, got)
	}
	got += delta
	t.counts[idx] = got
	t.lock.Release()
	return got
}
