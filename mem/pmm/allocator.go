// Package pmm manages physical memory frames: a per-CPU free-list allocator
// and the page frame table that counts how many mappings share each frame.
//
// A frame is on exactly one free list when its reference count is zero.
// Alloc hands out frames with a count of one; IncRef and DecRef adjust the
// count of shared frames and Free drops a reference, returning the frame to
// the caller's free list when it was the last.
package pmm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/mem"
	"github.com/jobala/kcore/util"
	"github.com/sirupsen/logrus"
)

const (
	// NCPU is the default number of per-CPU free lists.
	NCPU = 8

	// junk patterns written over frames to catch dangling references
	freeJunk  = 1
	allocJunk = 5

	module = "kalloc"
)

var (
	// ErrOutOfMemory is returned by Alloc when no CPU has a free frame.
	ErrOutOfMemory = &util.KernelError{Module: module, Message: "out of memory"}
)

// Options configures an Allocator.
type Options struct {
	NCPU int

	// PhysPages is the size of physical memory. The first KernelPages of it
	// hold the kernel image and are never managed.
	PhysPages   int
	KernelPages int

	// JunkFill overwrites frames with a pattern on free and allocation.
	JunkFill bool

	Logger           logrus.FieldLogger
	StealLogInterval time.Duration
}

// Stats counts allocator events.
type Stats struct {
	Allocs uint64
	Frees  uint64
	Steals uint64
}

// freeList is the free frame stack of one CPU.
type freeList struct {
	lock ksync.Spinlock
	head int32
	n    int
}

// Allocator is the per-CPU physical page allocator.
type Allocator struct {
	phys *PhysMem

	// start is the first managed frame (the end of the kernel image).
	start uintptr

	cpus []freeList
	// next links the free frames of a list by page index; -1 terminates.
	next []int32
	refs refTable

	junk bool

	log  logrus.FieldLogger
	slow *util.RateLimitedLogger

	allocs atomic.Uint64
	frees  atomic.Uint64
	steals atomic.Uint64
}

// New maps physical memory and frees every frame above the kernel image,
// spreading them over the CPUs in contiguous runs.
func New(opts Options) (*Allocator, error) {
	if opts.NCPU <= 0 {
		opts.NCPU = NCPU
	}
	if opts.KernelPages < 0 || opts.KernelPages >= opts.PhysPages {
		return nil, util.NewError(module, fmt.Sprintf("kernel image of %d pages leaves no memory in %d pages", opts.KernelPages, opts.PhysPages))
	}

	phys, err := NewPhysMem(opts.PhysPages)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		phys:  phys,
		start: phys.Base() + uintptr(opts.KernelPages)*mem.PageSize,
		cpus:  make([]freeList, opts.NCPU),
		next:  make([]int32, opts.PhysPages),
		junk:  opts.JunkFill,
		log:   util.OrDiscard(opts.Logger),
	}
	a.slow = util.RateLimited(a.log, opts.StealLogInterval)
	a.refs.init(opts.PhysPages)
	for i := range a.cpus {
		a.cpus[i].lock.Init(fmt.Sprintf("kmem.cpu%d", i))
		a.cpus[i].head = -1
	}

	a.freeRange(a.start, phys.End())
	a.frees.Store(0)

	a.log.Infof("kalloc: %d free frames on %d cpus", a.NFree(), len(a.cpus))
	return a, nil
}

// freeRange hands [start, end) to the free lists. Each frame is given one
// reference which Free then drops.
func (a *Allocator) freeRange(start, end uintptr) {
	first := mem.PageRoundUp(start)
	if first+mem.PageSize > end {
		return
	}

	total := int((end - first) / mem.PageSize)
	chunk := (total + len(a.cpus) - 1) / len(a.cpus)
	for i := 0; i < total; i++ {
		pa := first + uintptr(i)*mem.PageSize
		a.refs.set(a.index(pa), 0, 1)
		a.Free(i/chunk, pa)
	}
}

// Alloc returns a frame with a reference count of one. It tries the free
// list of cpu first, then the other CPUs in turn.
func (a *Allocator) Alloc(cpu int) (uintptr, error) {
	l := a.list(cpu)

	l.lock.Acquire()
	idx := a.pop(l)
	l.lock.Release()

	if idx < 0 {
		idx = a.steal(cpu)
		if idx < 0 {
			return 0, ErrOutOfMemory
		}
	}

	pa := a.addr(idx)
	if a.junk {
		fill(a.phys.Page(pa), allocJunk)
	}
	a.refs.set(idx, 0, 1)
	a.allocs.Add(1)
	return pa, nil
}

// Free drops one reference to the frame at pa. The frame goes back to the
// free list of cpu once nothing references it.
func (a *Allocator) Free(cpu int, pa uintptr) {
	l := a.list(cpu)
	idx := a.managed("kfree", pa)

	if a.refs.add(idx, -1, 1) > 0 {
		return
	}

	if a.junk {
		fill(a.phys.Page(pa), freeJunk)
	}

	l.lock.Acquire()
	a.next[idx] = l.head
	l.head = idx
	l.n++
	l.lock.Release()
	a.frees.Add(1)
}

// IncRef records another mapping of an allocated frame.
func (a *Allocator) IncRef(pa uintptr) {
	idx := a.managed("incref", pa)
	a.refs.add(idx, 1, 1)
}

// DecRef drops a reference to a shared frame. The last reference can only
// be dropped with Free.
func (a *Allocator) DecRef(pa uintptr) {
	idx := a.managed("decref", pa)
	a.refs.add(idx, -1, 2)
}

// RefCount returns the number of references to the frame at pa.
func (a *Allocator) RefCount(pa uintptr) int32 {
	return a.refs.get(a.managed("refcount", pa))
}

// Page returns the contents of the frame at pa.
func (a *Allocator) Page(pa uintptr) []byte {
	return a.phys.Page(pa)
}

// Range returns the managed physical addresses [start, end).
func (a *Allocator) Range() (start, end uintptr) {
	return a.start, a.phys.End()
}

// NCPU returns the number of free lists.
func (a *Allocator) NCPU() int {
	return len(a.cpus)
}

// NFree returns the number of free frames on all CPUs.
func (a *Allocator) NFree() int {
	n := 0
	for i := range a.cpus {
		l := &a.cpus[i]
		l.lock.Acquire()
		n += l.n
		l.lock.Release()
	}
	return n
}

// Stats returns allocation counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocs: a.allocs.Load(),
		Frees:  a.frees.Load(),
		Steals: a.steals.Load(),
	}
}

// LockStats returns the contention counters of the free-list locks and of
// the page frame table.
func (a *Allocator) LockStats() []ksync.Stat {
	var stats []ksync.Stat
	for i := range a.cpus {
		stats = append(stats, a.cpus[i].lock.Stat())
	}
	return append(stats, a.refs.lock.Stat())
}

// Close releases physical memory.
func (a *Allocator) Close() error {
	return a.phys.Close()
}

// steal takes one frame from the first other CPU that has any, holding one
// foreign lock at a time.
func (a *Allocator) steal(cpu int) int32 {
	for i := 1; i < len(a.cpus); i++ {
		victim := (cpu + i) % len(a.cpus)
		l := &a.cpus[victim]

		l.lock.Acquire()
		idx := a.pop(l)
		l.lock.Release()

		if idx >= 0 {
			a.steals.Add(1)
			a.slow.Debugf("kalloc: cpu %d stole frame %#x from cpu %d", cpu, a.addr(idx), victim)
			return idx
		}
	}
	return -1
}

// pop removes the first frame of l. The caller holds l.lock.
func (a *Allocator) pop(l *freeList) int32 {
	idx := l.head
	if idx < 0 {
		return -1
	}
	l.head = a.next[idx]
	a.next[idx] = -1
	l.n--
	return idx
}

func (a *Allocator) list(cpu int) *freeList {
	if cpu < 0 || cpu >= len(a.cpus) {
		util.Panic(module, "bad cpu %d", cpu)
	}
	return &a.cpus[cpu]
}

// managed validates pa as a frame owned by the allocator and returns its
// page index.
func (a *Allocator) managed(op string, pa uintptr) int32 {
	if !mem.Aligned(pa) || pa < a.start || pa >= a.phys.End() {
		util.Panic(module, "%s: bad physical address %#x", op, pa)
	}
	return a.index(pa)
}

func (a *Allocator) index(pa uintptr) int32 {
	return int32((pa - a.phys.Base()) >> mem.PageShift)
}

func (a *Allocator) addr(idx int32) uintptr {
	return a.phys.Base() + uintptr(idx)<<mem.PageShift
}

func fill(page []byte, b byte) {
	for i := range page {
		page[i] = b
	}
}
