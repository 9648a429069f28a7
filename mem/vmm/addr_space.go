// Package vmm implements user address spaces on top of the physical page
// allocator: page table maintenance, copy-on-write fork and the write fault
// handler that gives a faulting mapping its private copy of a shared frame.
//
// An entry never carries FlagRW and FlagCopyOnWrite together. Fork turns
// every writable page of the parent into a copy-on-write page shared with the
// child, leaving the frame with at least two references. A copy-on-write entry
// whose frame has a single reference left is the residue of its siblings
// having faulted; the next write fault makes it writable in place.
package vmm

import (
	"fmt"

	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/mem"
	"github.com/jobala/kcore/util"
)

const module = "vmm"

var (
	// ErrAccessViolation is returned for faults and user copies that touch an
	// address the process may not access that way.
	ErrAccessViolation = &util.KernelError{Module: module, Message: "access violation"}

	// ErrNoMemory is returned when no frame is available to back a page.
	ErrNoMemory = &util.KernelError{Module: module, Message: "out of memory"}
)

// FrameAllocator hands out reference counted physical frames;
// *pmm.Allocator implements it.
type FrameAllocator interface {
	Alloc(cpu int) (uintptr, error)
	Free(cpu int, pa uintptr)
	IncRef(pa uintptr)
	RefCount(pa uintptr) int32
	Page(pa uintptr) []byte
}

// AddressSpace is the page table of one process.
type AddressSpace struct {
	lock   ksync.Spinlock
	pt     *pageTable
	frames FrameAllocator
}

// NewAddressSpace returns an empty address space backed by frames.
func NewAddressSpace(frames FrameAllocator) *AddressSpace {
	as := &AddressSpace{pt: newPageTable(), frames: frames}
	as.lock.Init("pagetable")
	return as
}

// Map installs translations for [va, va+size) to consecutive frames starting
// at pa. Remapping a present page is fatal, as is asking for a writable
// copy-on-write page.
func (as *AddressSpace) Map(va, size, pa uintptr, flags PageTableEntryFlag) error {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.mapLocked(va, size, pa, flags)
}

func (as *AddressSpace) mapLocked(va, size, pa uintptr, flags PageTableEntryFlag) error {
	if size == 0 {
		util.Panic(module, "mappages: size")
	}
	if flags&(FlagRW|FlagCopyOnWrite) == FlagRW|FlagCopyOnWrite {
		util.Panic(module, "mappages: writable copy-on-write page at %#x", va)
	}

	first := mem.PageRoundDown(va)
	last := mem.PageRoundDown(va + size - 1)
	if last >= MaxVA || last < first {
		return util.Wrap(module, fmt.Sprintf("map %#x+%#x", va, size), ErrAccessViolation)
	}

	for a := first; ; a, pa = a+mem.PageSize, pa+mem.PageSize {
		pte := as.pt.walk(a, true)
		if pte.HasFlags(FlagPresent) {
			util.Panic(module, "mappages: remap of %#x", a)
		}
		*pte = 0
		pte.SetFrame(mem.FrameFromAddress(pa))
		pte.SetFlags(flags | FlagPresent)
		if a == last {
			return nil
		}
	}
}

// MapNew backs npages starting at the page-aligned va with freshly allocated
// zeroed frames. Nothing stays mapped when an allocation fails.
func (as *AddressSpace) MapNew(cpu int, va uintptr, npages int, flags PageTableEntryFlag) error {
	if !mem.Aligned(va) {
		util.Panic(module, "uvmalloc: unaligned address %#x", va)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	for i := 0; i < npages; i++ {
		a := va + uintptr(i)*mem.PageSize
		pa, err := as.frames.Alloc(cpu)
		if err != nil {
			as.unmapLocked(cpu, va, i, true)
			return ErrNoMemory
		}
		clear(as.frames.Page(pa))

		if err := as.mapLocked(a, mem.PageSize, pa, flags); err != nil {
			as.frames.Free(cpu, pa)
			as.unmapLocked(cpu, va, i, true)
			return err
		}
	}
	return nil
}

// Unmap removes the translations of npages starting at the page-aligned va,
// skipping pages that were never mapped. With free set the frames lose the
// reference held by the mapping.
func (as *AddressSpace) Unmap(cpu int, va uintptr, npages int, free bool) {
	if !mem.Aligned(va) {
		util.Panic(module, "uvmunmap: not aligned: %#x", va)
	}

	as.lock.Acquire()
	defer as.lock.Release()
	as.unmapLocked(cpu, va, npages, free)
}

func (as *AddressSpace) unmapLocked(cpu int, va uintptr, npages int, free bool) {
	end := va + uintptr(npages)*mem.PageSize
	for _, a := range as.pt.present(va, end) {
		pte := as.pt.walk(a, false)
		if free {
			as.frames.Free(cpu, pte.Frame().Address())
		}
		as.pt.remove(a)
	}
}

// Lookup returns the physical address backing the user page containing va.
func (as *AddressSpace) Lookup(va uintptr) (uintptr, bool) {
	if va >= MaxVA {
		return 0, false
	}

	as.lock.Acquire()
	defer as.lock.Release()

	pte := as.pt.walk(va, false)
	if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible) {
		return 0, false
	}
	return pte.Frame().Address(), true
}

// Entry returns the frame address and flags of the page containing va.
func (as *AddressSpace) Entry(va uintptr) (uintptr, PageTableEntryFlag, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	pte := as.pt.walk(va, false)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return 0, 0, false
	}
	return pte.Frame().Address(), pte.Flags(), true
}

// Mapped reports whether any page of [va, va+length) is still mapped. An
// mmap region can be released once this turns false.
func (as *AddressSpace) Mapped(va, length uintptr) bool {
	as.lock.Acquire()
	defer as.lock.Release()

	mapped := false
	as.pt.visit(mem.PageRoundDown(va), va+length, func(_ uintptr, pte *pageTableEntry) bool {
		mapped = pte.HasFlags(FlagPresent)
		return !mapped
	})
	return mapped
}

// Len returns the number of mapped pages.
func (as *AddressSpace) Len() int {
	as.lock.Acquire()
	defer as.lock.Release()
	return len(as.pt.present(0, MaxVA))
}

// Fork returns a copy of the address space that shares every frame with it.
// Writable pages become copy-on-write in both spaces.
func (as *AddressSpace) Fork() *AddressSpace {
	child := NewAddressSpace(as.frames)

	as.lock.Acquire()
	defer as.lock.Release()

	as.pt.visit(0, MaxVA, func(va uintptr, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return true
		}
		if pte.HasFlags(FlagRW) {
			pte.ClearFlags(FlagRW)
			pte.SetFlags(FlagCopyOnWrite)
		}

		as.frames.IncRef(pte.Frame().Address())
		*child.pt.walk(va, true) = *pte
		return true
	})
	return child
}

// Free unmaps every page and drops the references the mappings held.
func (as *AddressSpace) Free(cpu int) {
	as.lock.Acquire()
	defer as.lock.Release()
	as.unmapLocked(cpu, 0, int(MaxVA/mem.PageSize), true)
}
