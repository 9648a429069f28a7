package vmm

import (
	"github.com/jobala/kcore/mem"
	"github.com/jobala/kcore/util"
)

// Fault handles a write fault at va. A copy-on-write page is given a private
// writable frame, or made writable in place when no other mapping shares its
// frame any more. Every other fault is an access violation; running out of
// frames yields ErrNoMemory. Either error means the process must die.
func (as *AddressSpace) Fault(cpu int, va uintptr) error {
	if va >= MaxVA {
		return ErrAccessViolation
	}

	as.lock.Acquire()
	defer as.lock.Release()
	return as.faultLocked(cpu, va)
}

func (as *AddressSpace) faultLocked(cpu int, va uintptr) error {
	pte := as.pt.walk(va, false)
	if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible|FlagCopyOnWrite) {
		return ErrAccessViolation
	}
	if pte.HasFlags(FlagRW) {
		util.Panic(module, "cow: writable copy-on-write page at %#x", va)
	}

	old := pte.Frame().Address()
	if as.frames.RefCount(old) == 1 {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagRW)
		return nil
	}

	pa, err := as.frames.Alloc(cpu)
	if err != nil {
		return ErrNoMemory
	}
	copy(as.frames.Page(pa), as.frames.Page(old))

	flags := pte.Flags()&^(FlagCopyOnWrite|FlagPresent) | FlagRW
	page := mem.PageRoundDown(va)
	as.unmapLocked(cpu, page, 1, true)
	if err := as.mapLocked(page, mem.PageSize, pa, flags); err != nil {
		util.Panic(module, "cow: remap of %#x: %v", page, err)
	}
	return nil
}

// CopyOut copies src to the user address dstva, resolving copy-on-write pages
// the way a store from user mode would.
func (as *AddressSpace) CopyOut(cpu int, dstva uintptr, src []byte) error {
	as.lock.Acquire()
	defer as.lock.Release()

	for len(src) > 0 {
		page := mem.PageRoundDown(dstva)
		if page >= MaxVA {
			return ErrAccessViolation
		}

		pte := as.pt.walk(page, false)
		if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible) {
			return ErrAccessViolation
		}
		if !pte.HasFlags(FlagRW) {
			if err := as.faultLocked(cpu, page); err != nil {
				return err
			}
			pte = as.pt.walk(page, false)
		}

		off := dstva - page
		n := copy(as.frames.Page(pte.Frame().Address())[off:], src)
		src = src[n:]
		dstva += uintptr(n)
	}
	return nil
}

// CopyIn copies len(dst) bytes from the user address srcva.
func (as *AddressSpace) CopyIn(dst []byte, srcva uintptr) error {
	as.lock.Acquire()
	defer as.lock.Release()

	for len(dst) > 0 {
		page := mem.PageRoundDown(srcva)
		if page >= MaxVA {
			return ErrAccessViolation
		}

		pte := as.pt.walk(page, false)
		if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible) {
			return ErrAccessViolation
		}

		off := srcva - page
		n := copy(dst, as.frames.Page(pte.Frame().Address())[off:])
		dst = dst[n:]
		srcva += uintptr(n)
	}
	return nil
}
