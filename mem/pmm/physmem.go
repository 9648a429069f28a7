package pmm

import (
	"fmt"

	"github.com/jobala/kcore/mem"
	"github.com/jobala/kcore/util"
	"golang.org/x/sys/unix"
)

// PhysMem is the simulated RAM: an anonymous mapping addressed by physical
// addresses starting at mem.KernBase.
type PhysMem struct {
	base  uintptr
	bytes []byte
}

// NewPhysMem maps npages of zeroed memory.
func NewPhysMem(npages int) (*PhysMem, error) {
	if npages <= 0 {
		return nil, util.NewError(module, fmt.Sprintf("invalid physical memory size: %d pages", npages))
	}

	// mmap keeps every page aligned to the host page size
	bytes, err := unix.Mmap(-1,
		0,
		npages*int(mem.PageSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, util.Wrap(module, "failed to map physical memory", err)
	}

	return &PhysMem{base: mem.KernBase, bytes: bytes}, nil
}

// Base returns the first physical address.
func (pm *PhysMem) Base() uintptr {
	return pm.base
}

// End returns the first physical address past the end of memory (PHYSTOP).
func (pm *PhysMem) End() uintptr {
	return pm.base + uintptr(len(pm.bytes))
}

// Contains reports whether pa lies inside physical memory.
func (pm *PhysMem) Contains(pa uintptr) bool {
	return pa >= pm.base && pa < pm.End()
}

// Page returns the contents of the page starting at pa.
func (pm *PhysMem) Page(pa uintptr) []byte {
	if !mem.Aligned(pa) || !pm.Contains(pa) {
		util.Panic(module, "page: bad physical address %#x", pa)
	}

	off := pa - pm.base
	return pm.bytes[off : off+mem.PageSize : off+mem.PageSize]
}

// Close unmaps physical memory. Pages handed out earlier must not be used
// afterwards.
func (pm *PhysMem) Close() error {
	if pm.bytes == nil {
		return nil
	}

	err := unix.Munmap(pm.bytes)
	pm.bytes = nil
	if err != nil {
		return util.Wrap(module, "failed to unmap physical memory", err)
	}
	return nil
}
