// Package mem defines the page geometry shared by the physical and virtual
// memory managers.
package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernBase is the physical address where RAM starts; the kernel image is
	// loaded there.
	KernBase = uintptr(0x80000000)
)

// Frame describes a physical memory page index.
type Frame uintptr

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing physAddr. Unaligned
// addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// PageRoundUp rounds addr up to a page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to a page boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// Aligned reports whether addr sits on a page boundary.
func Aligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}
