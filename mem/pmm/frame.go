// Package pmm contains the types shared by the kernel's physical memory
// frame allocator (the PageStack) and the virtual memory manager.
package pmm

import (
	"math"

	"github.com/coreforge/kernel/mem"
)

// Frame describes a physical memory page index; PageMap entries store
// frame numbers rather than full addresses since the low PageShift bits of
// a frame-aligned physical address are always zero.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address pointed to by this Frame.
func (f Frame) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(uintptr(f) << mem.PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down to the containing page if addr is not page-aligned.
func FrameFromAddress(addr mem.PhysicalAddress) Frame {
	return Frame(uintptr(addr) >> mem.PageShift)
}
