// Package boothandoff provides a typed read-only view over the fixed
// oct-slot PML4 layout a higher-half bootloader stub installs before
// jumping into Go code, replacing the teacher's multiboot2 tag-header
// parser with the same "typed accessor over a memory blob" shape.
package boothandoff

import (
	"unsafe"

	"github.com/coreforge/kernel/mem"
)

// Slot identifies one of the fixed PML4 entries the boot stub installs.
type Slot uint16

// Fixed oct-slot assignment, per the boot handoff contract.
const (
	PhysMirrorSlot     Slot = 0o000
	KernelImageSlot    Slot = 0o400
	KernelStackSlot    Slot = 0o772
	RamdiskSlot        Slot = 0o773
	FramebufferSlot    Slot = 0o774
	FreeFrameStackSlot Slot = 0o775
	IdentityWindowSlot Slot = 0o776
	RecursiveSlot      Slot = 0o777
)

// ptrFn resolves a linear address to the pointer the CPU would actually
// dereference. Passthrough in production; tests substitute it to redirect
// reads into a plain byte buffer standing in for boot-handed-off memory.
var ptrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

// SlotBase returns the canonical linear address of the given PML4 slot,
// i.e. the base of the 512 GiB region that slot's entry covers.
func SlotBase(slot Slot) mem.LinearAddress {
	const pml4Shift = mem.PageShift + 9*3
	return mem.LinearAddress(uint64(slot) << pml4Shift).SignExtend(mem.FourLevelPaging)
}

// FramebufferInfo describes the framebuffer the boot stub initialized,
// mirroring the teacher's multiboot FramebufferInfo tag.
type FramebufferInfo struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

// Framebuffer returns the framebuffer descriptor installed at the
// framebuffer slot.
func Framebuffer() *FramebufferInfo {
	return (*FramebufferInfo)(ptrFn(uintptr(SlotBase(FramebufferSlot))))
}

// FreeFrameStackDepth returns the number of physical addresses currently
// held in the free-frame stack slot's first word.
func FreeFrameStackDepth() uint64 {
	return *(*uint64)(ptrFn(uintptr(SlotBase(FreeFrameStackSlot))))
}

// FreeFrames returns the free physical frame addresses recorded in the
// free-frame stack slot, in the order PageStack.Init should push them.
func FreeFrames() []mem.PhysicalAddress {
	depth := FreeFrameStackDepth()
	base := uintptr(SlotBase(FreeFrameStackSlot)) + 8

	frames := make([]mem.PhysicalAddress, depth)
	for i := uint64(0); i < depth; i++ {
		frames[i] = *(*mem.PhysicalAddress)(ptrFn(base + uintptr(i)*8))
	}
	return frames
}

// KernelImageBounds returns the linear addresses of the start and end of
// the kernel image, as mapped at KernelImageSlot. The boot stub records
// the image size (in bytes) as the first word of the slot.
func KernelImageBounds() (start, end mem.LinearAddress) {
	base := SlotBase(KernelImageSlot)
	size := *(*uint64)(ptrFn(uintptr(base)))
	return base + mem.LinearAddress(mem.PageSize), base + mem.LinearAddress(mem.PageSize) + mem.LinearAddress(size)
}
