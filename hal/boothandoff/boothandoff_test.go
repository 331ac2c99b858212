package boothandoff

import (
	"testing"
	"unsafe"

	"github.com/coreforge/kernel/mem"
)

func TestSlotBaseCanonical(t *testing.T) {
	for _, slot := range []Slot{PhysMirrorSlot, KernelImageSlot, KernelStackSlot, RamdiskSlot, FramebufferSlot, FreeFrameStackSlot, IdentityWindowSlot, RecursiveSlot} {
		addr := SlotBase(slot)
		if !addr.Canonical(mem.FourLevelPaging) {
			t.Errorf("slot %#o produced non-canonical address %#x", slot, uint64(addr))
		}
	}
}

func TestSlotBaseOrdering(t *testing.T) {
	if SlotBase(KernelImageSlot) == SlotBase(RamdiskSlot) {
		t.Error("expected distinct slots to produce distinct bases")
	}
	// The recursive slot (0o777) is the highest slot index and must sign
	// extend to a negative (high-half) canonical address.
	if uint64(SlotBase(RecursiveSlot))>>63 != 1 {
		t.Error("expected the recursive slot's base to be in the high half of the address space")
	}
}

func TestFreeFrames(t *testing.T) {
	defer func(orig func(uintptr) unsafe.Pointer) { ptrFn = orig }(ptrFn)

	var region [8 + 3*8]byte
	*(*uint64)(unsafe.Pointer(&region[0])) = 3
	*(*uint64)(unsafe.Pointer(&region[8])) = 0x1000
	*(*uint64)(unsafe.Pointer(&region[16])) = 0x2000
	*(*uint64)(unsafe.Pointer(&region[24])) = 0x3000

	base := uintptr(unsafe.Pointer(&region[0]))
	slotBase := uintptr(SlotBase(FreeFrameStackSlot))
	ptrFn = func(addr uintptr) unsafe.Pointer {
		return unsafe.Pointer(base + (addr - slotBase))
	}

	if got := FreeFrameStackDepth(); got != 3 {
		t.Fatalf("expected depth 3; got %d", got)
	}

	frames := FreeFrames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames; got %d", len(frames))
	}
	for i, exp := range []mem.PhysicalAddress{0x1000, 0x2000, 0x3000} {
		if frames[i] != exp {
			t.Errorf("frame %d: expected %#x; got %#x", i, uint64(exp), uint64(frames[i]))
		}
	}
}
