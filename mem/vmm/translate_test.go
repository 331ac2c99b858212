package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
)

// TestTranslateRoundTrip exercises the testable property from the external
// interfaces: mapping then translating a virtual address returns the
// physical address (plus page offset) it was mapped to. A fakeHierarchy
// backs ptePtrFn, so Map and Translate resolve each level's entry to the
// same storage even though Map also dereferences table bases to zero them.
func TestTranslateRoundTrip(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr), origMemsetFn func(uintptr, byte, mem.Size)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
		memsetFn = origMemsetFn
	}(ptePtrFn, flushTLBEntryFn, memsetFn)

	flushTLBEntryFn = func(uintptr) {}
	memsetFn = func(uintptr, byte, mem.Size) {}
	ptePtrFn = newFakeHierarchy().ptePtr

	allocFn := func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }

	frame := pmm.Frame(456)
	m := NewPageMap(pmm.Frame(0), testLevels)

	if err := m.Map(0, frame, FlagRW, allocFn); err != nil {
		t.Fatal(err)
	}

	phys, err := m.Translate(0x123)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := frame.Address() + mem.PhysicalAddress(0x123)
	if phys != expected {
		t.Fatalf("expected translate to return %#x; got %#x", uint64(expected), uint64(phys))
	}
}

func TestTranslateUnmapped(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var physPages [testLevels][mem.PageSize / 8]pageTableEntry

	pteCallCount := 0
	ptePtrFn = func(uintptr) unsafe.Pointer {
		level := pteCallCount % testLevels
		pteCallCount++
		return unsafe.Pointer(&physPages[level][0])
	}

	m := NewPageMap(pmm.Frame(0), testLevels)
	if _, err := m.Translate(0); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}
