package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
)

const testLevels = 4

// fakeHierarchy backs ptePtrFn with a lazily-populated set of page-sized
// tables keyed by their own (masked) address, so a walk exercises real
// index-based addressing instead of a fixed call-count sequence: the same
// recursively-computed address always resolves to the same backing entry,
// regardless of how many times or in what order it is touched.
type fakeHierarchy struct {
	pages map[uintptr]*[entryCount]pageTableEntry
}

func newFakeHierarchy() *fakeHierarchy {
	return &fakeHierarchy{pages: map[uintptr]*[entryCount]pageTableEntry{}}
}

func (f *fakeHierarchy) ptePtr(addr uintptr) unsafe.Pointer {
	base := addr &^ uintptr(mem.PageSize-1)
	page, ok := f.pages[base]
	if !ok {
		page = &[entryCount]pageTableEntry{}
		f.pages[base] = page
	}
	idx := (addr - base) / entrySize
	return unsafe.Pointer(&page[idx])
}

func (f *fakeHierarchy) entryAt(m PageMap, idx []uint16, level int) pageTableEntry {
	return *(*pageTableEntry)(f.ptePtr(uintptr(m.entryAddress(idx, level))))
}

func incrementingAllocator() FrameAllocatorFn {
	next := pmm.Frame(0)
	return func() (pmm.Frame, *kernel.Error) {
		next++
		return next, nil
	}
}

func requireAmd64(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}
}

func withFakeHierarchy(t *testing.T) *fakeHierarchy {
	t.Helper()

	origPtePtr, origFlush, origMemset := ptePtrFn, flushTLBEntryFn, memsetFn
	t.Cleanup(func() {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlush
		memsetFn = origMemset
	})

	h := newFakeHierarchy()
	ptePtrFn = h.ptePtr
	flushTLBEntryFn = func(uintptr) {}
	memsetFn = func(uintptr, byte, mem.Size) {}
	return h
}

func TestMapAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }
	memsetCount := 0
	memsetFn = func(uintptr, byte, mem.Size) { memsetCount++ }

	m := NewPageMap(pmm.Frame(0), testLevels)
	frame := pmm.Frame(123)
	virt := mem.LinearAddress(0)

	if err := m.Map(virt, frame, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	idx := m.indices(virt)
	for level := 0; level < testLevels; level++ {
		entry := h.entryAt(m, idx, level)
		if !entry.HasFlags(FlagPresent) {
			t.Errorf("[level %d] expected entry to be present", level)
		}

		if level == testLevels-1 {
			if got := entry.Frame(); got != frame {
				t.Errorf("[level %d] expected leaf frame %v; got %v", level, frame, got)
			}
		} else if !entry.HasFlags(FlagRW) {
			t.Errorf("[level %d] expected intermediate entry to carry FlagRW", level)
		}
	}

	if flushCount == 0 {
		t.Error("expected at least one TLB flush")
	}
	if memsetCount != testLevels-1 {
		t.Errorf("expected %d new tables to be zeroed; got %d", testLevels-1, memsetCount)
	}
}

func TestMapHugePageErrorAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virt := mem.LinearAddress(0)
	idx := m.indices(virt)

	top := (*pageTableEntry)(h.ptePtr(uintptr(m.entryAddress(idx, 0))))
	top.SetFlags(FlagPresent | FlagHugePage)

	if err := m.Map(virt, pmm.Frame(1), FlagRW, nil); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport; got %v", err)
	}
}

// TestMapCollisionAmd64 asserts that Map refuses to replace an existing
// leaf mapping instead of clobbering it.
func TestMapCollisionAmd64(t *testing.T) {
	requireAmd64(t)
	withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virt := mem.LinearAddress(0)
	existing := pmm.Frame(77)

	if err := m.Map(virt, existing, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}
	if err := m.Map(virt, pmm.Frame(999), FlagRW, incrementingAllocator()); err != ErrMappingExists {
		t.Fatalf("expected ErrMappingExists; got %v", err)
	}

	idx := m.indices(virt)
	if got := (*pageTableEntry)(ptePtrFn(uintptr(m.entryAddress(idx, testLevels-1)))).Frame(); got != existing {
		t.Errorf("expected the existing mapping to survive the collision; got frame %v", got)
	}
}

// TestMapUnmapRoundTripAmd64 covers the map-then-unmap invariant: after
// Unmap, every entry the Map call touched must be back to its pre-map
// (zero) state, and one frame per level must have been handed to freeFn.
func TestMapUnmapRoundTripAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virt := mem.LinearAddress(0)
	leafFrame := pmm.Frame(999)

	if err := m.Map(virt, leafFrame, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	var freed []pmm.Frame
	if err := m.Unmap(virt, func(f pmm.Frame) { freed = append(freed, f) }); err != nil {
		t.Fatal(err)
	}

	idx := m.indices(virt)
	for level := 0; level < testLevels; level++ {
		if entry := h.entryAt(m, idx, level); entry != 0 {
			t.Errorf("[level %d] expected entry to be fully cleared after unmap; got %#x", level, uint64(entry))
		}
	}
	if len(freed) != testLevels {
		t.Fatalf("expected %d frames freed (leaf plus every now-empty table); got %d", testLevels, len(freed))
	}
	if freed[0] != leafFrame {
		t.Errorf("expected the leaf frame to be freed first; got %v", freed[0])
	}
}

// TestUnmapNilFreeFnAmd64 covers the scratch-alias case: the entry is still
// cleared, but no frame is ever handed to an allocator.
func TestUnmapNilFreeFnAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virt := mem.LinearAddress(0)

	if err := m.Map(virt, pmm.Frame(123), FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(virt, nil); err != nil {
		t.Fatal(err)
	}

	idx := m.indices(virt)
	if entry := h.entryAt(m, idx, testLevels-1); entry != 0 {
		t.Error("expected leaf entry to be cleared even without a freeFn")
	}
}

func TestUnmapErrorsAmd64(t *testing.T) {
	requireAmd64(t)
	withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	if err := m.Unmap(0, nil); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

// TestMap2MiBAmd64 and TestMap1GiBAmd64 exercise map_pages_offset_2MiB and
// map_pages_offset_1GiB: a huge-page entry two (resp. three) levels above
// the 4 KiB leaf, carrying the requested physical payload directly instead
// of pointing at a further table.
func TestMap2MiBAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virt := mem.LinearAddress(uint64(HugePageSize2MiB))
	phys := mem.PhysicalAddress(uint64(HugePageSize2MiB) * 3)

	if err := m.Map2MiB(virt, phys, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	idx := m.indices(virt)
	entry := h.entryAt(m, idx, testLevels-2)
	if !entry.HasFlags(FlagPresent | FlagHugePage) {
		t.Error("expected a present FlagHugePage entry at the 2 MiB level")
	}
	if got := entry.Frame().Address(); got != phys {
		t.Errorf("expected physical payload %#x; got %#x", uint64(phys), uint64(got))
	}
}

func TestMap2MiBMisalignedAmd64(t *testing.T) {
	requireAmd64(t)
	withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	if err := m.Map2MiB(mem.LinearAddress(mem.PageSize), 0, FlagRW, nil); err != errMisalignedMapping {
		t.Fatalf("expected errMisalignedMapping; got %v", err)
	}
}

func TestMap1GiBAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virt := mem.LinearAddress(uint64(HugePageSize1GiB))
	phys := mem.PhysicalAddress(uint64(HugePageSize1GiB) * 2)

	if err := m.Map1GiB(virt, phys, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	idx := m.indices(virt)
	entry := h.entryAt(m, idx, testLevels-3)
	if !entry.HasFlags(FlagPresent | FlagHugePage) {
		t.Error("expected a present FlagHugePage entry at the 1 GiB level")
	}
	if got := entry.Frame().Address(); got != phys {
		t.Errorf("expected physical payload %#x; got %#x", uint64(phys), uint64(got))
	}
}

func TestMap1GiBMisalignedAmd64(t *testing.T) {
	requireAmd64(t)
	withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	if err := m.Map1GiB(mem.LinearAddress(HugePageSize2MiB), 0, FlagRW, nil); err != errMisalignedMapping {
		t.Fatalf("expected errMisalignedMapping; got %v", err)
	}
}

// TestMapRangeUnmapRangeAmd64 exercises map_pages_offset_4KiB /
// unmap_pages_offset_4KiB across a contiguous multi-page run.
func TestMapRangeUnmapRangeAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	const count = 3
	virtBase := mem.LinearAddress(0)
	physBase := mem.PhysicalAddress(0x00020000)

	if err := m.MapRange(virtBase, physBase, count, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < count; i++ {
		virt := virtBase + mem.LinearAddress(uintptr(i)*uintptr(mem.PageSize))
		idx := m.indices(virt)
		entry := h.entryAt(m, idx, testLevels-1)
		if !entry.HasFlags(FlagPresent) {
			t.Errorf("[page %d] expected present", i)
		}
		wantFrame := pmm.FrameFromAddress(physBase + mem.PhysicalAddress(uintptr(i)*uintptr(mem.PageSize)))
		if got := entry.Frame(); got != wantFrame {
			t.Errorf("[page %d] expected frame %v; got %v", i, wantFrame, got)
		}
	}

	var freed []pmm.Frame
	if err := m.UnmapRange(virtBase, count, func(f pmm.Frame) { freed = append(freed, f) }); err != nil {
		t.Fatal(err)
	}
	if len(freed) < count {
		t.Errorf("expected at least %d frames freed; got %d", count, len(freed))
	}
	for i := 0; i < count; i++ {
		virt := virtBase + mem.LinearAddress(uintptr(i)*uintptr(mem.PageSize))
		idx := m.indices(virt)
		if entry := h.entryAt(m, idx, testLevels-1); entry != 0 {
			t.Errorf("[page %d] expected leaf entry cleared after UnmapRange", i)
		}
	}
}

// TestMapGroupAmd64 exercises map_pages_group_4KiB: a set of non-contiguous
// physical frames mapped to a contiguous virtual run.
func TestMapGroupAmd64(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)
	virtBase := mem.LinearAddress(0)
	frames := []pmm.Frame{pmm.Frame(500), pmm.Frame(10), pmm.Frame(7000)}

	if err := m.MapGroup(virtBase, frames, FlagRW, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	for i, frame := range frames {
		virt := virtBase + mem.LinearAddress(uintptr(i)*uintptr(mem.PageSize))
		idx := m.indices(virt)
		if got := h.entryAt(m, idx, testLevels-1).Frame(); got != frame {
			t.Errorf("[page %d] expected frame %v; got %v", i, frame, got)
		}
	}
}

// TestMapThreePagesIntoKernelImageSlot maps phys=0x00020000 as three 4 KiB
// pages into virtual slot 0o400, offset 0o001_000_000 (PML3 index 1, PML2
// index 0, PML1 index 0) and reads the resulting leaf table back: the three
// mapped entries must be present with the right physical payload, and the
// entry immediately past them must be absent.
func TestMapThreePagesIntoKernelImageSlot(t *testing.T) {
	requireAmd64(t)
	h := withFakeHierarchy(t)

	m := NewPageMap(pmm.Frame(0), testLevels)

	const (
		kernelImageSlot = 0o400
		pageOffset      = 0o001_000_000
	)
	virtBase := mem.LinearAddress((uint64(kernelImageSlot) << (mem.PageShift + 3*entryBits)) | (uint64(pageOffset) << mem.PageShift))
	physBase := mem.PhysicalAddress(0x00020000)

	if err := m.MapRange(virtBase, physBase, 3, FlagRW|FlagUser, incrementingAllocator()); err != nil {
		t.Fatal(err)
	}

	idx := m.indices(virtBase)
	leafTable := (*[entryCount]pageTableEntry)(h.ptePtr(uintptr(m.entryAddress(idx, testLevels-1)) &^ uintptr(mem.PageSize-1)))

	for i := 0; i < 3; i++ {
		if !leafTable[i].HasFlags(FlagPresent) {
			t.Errorf("expected entry %d to be present", i)
		}
		wantFrame := pmm.FrameFromAddress(physBase + mem.PhysicalAddress(uintptr(i)*uintptr(mem.PageSize)))
		if got := leafTable[i].Frame(); got != wantFrame {
			t.Errorf("entry %d: expected physical payload %v; got %v", i, wantFrame, got)
		}
	}
	if leafTable[3].HasFlags(FlagPresent) {
		t.Error("expected the entry past the mapped run to be absent")
	}
}

func TestIndices(t *testing.T) {
	m := NewPageMap(pmm.Frame(0), testLevels)

	addr := mem.LinearAddress(0o001_000_000 << mem.PageShift)
	idx := m.indices(addr)
	if len(idx) != testLevels {
		t.Fatalf("expected %d indices; got %d", testLevels, len(idx))
	}
}
