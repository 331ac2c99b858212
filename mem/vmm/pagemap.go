// Package vmm implements the virtual memory manager: a page-table editor
// over the x86-64 4-level (optionally 5-level) paging hierarchy, addressed
// through the recursive self-mapping installed by the boot handoff at oct
// slot 0o777 (see the recursive address derivation below).
package vmm

import (
	"unsafe"

	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/cpu"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
)

const (
	// recursiveSlot is the top-level table index (oct 0o777) whose entry
	// points back at the top-level table itself, per the boot handoff
	// layout in spec §6.
	recursiveSlot = 0o777

	entryBits  = 9
	entrySize  = 8
	entryCount = 1 << entryBits
)

var (
	// flushTLBEntryFn, switchPDTFn and memsetFn are indirections so
	// tests can run without faulting on privileged instructions.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	memsetFn        = mem.Memset

	// ptePtrFn resolves a recursively-computed entry address to the
	// pointer the CPU would actually dereference. It is a passthrough in
	// production; tests substitute it to redirect reads into plain Go
	// arrays standing in for each table level, since a test binary has no
	// real recursive page-table mapping to walk.
	ptePtrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

	errNoHugePageSupport = kernel.NewError("vmm", kernel.InvalidData, "huge pages are not supported at this level")

	// ErrInvalidMapping is returned by Unmap/Translate when no mapping
	// exists for the requested address.
	ErrInvalidMapping = kernel.NewError("vmm", kernel.InvalidData, "no mapping exists for this address")

	// ErrMappingExists is returned by Map when the target entry already
	// carries FlagPresent, so a second mapping request cannot silently
	// replace it.
	ErrMappingExists = kernel.NewError("vmm", kernel.InvalidData, "a mapping already exists for this address")

	// errMisalignedMapping is returned by the 2MiB/1GiB entry points when
	// either address is not aligned to the requested huge-page size.
	errMisalignedMapping = kernel.NewError("vmm", kernel.UnalignedAddress, "physical or virtual address is not aligned to the requested page size")
)

// FrameAllocatorFn allocates a single physical frame, used to create
// intermediate page tables on demand.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameDeallocatorFn releases a single physical frame back to the
// allocator it came from; the dual of FrameAllocatorFn. Unmap passes nil
// when the caller wants the mapping torn down without releasing the frame
// (e.g. a scratch alias over a frame that remains in use elsewhere).
type FrameDeallocatorFn func(pmm.Frame)

// HugePageSize2MiB and HugePageSize1GiB are the granularities
// map_pages_offset_2MiB and map_pages_offset_1GiB operate on.
const (
	HugePageSize2MiB = mem.Size(2) * mem.Mb
	HugePageSize1GiB = mem.Size(1) * mem.Gb
)

// PageMap edits a page-table hierarchy rooted at a physical frame. Reads and
// writes of table contents go through the recursive self-mapping rather than
// a temporary mapping, so PageMap only ever edits the currently active
// hierarchy (the one CR3 points to); editing an inactive hierarchy requires
// first activating it.
type PageMap struct {
	rootFrame pmm.Frame
	levels    mem.PagingLevels
}

// NewPageMap describes the page table hierarchy rooted at rootFrame with the
// given number of paging levels. The recursive self-map at slot 0o777 is
// assumed to already be installed in that hierarchy by the boot handoff.
func NewPageMap(rootFrame pmm.Frame, levels mem.PagingLevels) PageMap {
	return PageMap{rootFrame: rootFrame, levels: levels}
}

// Activate installs this hierarchy as the active one and flushes the TLB.
func (m PageMap) Activate() {
	switchPDTFn(uintptr(m.rootFrame.Address()))
}

// indices decomposes a virtual address into its per-level table indices,
// indices[0] being the top-level (e.g. PML4) index and
// indices[levels-1] the leaf (PT) index.
func (m PageMap) indices(addr mem.LinearAddress) []uint16 {
	idx := make([]uint16, m.levels)
	for level := 0; level < int(m.levels); level++ {
		shift := uint(mem.PageShift) + entryBits*uint(int(m.levels)-1-level)
		idx[level] = uint16((uint64(addr) >> shift) & (entryCount - 1))
	}
	return idx
}

// entryAddress returns the virtual address of the page-table entry at
// targetLevel (0-indexed from the top) whose ancestor path is idx[0..targetLevel-1]
// and whose own slot within that table is idx[targetLevel], reached through
// the recursive self-map at recursiveSlot. See DESIGN.md for the derivation:
// accessing a table at depth targetLevel requires bouncing through the
// recursive slot (levels-targetLevel) times before the real ancestor indices
// take over, landing on the target table as if it were a plain data page.
func (m PageMap) entryAddress(idx []uint16, targetLevel int) mem.LinearAddress {
	levels := int(m.levels)
	var addr uint64

	for field := 0; field < levels; field++ {
		var index uint64
		if field < levels-targetLevel {
			index = recursiveSlot
		} else {
			index = uint64(idx[field-(levels-targetLevel)])
		}
		shift := uint(mem.PageShift) + entryBits*uint(levels-1-field)
		addr |= index << shift
	}
	addr += uint64(idx[targetLevel]) * entrySize

	return mem.LinearAddress(addr).SignExtend(m.levels)
}

func (m PageMap) entryPtr(idx []uint16, targetLevel int) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(uintptr(m.entryAddress(idx, targetLevel))))
}

// tableBasePtr returns a pointer to the start of the table at targetLevel
// (rather than one specific entry within it), used to zero a freshly
// allocated table.
func (m PageMap) tableBasePtr(idx []uint16, targetLevel int) unsafe.Pointer {
	addr := uintptr(m.entryAddress(idx, targetLevel)) &^ uintptr(mem.PageSize-1)
	return ptePtrFn(addr)
}

// walkFn is invoked once per level while descending towards a leaf entry.
// Returning false aborts the walk.
type walkFn func(level int, entry *pageTableEntry) bool

// walk descends the hierarchy towards addr, calling visit once per level
// (0..levels-1). visit is responsible for creating missing intermediate
// tables when it needs to continue past them.
func (m PageMap) walk(addr mem.LinearAddress, visit walkFn) {
	idx := m.indices(addr)
	for level := 0; level < int(m.levels); level++ {
		entry := m.entryPtr(idx, level)
		if !visit(level, entry) {
			return
		}
	}
}

// Map establishes a mapping from a single 4 KiB virtual page to a physical
// frame, allocating and linking any missing intermediate tables via
// allocFn. It implements map_pages_offset_4KiB for a single page; MapRange
// drives it across a contiguous run.
func (m PageMap) Map(virt mem.LinearAddress, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return m.mapAt(virt, frame, int(m.levels)-1, flags, allocFn)
}

// Map2MiB maps a single 2 MiB huge page, terminating the walk two levels
// above the leaf (the PD entry on 4-level paging) instead of descending
// into a PT. It implements map_pages_offset_2MiB for a single page; both
// virt and phys must be 2 MiB aligned.
func (m PageMap) Map2MiB(virt mem.LinearAddress, phys mem.PhysicalAddress, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return m.mapHuge(virt, phys, HugePageSize2MiB, int(m.levels)-2, flags, allocFn)
}

// Map1GiB maps a single 1 GiB huge page, terminating the walk three levels
// above the leaf (the PDPT entry on 4-level paging). It implements
// map_pages_offset_1GiB for a single page; both virt and phys must be
// 1 GiB aligned.
func (m PageMap) Map1GiB(virt mem.LinearAddress, phys mem.PhysicalAddress, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return m.mapHuge(virt, phys, HugePageSize1GiB, int(m.levels)-3, flags, allocFn)
}

// mapHuge validates alignment of virt/phys to pageSize and installs a
// FlagHugePage leaf at targetLevel. Paging hierarchies too shallow for the
// requested granularity (targetLevel < 0) report errNoHugePageSupport.
func (m PageMap) mapHuge(virt mem.LinearAddress, phys mem.PhysicalAddress, pageSize mem.Size, targetLevel int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	if targetLevel < 0 {
		return errNoHugePageSupport
	}
	if uint64(virt)%uint64(pageSize) != 0 || uint64(phys)%uint64(pageSize) != 0 {
		return errMisalignedMapping
	}
	return m.mapAt(virt, pmm.FrameFromAddress(phys), targetLevel, flags|FlagHugePage, allocFn)
}

// mapAt walks to targetLevel, allocating and zeroing any missing
// intermediate table along the way, then installs a present leaf entry
// there. It errors with ErrMappingExists rather than clobbering an entry
// that is already present, and with errNoHugePageSupport if it finds a
// huge-page entry blocking further descent.
func (m PageMap) mapAt(virt mem.LinearAddress, frame pmm.Frame, targetLevel int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	m.walk(virt, func(level int, entry *pageTableEntry) bool {
		if level == targetLevel {
			if entry.HasFlags(FlagPresent) {
				err = ErrMappingExists
				return false
			}
			*entry = 0
			entry.SetFrame(frame)
			entry.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(uintptr(virt))
			return false
		}

		if entry.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !entry.HasFlags(FlagPresent) {
			var tableFrame pmm.Frame
			if tableFrame, err = allocFn(); err != nil {
				return false
			}

			*entry = 0
			entry.SetFrame(tableFrame)
			entry.SetFlags(FlagPresent | FlagRW | FlagUser)

			idx := m.indices(virt)
			flushTLBEntryFn(uintptr(m.entryAddress(idx, level+1)))
			memsetFn(uintptr(m.tableBasePtr(idx, level+1)), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed by Map/Map2MiB/Map1GiB,
// whatever level it terminates at, deallocating its frame through freeFn
// (pass nil to tear the mapping down without releasing the frame, e.g. for
// a scratch alias over a frame still in use elsewhere) and then freeing,
// deallocating and clearing the parent entry of any intermediate table
// that becomes entirely empty as a result. It returns ErrInvalidMapping if
// no mapping exists along the path.
func (m PageMap) Unmap(virt mem.LinearAddress, freeFn FrameDeallocatorFn) *kernel.Error {
	return m.unmapLevel(m.indices(virt), 0, freeFn)
}

func (m PageMap) unmapLevel(idx []uint16, level int, freeFn FrameDeallocatorFn) *kernel.Error {
	entry := m.entryPtr(idx, level)
	if !entry.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	if level == int(m.levels)-1 || entry.HasFlags(FlagHugePage) {
		m.clearEntry(entry, idx, level, freeFn)
		return nil
	}

	if err := m.unmapLevel(idx, level+1, freeFn); err != nil {
		return err
	}

	if m.tableEmpty(idx, level+1) {
		m.clearEntry(entry, idx, level, freeFn)
	}

	return nil
}

// clearEntry zeroes entry, flushes its translation and, if freeFn is
// non-nil, gives the frame it pointed to back to the allocator.
func (m PageMap) clearEntry(entry *pageTableEntry, idx []uint16, level int, freeFn FrameDeallocatorFn) {
	frame := entry.Frame()
	*entry = 0
	flushTLBEntryFn(uintptr(m.entryAddress(idx, level)))
	if freeFn != nil {
		freeFn(frame)
	}
}

// tableEmpty reports whether every entry of the table at childLevel (the
// one reached by descending through idx[childLevel]'s ancestor path) is
// zero.
func (m PageMap) tableEmpty(idx []uint16, childLevel int) bool {
	table := (*[entryCount]pageTableEntry)(m.tableBasePtr(idx, childLevel))
	for i := range table {
		if table[i] != 0 {
			return false
		}
	}
	return true
}

// MapRange maps count consecutive 4 KiB pages starting at physBase to
// virtBase, ..., virtBase+(count-1)*PageSize. It implements the
// map_pages_offset_4KiB operation named in the external interfaces.
func (m PageMap) MapRange(virtBase mem.LinearAddress, physBase mem.PhysicalAddress, count int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	for i := 0; i < count; i++ {
		off := mem.LinearAddress(uintptr(i) * uintptr(mem.PageSize))
		frame := pmm.FrameFromAddress(physBase + mem.PhysicalAddress(off))
		if err := m.Map(virtBase+off, frame, flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange undoes MapRange, giving each page's frame back through freeFn
// (nil to leave the frames allocated).
func (m PageMap) UnmapRange(virtBase mem.LinearAddress, count int, freeFn FrameDeallocatorFn) *kernel.Error {
	for i := 0; i < count; i++ {
		off := mem.LinearAddress(uintptr(i) * uintptr(mem.PageSize))
		if err := m.Unmap(virtBase+off, freeFn); err != nil {
			return err
		}
	}
	return nil
}

// MapRange2MiB maps count consecutive 2 MiB huge pages starting at
// physBase to virtBase. It implements map_pages_offset_2MiB.
func (m PageMap) MapRange2MiB(virtBase mem.LinearAddress, physBase mem.PhysicalAddress, count int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	for i := 0; i < count; i++ {
		off := mem.LinearAddress(uint64(i) * uint64(HugePageSize2MiB))
		if err := m.Map2MiB(virtBase+off, physBase+mem.PhysicalAddress(off), flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// MapRange1GiB maps count consecutive 1 GiB huge pages starting at
// physBase to virtBase. It implements map_pages_offset_1GiB.
func (m PageMap) MapRange1GiB(virtBase mem.LinearAddress, physBase mem.PhysicalAddress, count int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	for i := 0; i < count; i++ {
		off := mem.LinearAddress(uint64(i) * uint64(HugePageSize1GiB))
		if err := m.Map1GiB(virtBase+off, physBase+mem.PhysicalAddress(off), flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// MapGroup implements map_pages_group_4KiB: it maps an arbitrary (possibly
// non-contiguous) set of physical frames to consecutive virtual pages
// starting at virtBase.
func (m PageMap) MapGroup(virtBase mem.LinearAddress, frames []pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	for i, frame := range frames {
		off := mem.LinearAddress(uintptr(i) * uintptr(mem.PageSize))
		if err := m.Map(virtBase+off, frame, flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// Translate returns the physical address the given virtual address
// currently resolves to.
func (m PageMap) Translate(virt mem.LinearAddress) (mem.PhysicalAddress, *kernel.Error) {
	var (
		leaf *pageTableEntry
		err  *kernel.Error
	)

	m.walk(virt, func(level int, entry *pageTableEntry) bool {
		if !entry.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == int(m.levels)-1 {
			leaf = entry
		}
		return true
	})

	if err != nil {
		return 0, err
	}
	if leaf == nil {
		return 0, ErrInvalidMapping
	}

	pageOffset := mem.PhysicalAddress(uintptr(virt) & uintptr(mem.PageSize-1))
	return leaf.Frame().Address() + pageOffset, nil
}
