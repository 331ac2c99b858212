// Package heap implements the kernel's slab/buddy-hybrid allocator: a single
// 1 GiB virtual region split into power-of-two size classes, with page
// frames demand-mapped at first use of each 4 KiB sub-region and given back
// on deallocation of a page-granular block.
package heap

import (
	"unsafe"

	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
	"github.com/coreforge/kernel/mem/vmm"
	"github.com/coreforge/kernel/sync"
)

// pageMapper is the narrow slice of vmm.PageMap that SlabHeap needs to
// demand-map and unmap backing frames. Defined as an interface (rather than
// depending on vmm.PageMap directly) so tests can exercise the size-class
// and coalescing logic without a real recursively-mapped page hierarchy.
type pageMapper interface {
	Map(virt mem.LinearAddress, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn) *kernel.Error
	Unmap(virt mem.LinearAddress, freeFn vmm.FrameDeallocatorFn) *kernel.Error
}

const (
	// minClass is class 0, holding 2^(0+4) = 16 byte blocks.
	minClass = 0

	// maxClass is class 26, holding 2^(26+4) = 1 GiB blocks — a single
	// block of this class spans the entire managed region.
	maxClass = 26

	classCount = maxClass + 1

	// RegionSize is the total size of the region a SlabHeap manages.
	RegionSize = mem.Size(1) << (maxClass + 4)

	pageCount = int(RegionSize / mem.PageSize)

	// noOffset marks an empty free list for a class.
	noOffset = ^uint64(0)
)

var (
	// blockPtrFn resolves a free block's linear address to the pointer
	// the CPU would dereference to read/write its in-band next-pointer
	// header. Passthrough in production; tests substitute it to redirect
	// into a plain Go byte array standing in for the managed region.
	blockPtrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

	errClassTooLarge = kernel.NewError("heap", kernel.OutOfResources, "requested size exceeds the largest slab class")
)

// Layout describes the size and alignment of a requested allocation, as
// named by the allocate/deallocate operations.
type Layout struct {
	Size  mem.Size
	Align mem.Size
}

// SlabHeap is a power-of-two size-classed allocator over a fixed-size
// virtual region. The region starts out entirely unmapped; SlabHeap demand
// maps backing frames the first time each 4 KiB sub-region is touched by an
// allocation, and unmaps them once a page-granular block (class >= 8, i.e.
// size >= 4 KiB) is freed.
type SlabHeap struct {
	lock    sync.Spinlock
	pageMap pageMapper
	allocFn vmm.FrameAllocatorFn
	freeFn  vmm.FrameDeallocatorFn
	base    mem.LinearAddress

	freeHead [classCount]uint64
	mapped   [pageCount / 8]byte
}

// Init prepares the heap to manage RegionSize bytes of virtual address
// space starting at base, initially as a single free class-26 block. The
// underlying range must not be mapped by anything else; pageMap is used to
// install per-page mappings on demand, allocFn to source the physical
// frames for them, and freeFn to give a page-granular block's frames back
// on Deallocate.
func (h *SlabHeap) Init(pageMap pageMapper, allocFn vmm.FrameAllocatorFn, freeFn vmm.FrameDeallocatorFn, base mem.LinearAddress) {
	h.pageMap = pageMap
	h.allocFn = allocFn
	h.freeFn = freeFn
	h.base = base

	for class := range h.freeHead {
		h.freeHead[class] = noOffset
	}
	h.freeHead[maxClass] = 0
	for i := range h.mapped {
		h.mapped[i] = 0
	}
}

// Allocate reserves a block satisfying layout, splitting down from the
// smallest larger non-empty class when the target class's free list is
// empty.
func (h *SlabHeap) Allocate(layout Layout) (mem.LinearAddress, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	class, err := sizeClass(layout)
	if err != nil {
		return 0, err
	}

	off, ok := h.popFree(class)
	if !ok {
		src := class + 1
		for src <= maxClass && h.freeHead[src] == noOffset {
			src++
		}
		if src > maxClass {
			return 0, kernel.NewError("heap", kernel.OutOfResources, "no free block large enough in any slab class")
		}

		parentOff, _ := h.popFree(src)
		for level := src; level > class; level-- {
			buddyOff := parentOff + uint64(classSize(level-1))
			h.pushFree(level-1, buddyOff)
		}
		off = parentOff
	}

	addr := h.base + mem.LinearAddress(off)
	if err := h.ensureMapped(addr, classSize(class)); err != nil {
		h.pushFree(class, off)
		return 0, err
	}

	return addr, nil
}

// Deallocate returns a block previously returned by Allocate to its class's
// free list, coalescing with its buddy while the buddy is also free, then
// unmaps any page-granular block that results.
func (h *SlabHeap) Deallocate(ptr mem.LinearAddress, layout Layout) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	class, err := sizeClass(layout)
	if err != nil {
		return err
	}

	off := uint64(ptr - h.base)
	for class < maxClass {
		buddyOff := off ^ uint64(classSize(class))
		if !h.removeFree(class, buddyOff) {
			break
		}
		if buddyOff < off {
			off = buddyOff
		}
		class++
	}
	h.pushFree(class, off)

	h.maybeUnmap(h.base+mem.LinearAddress(off), classSize(class))
	return nil
}

func sizeClass(layout Layout) (int, *kernel.Error) {
	need := layout.Size
	if layout.Align > need {
		need = layout.Align
	}
	if need == 0 {
		need = 1
	}

	class := ceilLog2(uint64(need)) - 4
	if class < minClass {
		class = minClass
	}
	if class > maxClass {
		return 0, errClassTooLarge
	}
	return class, nil
}

func classSize(class int) mem.Size {
	return mem.Size(1) << uint(class+4)
}

func ceilLog2(v uint64) int {
	if v <= 1 {
		return 0
	}
	n := 0
	v--
	for v > 0 {
		v >>= 1
		n++
	}
	return n
}

func (h *SlabHeap) popFree(class int) (uint64, bool) {
	off := h.freeHead[class]
	if off == noOffset {
		return 0, false
	}
	h.freeHead[class] = h.readNext(off)
	return off, true
}

func (h *SlabHeap) pushFree(class int, off uint64) {
	h.writeNext(off, h.freeHead[class])
	h.freeHead[class] = off
}

// removeFree unlinks the node at target from class's free list, if present.
func (h *SlabHeap) removeFree(class int, target uint64) bool {
	cur := h.freeHead[class]
	if cur == noOffset {
		return false
	}
	if cur == target {
		h.freeHead[class] = h.readNext(cur)
		return true
	}
	for cur != noOffset {
		next := h.readNext(cur)
		if next == target {
			h.writeNext(cur, h.readNext(next))
			return true
		}
		cur = next
	}
	return false
}

func (h *SlabHeap) readNext(off uint64) uint64 {
	return *(*uint64)(blockPtrFn(uintptr(h.base) + uintptr(off)))
}

func (h *SlabHeap) writeNext(off, next uint64) {
	*(*uint64)(blockPtrFn(uintptr(h.base) + uintptr(off))) = next
}

func (h *SlabHeap) ensureMapped(addr mem.LinearAddress, size mem.Size) *kernel.Error {
	start := addr &^ mem.LinearAddress(mem.PageSize-1)
	end := addr + mem.LinearAddress(size)

	for p := start; p < end; p += mem.LinearAddress(mem.PageSize) {
		idx := h.pageIndex(p)
		if h.bitSet(idx) {
			continue
		}

		frame, err := h.allocFn()
		if err != nil {
			return err
		}
		if err := h.pageMap.Map(p, frame, vmm.FlagRW, h.allocFn); err != nil {
			return err
		}
		h.setBit(idx)
	}
	return nil
}

func (h *SlabHeap) maybeUnmap(addr mem.LinearAddress, size mem.Size) {
	if size < mem.PageSize {
		return
	}
	for off := mem.Size(0); off < size; off += mem.PageSize {
		pageAddr := addr + mem.LinearAddress(off)
		idx := h.pageIndex(pageAddr)
		if h.bitSet(idx) {
			h.pageMap.Unmap(pageAddr, h.freeFn)
			h.clearBit(idx)
		}
	}
}

func (h *SlabHeap) pageIndex(addr mem.LinearAddress) int {
	return int((addr - h.base) / mem.LinearAddress(mem.PageSize))
}

func (h *SlabHeap) bitSet(idx int) bool { return h.mapped[idx/8]&(1<<uint(idx%8)) != 0 }
func (h *SlabHeap) setBit(idx int)      { h.mapped[idx/8] |= 1 << uint(idx%8) }
func (h *SlabHeap) clearBit(idx int)    { h.mapped[idx/8] &^= 1 << uint(idx%8) }

// Heap0 is the kernel's single general-purpose heap instance, covering the
// 1 GiB region at the virtual base InitFlow installs it at.
var Heap0 SlabHeap
