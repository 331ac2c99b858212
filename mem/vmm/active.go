package vmm

import (
	"sync"

	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/cpu"
	"github.com/coreforge/kernel/irq"
	"github.com/coreforge/kernel/kfmt/early"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
)

// active is the PageMap the rest of the kernel edits through the
// package-level Map/Unmap/EarlyReserveRegion helpers below. goruntime's
// sysReserve/sysMap/sysAlloc hooks run long before any call site could
// plausibly thread a PageMap value through, so they need a singleton to
// call into instead of carrying one of their own.
var (
	activeMu     sync.Mutex
	active       PageMap
	activeAlloc  FrameAllocatorFn
	reserveNext  mem.LinearAddress
	reserveLimit mem.LinearAddress

	readCR2Fn = cpu.ReadCR2
	panicFn   = kernel.Panic

	// mapTemporaryFn and unmapFn are indirections over EarlyReserveRegion
	// plus Map/Unmap so that tests can point the page fault handler's
	// scratch mapping directly at ordinary Go-allocated memory instead of
	// exercising the full page-table walk a second time.
	mapTemporaryFn = mapTemporary
	unmapFn        = Unmap

	// ReservedZeroedFrame is a single physical frame, zeroed once at Init
	// and then mapped FlagCopyOnWrite into every lazily reserved page.
	// The page fault handler clones it into a freshly allocated frame the
	// first time a task actually writes to one of those pages.
	ReservedZeroedFrame pmm.Frame
)

// SetActive installs the PageMap and frame allocator that Map, Unmap and
// EarlyReserveRegion operate on, and the virtual address range
// EarlyReserveRegion hands out bump-allocated reservations from. initflow
// calls this once the boot PageMap and PageStack exist.
func SetActive(pm PageMap, allocFn FrameAllocatorFn, regionStart, regionEnd mem.LinearAddress) {
	activeMu.Lock()
	defer activeMu.Unlock()

	active = pm
	activeAlloc = allocFn
	reserveNext = regionStart
	reserveLimit = regionEnd
}

// Map establishes virt -> frame in the active PageMap.
func Map(virt mem.LinearAddress, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return active.Map(virt, frame, flags, activeAlloc)
}

// Unmap removes the mapping for virt from the active PageMap without
// releasing its frame; callers needing the frame returned to the allocator
// should call active.Unmap directly with a FrameDeallocatorFn. This
// package-level form exists for the scratch aliases mapTemporary installs
// over a frame that is still in use elsewhere (reserveZeroedFrame,
// pageFaultHandler), which must unmap without freeing.
func Unmap(virt mem.LinearAddress) *kernel.Error {
	return active.Unmap(virt, nil)
}

// EarlyReserveRegion bump-allocates a run of virtual addresses from the
// region installed by SetActive, without mapping any physical frames
// behind it. Callers map the returned range themselves (typically lazily,
// via the FlagCopyOnWrite/ReservedZeroedFrame pattern below).
func EarlyReserveRegion(size mem.Size) (mem.LinearAddress, *kernel.Error) {
	activeMu.Lock()
	defer activeMu.Unlock()

	rounded := (uint64(size) + uint64(mem.PageSize) - 1) &^ (uint64(mem.PageSize) - 1)

	start := reserveNext
	if mem.LinearAddress(uintptr(start)+uintptr(rounded)) > reserveLimit {
		return 0, kernel.NewError("vmm", kernel.OutOfResources, "early reservation region exhausted")
	}

	reserveNext = mem.LinearAddress(uintptr(start) + uintptr(rounded))
	return start, nil
}

// mapTemporary reserves a single page of virtual address space and maps
// frame into it RW, for code that needs to read or write a frame's
// contents without it being mapped anywhere else.
func mapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	virt, err := EarlyReserveRegion(mem.PageSize)
	if err != nil {
		return 0, err
	}
	if err := Map(virt, frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}
	return PageFromAddress(virt), nil
}

// reserveZeroedFrame allocates and zeroes ReservedZeroedFrame. It is called
// once from Init, before the frame is ever mapped CoW into a page table, so
// there is no concurrent reader to race against.
func reserveZeroedFrame() *kernel.Error {
	frame, err := activeAlloc()
	if err != nil {
		return err
	}

	tmpPage, err := mapTemporaryFn(frame)
	if err != nil {
		return err
	}
	memsetFn(uintptr(tmpPage.Address()), 0, mem.PageSize)
	if err := unmapFn(tmpPage.Address()); err != nil {
		return err
	}

	ReservedZeroedFrame = frame
	return nil
}

// pageFaultHandler implements copy-on-write for pages mapped with
// FlagCopyOnWrite: the first write to such a page allocates a real frame,
// copies the faulting page's contents into it, and re-maps the page FlagRW
// with the CoW flag cleared. Any other fault is unrecoverable.
func pageFaultHandler(_ irq.Vector, errorCode uint64, regs *irq.Registers, frame *irq.Frame) {
	faultAddress := mem.LinearAddress(uintptr(readCR2Fn()))
	faultPage := PageFromAddress(faultAddress)

	var pageEntry *pageTableEntry
	active.walk(faultAddress, func(level int, entry *pageTableEntry) bool {
		present := entry.HasFlags(FlagPresent)
		if level == int(active.levels)-1 && present {
			pageEntry = entry
		}
		return present
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		copyFrame, err := activeAlloc()
		if err == nil {
			var tmpPage Page
			if tmpPage, err = mapTemporaryFn(copyFrame); err == nil {
				mem.Memcopy(uintptr(tmpPage.Address()), uintptr(faultPage.Address()), mem.PageSize)
				unmapFn(tmpPage.Address())

				pageEntry.ClearFlags(FlagCopyOnWrite)
				pageEntry.SetFlags(FlagPresent | FlagRW)
				pageEntry.SetFrame(copyFrame)
				flushTLBEntryFn(uintptr(faultPage.Address()))
				return
			}
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, regs, frame)
}

func nonRecoverablePageFault(faultAddress mem.LinearAddress, errorCode uint64, regs *irq.Registers, frame *irq.Frame) {
	early.Printf("\npage fault while accessing address: 0x%x\nreason: ", uintptr(faultAddress))
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("page fault in user mode")
	case 8:
		early.Printf("page table has reserved bit set")
	case 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}
	early.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()

	panicFn(kernel.NewError("vmm", kernel.InvalidData, "unrecoverable page fault"))
}

func generalProtectionFaultHandler(_ irq.Vector, _ uint64, regs *irq.Registers, frame *irq.Frame) {
	early.Printf("\ngeneral protection fault at address: 0x%x\n", uintptr(readCR2Fn()))
	regs.Print()
	frame.Print()
	panicFn(kernel.NewError("vmm", kernel.InvalidData, "general protection fault"))
}

// Init installs the page-fault and general-protection-fault handlers and
// reserves the shared zero frame. It must run after SetActive.
func Init() *kernel.Error {
	if err := reserveZeroedFrame(); err != nil {
		return err
	}
	irq.HandleException(irq.PageFaultException, pageFaultHandler)
	irq.HandleException(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
