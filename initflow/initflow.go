// Package initflow sequences the kernel's boot handoff: it turns the fixed
// oct-slot PML4 layout the bootloader leaves behind into a running paging,
// segmentation, interrupt, device and scheduling story, then enables
// interrupts and falls into the idle loop. Kmain's entire job is to call
// Run.
package initflow

import (
	"unsafe"

	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/apic"
	"github.com/coreforge/kernel/cpu"
	"github.com/coreforge/kernel/driver/pic"
	"github.com/coreforge/kernel/driver/ps2"
	"github.com/coreforge/kernel/goruntime"
	"github.com/coreforge/kernel/hal/boothandoff"
	"github.com/coreforge/kernel/heap"
	"github.com/coreforge/kernel/irq"
	"github.com/coreforge/kernel/kfmt/early"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
	"github.com/coreforge/kernel/mem/vmm"
	"github.com/coreforge/kernel/ringpipe"
	"github.com/coreforge/kernel/sched"
	"github.com/coreforge/kernel/segment"
)

// identityWindowLimit bounds how much of physical memory the identity
// window (oct slot 0o776) covers; pmm.PageStack and every temporary mapping
// vmm takes out translate through it.
var identityWindowLimit = mem.PhysicalAddress(4 * mem.Gb)

// runtimeReserveSize is how much of the identity window's 512 GiB PML4 slot,
// past identityWindowLimit, the Go allocator's sysReserve/sysMap/sysAlloc
// bump region gets. The kernel slab heap (heap.Heap0) starts immediately
// after it.
var runtimeReserveSize = mem.LinearAddress(64 * mem.Mb)

const (
	picOffset1 = 0x20
	picOffset2 = 0x28

	kernelStackSize = int(3 * mem.PageSize)
	userStackSize   = int(mem.PageSize)

	pipeCapacity = 64

	// lapicSpuriousVector is an otherwise-unused vector above the PIC and
	// timer range.
	lapicSpuriousVector = 0xFF

	// lapicTimerCount is the periodic timer's reload count (~1e7);
	// startLAPIC pairs it with apic.Divide128.
	lapicTimerCount = 10_000_000
)

var (
	gdt *segment.GDT
	tss segment.TSS

	table     sched.Table
	scheduler sched.Scheduler

	inputPipe *ringpipe.Pipe[ps2.Event]
	demoPipe  *ringpipe.Pipe[byte]

	ps2Controller *ps2.Controller
	pics          *pic.PIC
	lapic         *apic.LAPIC

	// taskKernelStackTop records, per task, the top of the dedicated kernel
	// stack the scheduler points TSS.RSP0 at. Unlike Table.stacks (the
	// saved resume point within that stack), this value never changes once
	// a task is created: every future ring3->ring0 transition for that
	// task starts the trampoline fresh at the stack's top.
	taskKernelStackTop [sched.TaskCount]uintptr
)

// allocFrame adapts pmm.FrameAllocator's physical-address-returning TakeOne
// to the vmm.FrameAllocatorFn shape Map and the heap need.
func allocFrame() (pmm.Frame, *kernel.Error) {
	addr, err := pmm.FrameAllocator.TakeOne()
	if err != nil {
		return 0, err
	}
	return pmm.FrameFromAddress(addr), nil
}

// freeFrame adapts pmm.FrameAllocator's address-taking GiveOne to the
// vmm.FrameDeallocatorFn shape Unmap and the heap need.
func freeFrame(frame pmm.Frame) {
	pmm.FrameAllocator.GiveOne(frame.Address())
}

// Run executes the boot sequence: parse the memory handoff, establish the
// identity window, build and load the GDT/TSS and IDT, remap the PIC and
// mask everything but the keyboard, probe the PS/2 controller, create the
// initial tasks, program the LAPIC timer and enable interrupts. It never
// returns.
func Run() {
	pageMap, err := probeMemory()
	if err != nil {
		kernel.Panic(err)
	}
	probePCI()

	loadSegments()
	loadInterrupts()

	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}
	heap.Heap0.Init(pageMap, allocFrame, freeFrame, heapBase())

	setupPIC()
	if err := setupPS2(); err != nil {
		kernel.Panic(err)
	}

	table.Init(createInitialTasks())
	scheduler = sched.Scheduler{InputPipe: inputPipe, DemoPipe: demoPipe}
	irq.SetScheduler(scheduleNext)

	startLAPIC()

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// identityWindowBase is the linear base of the identity window slot; the Go
// runtime's reservation region and the kernel heap both live past the
// physical memory it mirrors, inside the same 512 GiB PML4 entry.
func identityWindowBase() mem.LinearAddress {
	return boothandoff.SlotBase(boothandoff.IdentityWindowSlot)
}

func runtimeReserveBase() mem.LinearAddress {
	return identityWindowBase() + mem.LinearAddress(identityWindowLimit)
}

func heapBase() mem.LinearAddress {
	return runtimeReserveBase() + runtimeReserveSize
}

// probeMemory seeds the physical frame stack from the bootloader's free
// frame handoff, builds the active page hierarchy over the page tables the
// bootloader already installed, and wires both vmm's and goruntime's
// package-level singletons to them.
func probeMemory() (vmm.PageMap, *kernel.Error) {
	window := mem.IdentityWindow{Base: identityWindowBase(), Limit: identityWindowLimit}
	pmm.FrameAllocator.Init(window, boothandoff.FreeFrames())

	pageMap := vmm.NewPageMap(pmm.FrameFromAddress(mem.PhysicalAddress(cpu.ActivePDT())), mem.FourLevelPaging)
	vmm.SetActive(pageMap, allocFrame, runtimeReserveBase(), runtimeReserveBase()+runtimeReserveSize)
	goruntime.SetFrameAllocator(allocFrame)

	if err := vmm.Init(); err != nil {
		return pageMap, err
	}
	return pageMap, nil
}

// probePCI is a placeholder: PCI enumeration has no consumer in this kernel
// (no block/network driver to hand a BAR to), so the only thing left to
// name at this boot step is that it was considered and skipped deliberately
// rather than forgotten.
func probePCI() {
	early.Printf("[initflow] pci: enumeration skipped, no bus-mastering driver in this build\n")
}

// loadSegments builds and loads the GDT/TSS. RSP0 is left at zero here;
// createInitialTasks and the scheduler closure are the only things that
// ever need to change it, once the idle task's kernel stack exists.
func loadSegments() {
	gdt = segment.New(&tss)
	gdt.Load()
}

// loadInterrupts builds and loads the IDT against the supervisor code
// selector LoadGDTR installed.
func loadInterrupts() {
	idt := irq.New(uint16(segment.SuperCodeSelector))
	idt.Load()
}

// setupPIC remaps both 8259s off the CPU exception range and masks every
// IRQ line except the keyboard's.
func setupPIC() {
	pics = pic.Remap(picOffset1, picOffset2)
	pics.SetMasks(pic.MaskAll, pic.MaskAll)
	pics.EnableIRQ(uint8(irq.KeyboardVector - irq.PICBase))
}

// setupPS2 wires the keyboard controller to its input pipe and IRQ vector.
func setupPS2() *kernel.Error {
	inputPipe = ringpipe.New(make([]ps2.Event, pipeCapacity))
	demoPipe = ringpipe.New(make([]byte, pipeCapacity))

	ps2Controller = ps2.New(inputPipe, pics)
	if err := ps2Controller.DriverInit(); err != nil {
		return err
	}
	irq.HandleDevice(irq.KeyboardVector, ps2Controller.HandleIRQ)
	return nil
}

// createInitialTasks allocates each task's dedicated kernel and user
// stacks, builds its initial IRET frame with sched.NewTaskStack, and
// records the kernel stack's top so the scheduler can keep TSS.RSP0 in
// sync with whichever task is about to run.
func createInitialTasks() (stacks [sched.TaskCount]uintptr) {
	for i := 0; i < sched.TaskCount; i++ {
		kernelStack := make([]byte, kernelStackSize)
		userStack := make([]byte, userStackSize)

		kernelStackTop := stackTop(kernelStack)
		taskKernelStackTop[i] = kernelStackTop

		codeSelector, dataSelector := uint16(segment.UserCodeSelector), uint16(segment.UserDataSelector)
		if i == sched.IdleTask {
			codeSelector, dataSelector = uint16(segment.SuperCodeSelector), uint16(segment.SuperDataSelector)
		}

		stacks[i] = sched.NewTaskStack(kernelStack, sched.TaskEntryAddr(i), stackTop(userStack), codeSelector, dataSelector)
	}

	tss.SetRSP0(uint64(taskKernelStackTop[sched.IdleTask]))
	return stacks
}

func stackTop(stack []byte) uintptr {
	return uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
}

// scheduleNext is irq's SchedulerFn: it saves the interrupted task's stack
// pointer, asks the priority policy which task runs next, points TSS.RSP0
// at that task's own kernel stack (per spec's "written only by the
// scheduler, between selecting next task and returning to dispatch" rule),
// and returns the stack pointer to resume it from.
func scheduleNext(currentRSP uintptr) uintptr {
	table.Save(currentRSP)
	next := scheduler.ChooseNext()
	tss.SetRSP0(uint64(taskKernelStackTop[next]))

	// The timer and yield gates share this one callback; only the former
	// is LAPIC-sourced, but acknowledging EOI on a yield is harmless and
	// the trampoline doesn't pass the originating vector through to tell
	// the two apart.
	if lapic != nil {
		lapic.EndOfInterrupt()
	}

	return table.Switch(next)
}

// startLAPIC maps the Local APIC's MMIO window into the identity window,
// enables it, and programs its timer to fire irq.TimerVector periodically,
// per spec §4.6.
func startLAPIC() {
	lapicLinear := identityWindowBase() + mem.LinearAddress(apic.BasePhysAddr())

	lapic = apic.New(uintptr(lapicLinear))
	lapic.Enable(lapicSpuriousVector)
	lapic.ProgramTimer(uint8(irq.TimerVector), apic.Periodic, apic.Divide128, lapicTimerCount)
}
