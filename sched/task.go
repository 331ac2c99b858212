package sched

import (
	"unsafe"

	"github.com/coreforge/kernel/irq"
)

// rflagsReserved is the one bit of RFLAGS the architecture requires to
// always read as 1.
const rflagsReserved = 1 << 1

// RFlagsInterruptsEnabled is the RFLAGS value a task should resume with:
// the reserved bit plus IF (bit 9), so interrupts (and therefore
// preemption) stay on once the task is first scheduled in.
const RFlagsInterruptsEnabled = rflagsReserved | 1<<9

// NewTaskStack lays out a fresh kernel stack for a task that has never run.
// The timer/yield trampoline expects a task's saved stack pointer to
// reference a zeroed general-purpose register block immediately followed
// by an IRET frame (see irq.Registers/irq.Frame); NewTaskStack writes that
// layout at the top of kernelStack and returns the resulting stack pointer,
// suitable for Table.Init.
//
// entryRSP is the stack pointer the task runs on once IRETQ lands it at
// entry — its own stack, distinct from kernelStack, which exists only to
// hold the trampoline's saved state until the task is first switched to.
func NewTaskStack(kernelStack []byte, entry, entryRSP uintptr, codeSelector, dataSelector uint16) uintptr {
	frameSize := unsafe.Sizeof(irq.Frame{})
	regsSize := unsafe.Sizeof(irq.Registers{})

	top := uintptr(unsafe.Pointer(&kernelStack[0])) + uintptr(len(kernelStack))
	frameAddr := (top - frameSize) &^ 0xF
	regsAddr := frameAddr - regsSize

	frame := (*irq.Frame)(unsafe.Pointer(frameAddr))
	*frame = irq.Frame{
		RIP:    uint64(entry),
		CS:     uint64(codeSelector),
		RFlags: RFlagsInterruptsEnabled,
		RSP:    uint64(entryRSP),
		SS:     uint64(dataSelector),
	}

	regs := (*irq.Registers)(unsafe.Pointer(regsAddr))
	*regs = irq.Registers{}

	return regsAddr
}
