// Package cpu exposes the small set of x86-64 primitives that cannot be
// expressed in Go and must be implemented in architecture-specific
// assembly. Every primitive in this file is declared without a body; the
// amd64 assembly implementation (cpu_amd64.s) is not part of this tree.
// Only IsIntel and HasAPIC, built on top of ID, have Go bodies.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (HLT), looped
// by the caller so control never escapes.
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the entire TLB (MOV CR3).
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (MOV from CR3).
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register (last faulting
// address).
func ReadCR2() uint64

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// InB reads a single byte from the given I/O port (IN AL, DX).
func InB(port uint16) uint8

// OutB writes a single byte to the given I/O port (OUT DX, AL).
func OutB(port uint16, value uint8)

// IOWait performs a throwaway write to an unused port, giving older PIC/PS2
// hardware time to process the previous command.
func IOWait()

// ReadMSR reads the model-specific register numbered by ecx (RDMSR).
func ReadMSR(reg uint32) uint64

// WriteMSR writes the model-specific register numbered by ecx (WRMSR).
func WriteMSR(reg uint32, value uint64)

// LoadIDT loads the interrupt descriptor table register (LIDT) from the
// 10-byte pseudo-descriptor at descriptorAddr (2-byte limit, 8-byte base).
func LoadIDT(descriptorAddr uintptr)

// LoadTaskRegister loads the task register (LTR) with the given GDT
// selector, activating the TSS it points to.
func LoadTaskRegister(selector uint16)

// LoadGDTR loads the global descriptor table register (LGDT) from a
// 10-byte pseudo-descriptor built from address/limit, then reloads CS via
// the far-return trick (push codeSelector, push the return address, RETFQ)
// before loading SS and DS with dataSelector. Interrupts must already be
// disabled; an IRETQ that races a stale CS otherwise raises a #GP.
func LoadGDTR(address uintptr, limit uint16, codeSelector, dataSelector uint16)

// EnterUserMode performs a far return into ring 3 at the given code
// selector/instruction pointer with the given stack selector/pointer and
// RFLAGS value. It never returns to the caller; control resumes at rip.
func EnterUserMode(codeSelector uint16, rip uintptr, dataSelector uint16, rsp uintptr, rflags uint64)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasAPIC returns true if the CPU reports the presence of a Local APIC via
// CPUID leaf 1, EDX bit 9.
func HasAPIC() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&(1<<9) != 0
}
