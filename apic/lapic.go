// Package apic drives the Local APIC: reading/writing its MMIO register
// window and programming its periodic timer, the interrupt source that
// preempts tasks per spec §4.6.
package apic

import (
	"unsafe"

	"github.com/coreforge/kernel/cpu"
)

// baseMSR is the IA32_APIC_BASE model-specific register; bit 11 enables
// the LAPIC, and the base physical address occupies bits 12-35.
const baseMSR = 0x1B

const enableBit = 1 << 11

// Register offsets within the LAPIC's 4 KiB MMIO window.
const (
	regEOI          = 0x0B0
	regSpurious     = 0x0F0
	regLVTTimer     = 0x320
	regInitialCount = 0x380
	regCurrentCount = 0x390
	regDivideConfig = 0x3E0
)

// TimerMode selects how the LVT timer entry reloads after it fires.
type TimerMode uint32

const (
	OneShot     TimerMode = 0b00
	Periodic    TimerMode = 0b01
	TSCDeadline TimerMode = 0b10
)

// Divide selects the LAPIC timer's input clock divisor.
type Divide uint32

const (
	Divide1   Divide = 0b1011
	Divide2   Divide = 0b0000
	Divide4   Divide = 0b0001
	Divide8   Divide = 0b0010
	Divide16  Divide = 0b0011
	Divide32  Divide = 0b1000
	Divide64  Divide = 0b1001
	Divide128 Divide = 0b1010
)

// regPtrFn resolves a LAPIC register offset to the pointer the CPU would
// dereference. Passthrough in production; tests redirect it into a plain
// byte buffer standing in for the MMIO window.
var regPtrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

// LAPIC is a handle to the Local APIC's MMIO register window, once it has
// been mapped into the identity window by initflow.
type LAPIC struct {
	base uintptr
}

// HasAPIC reports whether the running CPU has a Local APIC (CPUID leaf 1,
// EDX bit 9).
func HasAPIC() bool {
	return cpu.HasAPIC()
}

// BasePhysAddr returns the LAPIC's physical base address, as recorded in
// IA32_APIC_BASE.
func BasePhysAddr() uintptr {
	return uintptr(cpu.ReadMSR(baseMSR) & 0xFFFFFFFFFFFFF000)
}

// New returns a LAPIC handle over the MMIO window mapped at mappedBase
// (the identity-window linear address initflow mapped BasePhysAddr() to).
func New(mappedBase uintptr) *LAPIC {
	return &LAPIC{base: mappedBase}
}

func (l *LAPIC) readRegister(offset uintptr) uint32 {
	return *(*uint32)(regPtrFn(l.base + offset))
}

func (l *LAPIC) writeRegister(offset uintptr, value uint32) {
	*(*uint32)(regPtrFn(l.base + offset)) = value
}

// EndOfInterrupt acknowledges the in-service interrupt, allowing the LAPIC
// to deliver the next one.
func (l *LAPIC) EndOfInterrupt() {
	l.writeRegister(regEOI, 0)
}

// Enable unmasks the spurious-interrupt vector register's APIC-software-
// enable bit, turning the LAPIC on.
func (l *LAPIC) Enable(spuriousVector uint8) {
	l.writeRegister(regSpurious, l.readRegister(regSpurious)|0x100|uint32(spuriousVector))
}

// ProgramTimer configures the LAPIC timer to fire vector at the given
// divisor and initial count, in the given mode. For the periodic mode
// spec §4.6 specifies (divide 128, initial count ~1e7, vector 0x30), this
// yields the tick the scheduler preempts on.
func (l *LAPIC) ProgramTimer(vector uint8, mode TimerMode, div Divide, initialCount uint32) {
	l.writeRegister(regDivideConfig, uint32(div))
	l.writeRegister(regLVTTimer, uint32(vector)|(uint32(mode)<<17))
	l.writeRegister(regInitialCount, initialCount)
}

// CurrentCount returns the timer's current countdown value.
func (l *LAPIC) CurrentCount() uint32 {
	return l.readRegister(regCurrentCount)
}
