package irq

import "github.com/coreforge/kernel/kfmt/early"

// Vector identifies an IDT gate. Vectors 0x00-0x15 are CPU exceptions;
// 0x20-0x2F are the PIC-remapped hardware IRQs; 0x30 is the LAPIC timer;
// 0x80 is the cooperative yield gate.
type Vector uint8

const (
	DivideByZero               Vector = 0x00
	NMI                        Vector = 0x02
	Overflow                   Vector = 0x04
	BoundRangeExceeded         Vector = 0x05
	InvalidOpcode              Vector = 0x06
	DeviceNotAvailable         Vector = 0x07
	DoubleFault                Vector = 0x08
	InvalidTSS                 Vector = 0x0A
	SegmentNotPresent          Vector = 0x0B
	StackSegmentFault          Vector = 0x0C
	GPFException               Vector = 0x0D
	PageFaultException         Vector = 0x0E
	FloatingPointException     Vector = 0x10
	AlignmentCheck             Vector = 0x11
	MachineCheck               Vector = 0x12
	SIMDFloatingPointException Vector = 0x13

	// lastExceptionVector is the highest vector still in the exception
	// range (0x00-0x15); every gate at or below it runs on IST1.
	lastExceptionVector = 0x15

	// PICBase is where PIC remapping (driver/pic) lands IRQ0.
	PICBase = 0x20

	// KeyboardVector is IRQ1 (PS/2 keyboard) after PIC remap.
	KeyboardVector Vector = PICBase + 1

	// TimerVector is the LAPIC timer's interrupt vector.
	TimerVector Vector = 0x30

	// YieldVector is the software interrupt a ring-3 task uses to
	// cooperatively give up its time slice. It is the only non-exception
	// gate with DPL 3.
	YieldVector = 0x80
)

func isException(v uint8) bool {
	return v <= lastExceptionVector
}

// Registers is a snapshot of the general-purpose registers at the moment
// an interrupt fired, saved by the trampoline before it calls into Go.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Print dumps the register snapshot to the active console.
func (r *Registers) Print() {
	early.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	early.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	early.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	early.Printf("RBP = %16x\n", r.RBP)
	early.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	early.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	early.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	early.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame is the exception frame the CPU pushes automatically on interrupt
// entry.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print dumps the exception frame to the active console.
func (f *Frame) Print() {
	early.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	early.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	early.Printf("RFL = %16x\n", f.RFlags)
}
