// Package irq builds and loads the interrupt descriptor table, and routes
// incoming interrupts (timer, software yield, device IRQs) to the handlers
// or scheduler callback installed for them. It merges what the teacher
// keeps as two separate packages (`kernel/gate`'s vector table and IDT
// builder, `kernel/irq`'s register/frame dump types) into one canonical
// package, since this kernel only needs one interrupt story.
package irq

import (
	"encoding/binary"
	"unsafe"

	"github.com/coreforge/kernel/cpu"
)

// vectorCount is the full IDT: 256 possible interrupt/exception/trap
// vectors.
const vectorCount = 256

// gateType identifies an interrupt gate (as opposed to a trap or call
// gate); interrupt gates clear IF on entry, which every vector here wants.
const gateType = 0xE

// vectorStubAddrFn resolves the address of vector v's generated entry
// stub. The trampoline at that address pushes v (and, for vectors that
// don't push one natively, a zero error code) before jumping to the common
// dispatcher. vectorStubAddr is declared without a body, in the same spirit
// as the teacher's interruptGateEntries table; the assembly file with one
// stub per vector is not part of this tree.
var vectorStubAddrFn = vectorStubAddr

func vectorStubAddr(v uint8) uintptr

// loadIDTFn wraps cpu.LoadIDT so tests can verify IDT.Load's descriptor
// bytes without executing LIDT.
var loadIDTFn = cpu.LoadIDT

// gateEntry builds the two 8-byte halves of a 16-byte IDT gate descriptor.
func gateEntry(offset uint64, selector uint16, ist, dpl uint8, present bool) (lo, hi uint64) {
	access := uint64(gateType)
	access |= uint64(dpl&0x3) << 5
	if present {
		access |= 1 << 7
	}

	lo |= offset & 0xFFFF
	lo |= uint64(selector) << 16
	lo |= uint64(ist&0x7) << 32
	lo |= access << 40
	lo |= ((offset >> 16) & 0xFFFF) << 48

	hi = (offset >> 32) & 0xFFFFFFFF
	return lo, hi
}

// IDT is the interrupt descriptor table image: 256 16-byte gates, exactly
// one page.
type IDT struct {
	entries [vectorCount][2]uint64
}

// New builds the full 256-entry IDT against the given code selector (the
// kernel's supervisor code segment). Exception vectors (0x00-0x15) run on
// IST1, so a fault is never handled on a potentially-corrupt task stack.
// The yield vector is given DPL 3 so user-mode tasks can invoke it directly
// via INT; every other vector is DPL 0.
func New(codeSelector uint16) *IDT {
	t := &IDT{}
	for v := 0; v < vectorCount; v++ {
		var ist uint8
		if isException(uint8(v)) {
			ist = 1
		}

		dpl := uint8(0)
		if uint8(v) == YieldVector {
			dpl = 3
		}

		lo, hi := gateEntry(uint64(vectorStubAddrFn(uint8(v))), codeSelector, ist, dpl, true)
		t.entries[v][0] = lo
		t.entries[v][1] = hi
	}
	return t
}

// Address returns the IDT's linear address, for building the IDTR.
func (t *IDT) Address() uintptr {
	return uintptr(unsafe.Pointer(&t.entries[0]))
}

// Limit returns the IDT's byte size minus one, as LIDT expects.
func (t *IDT) Limit() uint16 {
	return uint16(vectorCount*16 - 1)
}

// Load installs the IDT.
func (t *IDT) Load() {
	var descriptor [10]byte
	binary.LittleEndian.PutUint16(descriptor[0:2], t.Limit())
	binary.LittleEndian.PutUint64(descriptor[2:10], uint64(t.Address()))
	loadIDTFn(uintptr(unsafe.Pointer(&descriptor[0])))
}
