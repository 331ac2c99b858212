// Package segment builds the flat-memory-model GDT and TSS the kernel
// installs once it has its own page tables, replacing whatever descriptor
// table the bootloader left behind: a null entry, supervisor code/data,
// user code/data (for ring-3 entry), and a TSS descriptor supplying RSP0
// and the IST1 stack exception handlers run on.
package segment

import (
	"encoding/binary"
	"unsafe"

	"github.com/coreforge/kernel/cpu"
)

// Selector identifies a GDT entry together with its requested privilege
// level, in the format the CS/DS/SS/TR registers expect: bits 3-15 are the
// table index, bit 2 selects GDT (0) vs LDT (1), bits 0-1 are the RPL.
type Selector uint16

// The fixed selector layout this kernel uses. Index order matches the
// entries array built by New: null, supervisor code, supervisor data, user
// code, user data, then the two-slot TSS descriptor.
const (
	NullSelector      Selector = 0x00
	SuperCodeSelector Selector = 0x08
	SuperDataSelector Selector = 0x10
	UserCodeSelector  Selector = 0x18 | 3
	UserDataSelector  Selector = 0x20 | 3
	TSSSelector       Selector = 0x28
)

const (
	accessPresent    = 1 << 7
	accessUserEntry  = 1 << 4 // S bit: 1 = code/data descriptor, not a system one
	accessExecutable = 1 << 3
	accessRW         = 1 << 1 // readable for code, writeable for data

	flagGranularity = 1 << 3 // limit is in 4 KiB units
	flagLongMode    = 1 << 1 // 64-bit code segment (L bit)

	flatLimit = 0xFFFFF // ignored by the CPU in long mode, filled for completeness
)

// flatDescriptor builds a standard (non-system) base-0 flat segment
// descriptor. Base and limit are meaningless to the CPU for code/data
// segments once long mode is active; only the present, DPL, type and
// long-mode bits matter.
func flatDescriptor(executable bool, dpl uint8) uint64 {
	access := uint64(accessPresent | accessUserEntry | accessRW)
	access |= uint64(dpl&0x3) << 5
	if executable {
		access |= accessExecutable
	}

	flags := uint64(flagGranularity)
	if executable {
		flags |= flagLongMode
	}

	var d uint64
	d |= flatLimit & 0xFFFF
	d |= access << 40
	d |= (uint64(flatLimit>>16) & 0xF) << 48
	d |= flags << 52
	return d
}

// tssDescriptor builds the two 8-byte halves of a 16-byte system segment
// descriptor pointing at a TSS of the given base address and byte size.
func tssDescriptor(base uint64, size uint32) (lo, hi uint64) {
	limit := uint64(size - 1)

	const availableTSS = 0x9
	access := uint64(availableTSS)
	access |= accessPresent

	lo |= limit & 0xFFFF
	lo |= (base & 0xFFFFFF) << 16
	lo |= access << 40
	lo |= ((limit >> 16) & 0xF) << 48
	lo |= ((base >> 24) & 0xFF) << 56

	hi = (base >> 32) & 0xFFFFFFFF
	return lo, hi
}

// tssSize is the byte size of an x86-64 TSS: a 4-byte reserved field,
// RSP0-RSP2, a reserved qword, IST1-IST7, two more reserved fields and the
// 2-byte I/O permission bitmap offset.
const tssSize = 104

// TSS is an x86-64 task state segment. It is represented as a raw byte
// array with accessor methods rather than a Go struct, since Go struct
// field alignment does not reproduce the TSS's packed-with-gaps layout
// without relying on unsafe padding assumptions that are easy to get wrong;
// writing fixed offsets with encoding/binary is explicit about the layout
// the CPU actually expects.
type TSS struct {
	raw [tssSize]byte
}

const (
	rsp0Offset = 4
	ist1Offset = 36
)

// SetRSP0 sets the ring-0 stack pointer the CPU switches to when an
// interrupt raises the privilege level from ring 3. InterruptDispatch
// keeps this in sync with the current task's kernel stack.
func (t *TSS) SetRSP0(rsp uint64) {
	binary.LittleEndian.PutUint64(t.raw[rsp0Offset:], rsp)
}

// SetIST1 sets the interrupt-stack-table slot 1 stack pointer, used by the
// CPU exception gates (vectors 0x00-0x15) so a fault never runs on a
// potentially-corrupt task stack.
func (t *TSS) SetIST1(rsp uint64) {
	binary.LittleEndian.PutUint64(t.raw[ist1Offset:], rsp)
}

// Address returns the TSS's linear address, for building its GDT
// descriptor.
func (t *TSS) Address() uintptr {
	return uintptr(unsafe.Pointer(&t.raw[0]))
}

// entryCount is the null entry, 4 flat code/data entries, and the 2-slot
// (16-byte) TSS descriptor.
const entryCount = 7

// GDT is the global descriptor table image.
type GDT struct {
	entries [entryCount]uint64
}

// New builds the fixed GDT layout this kernel uses: null, supervisor
// code/data, user code/data, then a TSS descriptor pointing at tss.
func New(tss *TSS) *GDT {
	g := &GDT{}
	g.entries[1] = flatDescriptor(true, 0)  // supervisor code
	g.entries[2] = flatDescriptor(false, 0) // supervisor data
	g.entries[3] = flatDescriptor(true, 3)  // user code
	g.entries[4] = flatDescriptor(false, 3) // user data
	g.entries[5], g.entries[6] = tssDescriptor(uint64(tss.Address()), tssSize)
	return g
}

// Address returns the GDT's linear address, for building the GDTR.
func (g *GDT) Address() uintptr {
	return uintptr(unsafe.Pointer(&g.entries[0]))
}

// Limit returns the GDT's byte size minus one, as LGDT expects.
func (g *GDT) Limit() uint16 {
	return uint16(len(g.entries)*8 - 1)
}

// loadGDTRFn and loadTaskRegisterFn are mocked by tests to verify Load's
// selector arithmetic without executing LGDT/LTR.
var (
	loadGDTRFn         = cpu.LoadGDTR
	loadTaskRegisterFn = cpu.LoadTaskRegister
)

// Load installs the GDT, reloads CS/SS/DS to the supervisor selectors, and
// loads the task register with the TSS descriptor. The caller must disable
// interrupts before calling Load and may re-enable them afterwards.
func (g *GDT) Load() {
	loadGDTRFn(g.Address(), g.Limit(), uint16(SuperCodeSelector), uint16(SuperDataSelector))
	loadTaskRegisterFn(uint16(TSSSelector))
}
