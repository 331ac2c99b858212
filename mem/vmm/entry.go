package vmm

import (
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/mem/pmm"
)

// PageTableEntryFlag is a bitmask of flags that can be set on a page table
// entry.
type PageTableEntryFlag uint64

// Page table entry flag bits, per the fixed on-wire layout: bit 0 present,
// 1 write, 2 user, 3 write-through, 4 cache-disable, 5 accessed, 6 dirty
// (leaf entries only), 7 PAT-or-huge-page-size (leaf/non-leaf respectively),
// 8 global (leaf entries only), 52 in-use (software-reserved, repurposed
// here for copy-on-write tracking), 63 execute-disable.
const (
	FlagPresent PageTableEntryFlag = 1 << 0
	FlagRW      PageTableEntryFlag = 1 << 1
	FlagUser    PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	// FlagHugePage marks a non-leaf entry as mapping a 2 MiB or 1 GiB page
	// directly rather than pointing at a lower-level table.
	FlagHugePage PageTableEntryFlag = 1 << 7
	FlagGlobal   PageTableEntryFlag = 1 << 8
	// FlagCopyOnWrite occupies the bit the format reserves as a
	// software-defined "in-use" marker (bit 52); it has no meaning to the
	// MMU and is only inspected by the page fault handler.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 52
	FlagNoExecute   PageTableEntryFlag = 1 << 63

	physAddrMask = uint64(0x000f_ffff_ffff_f000)
)

// pageTableEntry is a single 8-byte page table entry as defined in the page
// table entry format: bits 12..51 hold the physical frame number, the
// remaining bits hold flags.
type pageTableEntry uint64

// HasFlags returns true if all of the supplied flags are set.
func (e pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if any of the supplied flags is set.
func (e pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uint64(e)&uint64(flags) != 0
}

// SetFlags sets the supplied flags, leaving other bits untouched.
func (e *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*e |= pageTableEntry(flags)
}

// ClearFlags clears the supplied flags, leaving other bits untouched.
func (e *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*e &^= pageTableEntry(flags)
}

// Frame returns the physical frame this entry points to.
func (e pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(mem.PhysicalAddress(uint64(e) & physAddrMask))
}

// SetFrame sets the physical frame this entry points to, leaving flag bits
// untouched.
func (e *pageTableEntry) SetFrame(frame pmm.Frame) {
	*e = pageTableEntry((uint64(*e) &^ physAddrMask) | (uint64(frame.Address()) & physAddrMask))
}
