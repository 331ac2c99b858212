package vmm

import "github.com/coreforge/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address pointed to by this Page.
func (p Page) Address() mem.LinearAddress {
	return mem.LinearAddress(uintptr(p) << mem.PageShift)
}

// PageFromAddress returns the Page containing the given virtual address,
// rounding down if addr is not page-aligned.
func PageFromAddress(addr mem.LinearAddress) Page {
	return Page(uintptr(addr) >> mem.PageShift)
}
