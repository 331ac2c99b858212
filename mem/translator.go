package mem

import "github.com/coreforge/kernel"

// AddressTranslator converts physical addresses into linear addresses the
// CPU can dereference directly. It is deliberately a narrower interface
// than a full page allocator: the teacher codebase's own "none-allocator"
// pattern (a type that can translate but never allocates) is split here
// into its own first-class interface so code that only needs to read
// physical memory (e.g. walking a page table by its physical address) does
// not need to depend on an allocator at all.
type AddressTranslator interface {
	// Translate returns the linear address aliasing the given physical
	// address, or an error if the address falls outside the window this
	// translator covers.
	Translate(phys PhysicalAddress) (LinearAddress, *kernel.Error)
}

// IdentityWindow implements AddressTranslator by adding a fixed base offset
// to every physical address. It models the identity window mapped once at
// boot time into a dedicated high-half PML4 slot (oct slot 0o776): every
// physical address below Limit has a valid alias at Base+phys.
type IdentityWindow struct {
	// Base is the linear address at which physical address 0 is mapped.
	Base LinearAddress

	// Limit is the amount of physical address space covered starting at
	// physical address 0. Requests for phys >= Limit fail.
	Limit PhysicalAddress
}

// Translate implements AddressTranslator.
func (w IdentityWindow) Translate(phys PhysicalAddress) (LinearAddress, *kernel.Error) {
	if phys >= w.Limit {
		return 0, kernel.NewError("mem", kernel.MemoryOutOfBounds, "physical address outside identity window")
	}

	return w.Base + LinearAddress(phys), nil
}
