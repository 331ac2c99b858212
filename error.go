// Package kernel contains the small set of types and functions that every
// other kernel package depends on: the allocation-free error type and the
// panic-and-halt path used when an inconsistency cannot be recovered from.
package kernel

// Kind classifies the reason a kernel operation failed. Every fallible
// kernel operation returns a *Error carrying one of these values so callers
// can branch on failure reason without string matching.
type Kind uint8

const (
	// KindNone is the zero value and never appears on a returned error.
	KindNone Kind = iota

	// MemoryOutOfBounds indicates an address fell outside of a window,
	// region or table the caller expected it to be inside of.
	MemoryOutOfBounds

	// UnalignedAddress indicates an address or size did not meet the
	// alignment required by the operation (e.g. a 2MiB mapping request
	// with a 4KiB-aligned physical offset).
	UnalignedAddress

	// IndexOutOfBounds indicates a table, array or ring index fell
	// outside of its valid range.
	IndexOutOfBounds

	// InvalidData indicates malformed input that cannot be reinterpreted
	// into the requested structure (e.g. a non-canonical page table
	// entry, a decode failure).
	InvalidData

	// OutOfResources indicates that a finite resource (physical frames,
	// slab classes, table slots) has been exhausted.
	OutOfResources

	// NonCanonicalAddress indicates a virtual address whose high bits do
	// not sign-extend from the highest implemented address bit.
	NonCanonicalAddress
)

// String returns a short human-readable label for the error kind.
func (k Kind) String() string {
	switch k {
	case MemoryOutOfBounds:
		return "memory out of bounds"
	case UnalignedAddress:
		return "unaligned address"
	case IndexOutOfBounds:
		return "index out of bounds"
	case InvalidData:
		return "invalid data"
	case OutOfResources:
		return "out of resources"
	case NonCanonicalAddress:
		return "non-canonical address"
	default:
		return "unknown error"
	}
}

// Error describes a kernel error. All kernel errors are defined as pointers
// to this structure rather than created via errors.New since the Go
// allocator may not be available yet when the error is constructed.
type Error struct {
	// Module is the package or subsystem where the error originated.
	Module string

	// Message is a human readable description of the failure.
	Message string

	// Kind classifies the failure; see the Kind constants above.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// NewError constructs an *Error with the given module, kind and message.
// Packages that need a parametrized message (e.g. embedding the offending
// address) build these locally instead of declaring package-level sentinels,
// since a sentinel cannot carry per-call data without a mutation race.
func NewError(module string, kind Kind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}
