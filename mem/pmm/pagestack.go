package pmm

import (
	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/kfmt/early"
	"github.com/coreforge/kernel/mem"
	"github.com/coreforge/kernel/sync"
)

var (
	// FrameAllocator is the package-level PageStack instance used by the
	// rest of the kernel, following the same singleton-plus-Init shape as
	// the teacher's BitmapAllocator.
	FrameAllocator PageStack

	// memsetFn is an indirection so tests can substitute a fake zeroing
	// routine; tests pass Init a translator that does not require a real
	// identity-mapped window.
	memsetFn = mem.Memset

	errOutOfResources = &kernel.Error{Module: "pagestack", Kind: kernel.OutOfResources, Message: "no free physical frames remain"}
)

// PageStack is a LIFO allocator of 4 KiB physical frames. Its backing store
// is the free-frame list handed off by the bootloader at oct slot 0o775: a
// depth word followed by that many physical addresses. take pops frames off
// the top (zeroing each one); give pushes frames back without validating
// against double-free, trusting the caller per spec.
//
// A single Spinlock serializes every access; the critical section it guards
// is exactly the index update plus the zero/copy it protects, so the
// ordering requirement ("take publishes the decremented index before any
// writer observes the zeroed contents; give publishes the pushed entries
// before the incremented index") falls directly out of mutual exclusion —
// no other task can observe stack or index until Release.
type PageStack struct {
	lock sync.Spinlock

	// translator resolves a physical frame address to the linear alias
	// used to zero it before handing it to a caller.
	translator mem.AddressTranslator

	// stack holds up to cap(stack) physical frame addresses; index is the
	// number of valid entries, i.e. the next push writes at stack[index].
	stack []mem.PhysicalAddress
	index int
}

// Init seeds the stack from the frames handed off by the bootloader and
// records the translator used to zero frames on take. The slice is retained,
// not copied: callers must not write to it afterwards.
func (s *PageStack) Init(translator mem.AddressTranslator, freeFrames []mem.PhysicalAddress) {
	s.translator = translator
	s.stack = freeFrames
	s.index = len(freeFrames)

	early.Printf("[pagestack] free frames: %d (%d KiB)\n", s.index, uint64(s.index)*uint64(mem.PageSize)/uint64(mem.Kb))
}

// Take reserves len(pages) frames, storing them into pages and zeroing each
// one via its linear alias. It fails with OutOfResources, leaving the stack
// unmodified, if fewer frames than requested remain.
func (s *PageStack) Take(pages []mem.PhysicalAddress) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	if len(pages) > s.index {
		return errOutOfResources
	}

	for i := range pages {
		s.index--
		frame := s.stack[s.index]

		linear, err := s.translator.Translate(mem.PhysicalAddress(frame))
		if err != nil {
			s.index++
			return err
		}
		memsetFn(uintptr(linear), 0, mem.PageSize)

		pages[i] = frame
	}

	return nil
}

// TakeOne is the single-frame convenience form of Take.
func (s *PageStack) TakeOne() (mem.PhysicalAddress, *kernel.Error) {
	var page [1]mem.PhysicalAddress
	if err := s.Take(page[:]); err != nil {
		return 0, err
	}
	return page[0], nil
}

// Give pushes frames back onto the stack. The caller is trusted not to
// double-free: no membership or duplicate check is performed.
func (s *PageStack) Give(pages []mem.PhysicalAddress) {
	s.lock.Acquire()
	defer s.lock.Release()

	for _, page := range pages {
		s.stack[s.index] = page
		s.index++
	}
}

// GiveOne is the single-frame convenience form of Give.
func (s *PageStack) GiveOne(page mem.PhysicalAddress) {
	s.Give([]mem.PhysicalAddress{page})
}

// Available reports the number of frames currently on the stack.
func (s *PageStack) Available() int {
	s.lock.Acquire()
	defer s.lock.Release()

	return s.index
}
