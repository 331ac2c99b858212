// Package sync provides synchronization primitives for code that cannot rely
// on the Go runtime's own sync package before the scheduler and heap are up.
package sync

import "sync/atomic"

var (
	// yieldFn is called by archAcquireSpinlock between busy-wait attempts
	// once a threshold of failed attempts has been reached. It is a var so
	// tests can substitute runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available. It guards the short critical sections
// of pmm.PageStack and heap.SlabHeap, where blocking via the scheduler is
// unnecessary or unavailable.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Re-acquiring a lock already held by the current task will deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock was
// free, false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release on a free lock has no
// effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is declared without a body; its arch-specific assembly
// implementation is not part of this tree. It busy-waits
// on *state using a test-and-test-and-set loop, calling yieldFn (if set)
// after attemptsBeforeYielding failed attempts.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
