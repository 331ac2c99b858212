// Package sched implements the preemptive task scheduler: a fixed table of
// kernel stacks indexed by task, and a deterministic priority policy that
// picks the next task to run from the pipe states the system's producers
// and consumers have published.
package sched

import "github.com/coreforge/kernel/ringpipe"

// Fixed task indices. The idle task always occupies slot 0 so ChooseNext
// has a guaranteed fallback.
const (
	IdleTask = iota
	KeyboardTask
	ReaderTask
	WriterTask

	TaskCount
)

// StateSource is the narrow view of a ringpipe.Pipe[T] the scheduler needs.
// Declared as an interface (rather than depending on a concrete element
// type) so Scheduler works across the keyboard event pipe and the demo byte
// pipe alike.
type StateSource interface {
	State() ringpipe.State
}

// Table holds the saved stack pointer for every task. InterruptDispatch
// reads and writes it directly on every timer tick.
type Table struct {
	stacks  [TaskCount]uintptr
	current int
}

// Init records the initial stack pointer for every task, as constructed by
// initflow when it builds each task's kernel stack and IRET frame.
func (t *Table) Init(stacks [TaskCount]uintptr) {
	t.stacks = stacks
	t.current = IdleTask
}

// Current returns the index of the currently running task.
func (t *Table) Current() int {
	return t.current
}

// Save records rsp as the current task's stack pointer, to resume from on
// its next time slice.
func (t *Table) Save(rsp uintptr) {
	t.stacks[t.current] = rsp
}

// Switch makes next the current task and returns the stack pointer to
// resume it from.
func (t *Table) Switch(next int) uintptr {
	t.current = next
	return t.stacks[next]
}

// Scheduler selects the next runnable task from two pipes' coordination
// states: the keyboard input pipe and the demo read/write pipe. Selection
// is a deterministic, top-to-bottom first match — no round-robin, no
// runtime-tunable priority — so the same pipe-state vector always produces
// the same decision.
type Scheduler struct {
	InputPipe StateSource
	DemoPipe  StateSource
}

// ChooseNext returns the index of the task that should run next, given the
// current pipe states. Priority order: the keyboard task (if the input pipe
// has data to deliver or is mid-drain), then the demo reader (if the demo
// pipe has data to deliver or is mid-drain), then the demo writer (if the
// demo pipe is empty or mid-fill), then idle.
func (s *Scheduler) ChooseNext() int {
	switch s.InputPipe.State() {
	case ringpipe.WriteWait, ringpipe.ReadBlock:
		return KeyboardTask
	}

	switch s.DemoPipe.State() {
	case ringpipe.WriteWait, ringpipe.ReadBlock:
		return ReaderTask
	case ringpipe.ReadWait, ringpipe.WriteBlock:
		return WriterTask
	}

	return IdleTask
}
