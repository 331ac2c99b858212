package sched

// taskEntryAddr resolves the address of task i's entry stub: a tiny
// trampoline that runs the keyboard/reader/writer demo body (or spins on
// HLT for the idle task). It is declared without a body, in the same spirit
// as irq's vectorStubAddr; the assembly file with one stub per task index
// is not part of this tree.
func taskEntryAddr(task int) uintptr

// TaskEntryAddr is the mockable indirection initflow uses when building a
// task's initial IRET frame.
var TaskEntryAddr = taskEntryAddr
