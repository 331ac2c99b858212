package kmain

import (
	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/hal"
	"github.com/coreforge/kernel/initflow"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol visible (exported) from the rt0 initialization
// code. It is invoked by the rt0 assembly stub after setting up a minimal g0
// struct that lets Go code run on the 4K stack the stub allocated.
//
// The boot handoff is read entirely out of the fixed oct-slot PML4 layout
// (package hal/boothandoff), so unlike the teacher's multiboot-based rt0,
// Kmain needs no pointer argument from the stub.
//
// Kmain is not expected to return: initflow.Run enables interrupts and
// falls into the idle loop. If it does return, Kmain reports it through
// kernel.Panic, which halts the CPU.
//
//go:noinline
func Kmain() {
	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	initflow.Run()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
