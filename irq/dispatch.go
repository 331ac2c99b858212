package irq

import "github.com/coreforge/kernel"

// DeviceHandler handles a hardware IRQ (e.g. the PS/2 keyboard). It runs on
// whichever kernel stack was current when the interrupt landed and does
// not participate in scheduling.
type DeviceHandler func(regs *Registers, frame *Frame)

var deviceHandlers [vectorCount]DeviceHandler

// HandleDevice installs the handler invoked for a hardware IRQ vector.
func HandleDevice(v Vector, h DeviceHandler) {
	deviceHandlers[v] = h
}

// dispatchDevice is called by the common trampoline for any vector that
// isn't an exception, the timer, or the yield gate. Declared so the
// assembly trampoline (not part of this tree) has a stable Go symbol to call.
func dispatchDevice(v uint8, regs *Registers, frame *Frame) {
	if h := deviceHandlers[v]; h != nil {
		h(regs, frame)
		return
	}
	// A gate fired with nothing installed for it; the stub still needs to
	// IRETQ cleanly, so just fall through.
}

// ExceptionHandler handles a CPU exception. There is no recovery story for
// a fault the kernel doesn't specifically understand, so the default
// handler dumps state and panics; a caller may install a more specific
// handler (e.g. a page-fault handler that grows a stack) for a given
// vector.
type ExceptionHandler func(v Vector, errorCode uint64, regs *Registers, frame *Frame)

var exceptionHandlers [vectorCount]ExceptionHandler

// HandleException installs a handler for a CPU exception vector, overriding
// the default panic-and-halt behavior.
func HandleException(v Vector, h ExceptionHandler) {
	exceptionHandlers[v] = h
}

// dispatchException is called by the exception-gate trampolines, which run
// on IST1 rather than the faulting task's own stack.
func dispatchException(v uint8, errorCode uint64, regs *Registers, frame *Frame) {
	if h := exceptionHandlers[v]; h != nil {
		h(Vector(v), errorCode, regs, frame)
		return
	}

	regs.Print()
	frame.Print()
	kernel.Panic(&kernel.Error{Module: "irq", Message: "unhandled CPU exception", Kind: kernel.InvalidData})
}

// SchedulerFn is invoked on every timer tick and every cooperative yield
// with the interrupted task's saved stack pointer; it returns the stack
// pointer execution should resume from (possibly the same task, if nothing
// else is runnable).
type SchedulerFn func(currentRSP uintptr) (nextRSP uintptr)

var schedulerFn SchedulerFn

// SetScheduler installs the callback the timer (vector 0x30) and yield
// (vector 0x80) trampolines call into on every preemption. initflow wires
// this up once the task table exists.
func SetScheduler(fn SchedulerFn) {
	schedulerFn = fn
}

// schedule is called by the timer/yield trampoline after it has saved the
// full register state and RSP for the current task. If no scheduler has
// been installed yet (e.g. a timer tick landing mid-boot) it resumes the
// same task.
func schedule(currentRSP uintptr) uintptr {
	if schedulerFn == nil {
		return currentRSP
	}
	return schedulerFn(currentRSP)
}
