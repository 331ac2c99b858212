package irq

import "testing"

func TestDispatchDeviceCallsInstalledHandler(t *testing.T) {
	defer func() { deviceHandlers[KeyboardVector] = nil }()

	called := false
	HandleDevice(KeyboardVector, func(regs *Registers, frame *Frame) {
		called = true
	})

	dispatchDevice(uint8(KeyboardVector), &Registers{}, &Frame{})

	if !called {
		t.Fatal("expected the installed device handler to run")
	}
}

func TestDispatchDeviceWithoutHandlerDoesNotPanic(t *testing.T) {
	dispatchDevice(0x29, &Registers{}, &Frame{})
}

func TestDispatchExceptionCallsInstalledHandler(t *testing.T) {
	defer func() { exceptionHandlers[GPFException] = nil }()

	var gotVector Vector
	var gotCode uint64
	HandleException(GPFException, func(v Vector, errorCode uint64, regs *Registers, frame *Frame) {
		gotVector = v
		gotCode = errorCode
	})

	dispatchException(uint8(GPFException), 0x42, &Registers{}, &Frame{})

	if gotVector != GPFException {
		t.Errorf("expected vector %v; got %v", GPFException, gotVector)
	}
	if gotCode != 0x42 {
		t.Errorf("expected error code 0x42; got %#x", gotCode)
	}
}

func TestScheduleFallsBackToCurrentRSPWithoutScheduler(t *testing.T) {
	defer func() { schedulerFn = nil }()
	schedulerFn = nil

	if got := schedule(0x1234); got != 0x1234 {
		t.Errorf("expected fallback to current RSP 0x1234; got %#x", got)
	}
}

func TestScheduleDelegatesToInstalledScheduler(t *testing.T) {
	defer func() { schedulerFn = nil }()

	SetScheduler(func(currentRSP uintptr) uintptr { return currentRSP + 1 })

	if got := schedule(0x1000); got != 0x1001 {
		t.Errorf("expected scheduler's result 0x1001; got %#x", got)
	}
}
