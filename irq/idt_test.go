package irq

import "testing"

func TestGateEntryEncodesOffsetSelectorAndAccess(t *testing.T) {
	lo, hi := gateEntry(0x1122334455667788, 0x08, 1, 3, true)

	if got := lo & 0xFFFF; got != 0x7788 {
		t.Errorf("expected low offset bits 0x7788; got %#x", got)
	}
	if got := (lo >> 16) & 0xFFFF; got != 0x08 {
		t.Errorf("expected selector 0x08; got %#x", got)
	}
	if got := (lo >> 32) & 0x7; got != 1 {
		t.Errorf("expected IST 1; got %d", got)
	}
	if got := (lo >> 40) & 0xFF; got&0x80 == 0 {
		t.Errorf("expected present bit set in access byte %#x", got)
	}
	if got := (lo >> 40) & 0x60 >> 5; got != 3 {
		t.Errorf("expected DPL 3; got %d", got)
	}
	if got := (lo >> 48) & 0xFFFF; got != 0x5566 {
		t.Errorf("expected mid offset bits 0x5566; got %#x", got)
	}
	if hi != 0x11223344 {
		t.Errorf("expected high offset dword 0x11223344; got %#x", hi)
	}
}

func TestNewPutsExceptionsOnIST1(t *testing.T) {
	defer func(orig func(uint8) uintptr) { vectorStubAddrFn = orig }(vectorStubAddrFn)
	vectorStubAddrFn = func(v uint8) uintptr { return uintptr(v) }

	idt := New(0x08)

	ist := (idt.entries[DivideByZero][0] >> 32) & 0x7
	if ist != 1 {
		t.Errorf("expected DivideByZero gate to use IST1; got %d", ist)
	}

	ist = (idt.entries[KeyboardVector][0] >> 32) & 0x7
	if ist != 0 {
		t.Errorf("expected a device IRQ gate to use IST0 (no dedicated stack); got %d", ist)
	}
}

func TestNewGivesYieldVectorRing3DPL(t *testing.T) {
	defer func(orig func(uint8) uintptr) { vectorStubAddrFn = orig }(vectorStubAddrFn)
	vectorStubAddrFn = func(v uint8) uintptr { return 0 }

	idt := New(0x08)

	dpl := (idt.entries[YieldVector][0] >> 40) & 0x60 >> 5
	if dpl != 3 {
		t.Errorf("expected yield vector DPL 3; got %d", dpl)
	}

	dpl = (idt.entries[TimerVector][0] >> 40) & 0x60 >> 5
	if dpl != 0 {
		t.Errorf("expected timer vector DPL 0; got %d", dpl)
	}
}

func TestLoadBuildsDescriptorFromAddressAndLimit(t *testing.T) {
	defer func(orig func(uintptr)) { loadIDTFn = orig }(loadIDTFn)

	var gotAddr uintptr
	loadIDTFn = func(addr uintptr) { gotAddr = addr }

	idt := &IDT{}
	idt.Load()

	if gotAddr == 0 {
		t.Fatal("expected a non-zero descriptor address")
	}
}
