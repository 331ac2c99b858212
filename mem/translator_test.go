package mem

import (
	"testing"

	"github.com/coreforge/kernel"
)

func TestIdentityWindowTranslate(t *testing.T) {
	w := IdentityWindow{Base: 0xFFFF_8000_0000_0000, Limit: 16 * Gb}

	got, err := w.Translate(0x20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0xFFFF_8000_0000_0000+0x20000 {
		t.Fatalf("unexpected linear address: %#x", uint64(got))
	}

	if _, err := w.Translate(PhysicalAddress(w.Limit)); err == nil {
		t.Fatal("expected out-of-bounds translate to fail")
	} else if err.Kind != kernel.MemoryOutOfBounds {
		t.Fatalf("expected MemoryOutOfBounds; got %v", err.Kind)
	}
}
