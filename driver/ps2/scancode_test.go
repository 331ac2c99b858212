package ps2

import "testing"

func TestFeedDecodesPressAndRelease(t *testing.T) {
	var d Decoder

	outcome, ev := d.Feed(0x1E) // make code for 'A'
	if outcome != Finished {
		t.Fatalf("expected Finished; got %v", outcome)
	}
	if ev.Key != KeyA || !ev.Pressed {
		t.Fatalf("expected pressed KeyA; got %+v", ev)
	}

	outcome, ev = d.Feed(0x1E | 0x80) // break code for 'A'
	if outcome != Finished {
		t.Fatalf("expected Finished; got %v", outcome)
	}
	if ev.Key != KeyA || ev.Pressed {
		t.Fatalf("expected released KeyA; got %+v", ev)
	}
}

func TestFeedUnrecognizedByteContinues(t *testing.T) {
	var d Decoder
	outcome, _ := d.Feed(0xFF)
	if outcome != Continuing {
		t.Fatalf("expected Continuing for an unrecognized byte; got %v", outcome)
	}
}

func TestFeedExtendedPrefixRequiresSecondByte(t *testing.T) {
	var d Decoder

	outcome, _ := d.Feed(0xE0)
	if outcome != Continuing {
		t.Fatalf("expected Continuing after the 0xE0 prefix; got %v", outcome)
	}

	outcome, ev := d.Feed(0x1D) // right control make code
	if outcome != Finished {
		t.Fatalf("expected Finished after the extended byte; got %v", outcome)
	}
	if ev.Key != KeyRightControl || !ev.Pressed {
		t.Fatalf("expected pressed KeyRightControl; got %+v", ev)
	}
}

func TestFeedExtendedReleaseClearsState(t *testing.T) {
	var d Decoder
	d.Feed(0xE0)
	_, ev := d.Feed(0x1D | 0x80)
	if ev.Pressed {
		t.Fatalf("expected released KeyRightControl; got %+v", ev)
	}

	// State must not still be "extended" for the next byte.
	outcome, ev := d.Feed(0x1E)
	if outcome != Finished || ev.Key != KeyA {
		t.Fatalf("expected a normal KeyA decode after the extended sequence; got %v %+v", outcome, ev)
	}
}
