package ps2

// Key identifies a decoded keyboard key, independent of scancode set.
type Key uint16

const (
	KeyUnknown Key = iota
	KeyEscape
	Key0
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
	KeyG
	KeyH
	KeyI
	KeyJ
	KeyK
	KeyL
	KeyM
	KeyN
	KeyO
	KeyP
	KeyQ
	KeyR
	KeyS
	KeyT
	KeyU
	KeyV
	KeyW
	KeyX
	KeyY
	KeyZ
	KeyEnter
	KeyBackspace
	KeyTab
	KeySpace
	KeyLeftShift
	KeyLeftControl
	KeyRightControl
)

// baseScancodes maps scancode set 1's make codes (key press) to Key. A
// release carries the same code with the high bit set (code | 0x80).
// Only the keys this kernel's demo input actually needs are represented;
// spec §4.9 calls for a small decoder, not the full 84/101-key table.
var baseScancodes = map[byte]Key{
	0x01: KeyEscape,
	0x02: Key1,
	0x03: Key2,
	0x04: Key3,
	0x05: Key4,
	0x06: Key5,
	0x07: Key6,
	0x08: Key7,
	0x09: Key8,
	0x0A: Key9,
	0x0B: Key0,
	0x0E: KeyBackspace,
	0x0F: KeyTab,
	0x10: KeyQ,
	0x11: KeyW,
	0x12: KeyE,
	0x13: KeyR,
	0x14: KeyT,
	0x15: KeyY,
	0x16: KeyU,
	0x17: KeyI,
	0x18: KeyO,
	0x19: KeyP,
	0x1C: KeyEnter,
	0x1D: KeyLeftControl,
	0x1E: KeyA,
	0x1F: KeyS,
	0x20: KeyD,
	0x21: KeyF,
	0x22: KeyG,
	0x23: KeyH,
	0x24: KeyJ,
	0x25: KeyK,
	0x26: KeyL,
	0x2A: KeyLeftShift,
	0x2C: KeyZ,
	0x2D: KeyX,
	0x2E: KeyC,
	0x2F: KeyV,
	0x30: KeyB,
	0x31: KeyN,
	0x32: KeyM,
	0x39: KeySpace,
}

// extendedScancodes maps the second byte of a two-byte (0xE0-prefixed)
// scancode to Key.
var extendedScancodes = map[byte]Key{
	0x1D: KeyRightControl,
}

// Event is a decoded keyboard event: a key, a pressed/released edge.
type Event struct {
	Key     Key
	Pressed bool
}

// Outcome reports what a Decoder did with the most recently fed byte.
type Outcome uint8

const (
	// Continuing means more bytes are needed before an event is ready
	// (e.g. the 0xE0 prefix byte of an extended scancode was just seen).
	Continuing Outcome = iota

	// Finished means the fed byte completed a scancode sequence; the
	// Decoder's Feed method returns the resulting Event alongside it.
	Finished
)

// Decoder turns a stream of scancode-set-1 bytes into key events. It holds
// just enough state to recognize the single 0xE0 two-byte extended prefix
// this kernel's keyboard handler cares about.
type Decoder struct {
	extended bool
}

// Feed processes one scancode byte read from the PS/2 data port. It
// returns Finished with a populated Event once a full scancode has been
// recognized, or Continuing if more bytes are needed (or the byte was
// unrecognized and simply dropped).
func (d *Decoder) Feed(b byte) (Outcome, Event) {
	if b == 0xE0 && !d.extended {
		d.extended = true
		return Continuing, Event{}
	}

	if d.extended {
		d.extended = false
		key, ok := extendedScancodes[b&0x7F]
		if !ok {
			return Continuing, Event{}
		}
		return Finished, Event{Key: key, Pressed: b&0x80 == 0}
	}

	key, ok := baseScancodes[b&0x7F]
	if !ok {
		return Continuing, Event{}
	}
	return Finished, Event{Key: key, Pressed: b&0x80 == 0}
}
