package hal

import (
	"github.com/coreforge/kernel/driver/tty"
	"github.com/coreforge/kernel/driver/video/console"
	"github.com/coreforge/kernel/hal/boothandoff"
)

// TextSink is the narrow interface kfmt/early and kernel.Panic write
// console output through, so neither depends on the concrete EGA/VT stack.
// Write is pulled in beyond the three methods a caller strictly needs
// (WriteByte, Clear, SetPosition) because Printf batches multi-byte writes
// through it rather than looping a byte at a time.
type TextSink interface {
	Write(p []byte) (int, error)
	WriteByte(b byte) error
	Clear()
	SetPosition(x, y uint16)
}

var (
	egaConsole = &console.Ega{}
	vt         = &tty.Vt{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal TextSink = vt
)

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup
func InitTerminal() {
	fbInfo := boothandoff.Framebuffer()

	egaConsole.Init(uint16(fbInfo.Width), uint16(fbInfo.Height), uintptr(fbInfo.PhysAddr))
	vt.AttachTo(egaConsole)
}
