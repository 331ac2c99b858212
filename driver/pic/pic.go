// Package pic drives the legacy 8259 Programmable Interrupt Controller
// pair: remapping their vectors off the CPU exception range and masking
// every IRQ line the kernel doesn't use, per spec §4.10.
package pic

import "github.com/coreforge/kernel/cpu"

const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	icw1Init     = 0x11 // start init sequence, cascade mode, ICW4 expected
	icw3Pic1Slot = 0x04 // tell PIC1 a secondary sits at IRQ2
	icw3Pic2ID   = 0x02 // tell PIC2 its cascade identity (IRQ2)
	icw4Mode8086 = 0x01

	eoiCommand = 0x20

	// MaskAll masks every IRQ line on a single PIC.
	MaskAll = 0xFF
)

// inbFn/outbFn/ioWaitFn wrap cpu's port-I/O primitives so tests can
// observe and fake PIC register traffic.
var (
	inbFn    = cpu.InB
	outbFn   = cpu.OutB
	ioWaitFn = cpu.IOWait
)

// PIC is a handle to the master/secondary 8259 pair.
type PIC struct {
	offset1, offset2 uint8
}

// DriverName identifies this driver.
func (*PIC) DriverName() string { return "8259-pic" }

// DriverVersion reports this driver's version.
func (*PIC) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// Remap moves the master and secondary PIC's IRQ0-15 off vectors 0x08-0x0F
// (where they'd collide with CPU exceptions) onto offset1/offset2, which
// must each be 8-aligned. Existing IRQ masks are preserved across the
// remap.
func Remap(offset1, offset2 uint8) *PIC {
	mask1 := inbFn(pic1Data)
	mask2 := inbFn(pic2Data)

	outbFn(pic1Command, icw1Init)
	ioWaitFn()
	outbFn(pic2Command, icw1Init)
	ioWaitFn()
	outbFn(pic1Data, offset1)
	ioWaitFn()
	outbFn(pic2Data, offset2)
	ioWaitFn()
	outbFn(pic1Data, icw3Pic1Slot)
	ioWaitFn()
	outbFn(pic2Data, icw3Pic2ID)
	ioWaitFn()
	outbFn(pic1Data, icw4Mode8086)
	ioWaitFn()
	outbFn(pic2Data, icw4Mode8086)
	ioWaitFn()

	outbFn(pic1Data, mask1)
	ioWaitFn()
	outbFn(pic2Data, mask2)
	ioWaitFn()

	return &PIC{offset1: offset1, offset2: offset2}
}

// SetMasks replaces both PICs' IRQ masks outright (bit i set = IRQ i
// disabled).
func (p *PIC) SetMasks(mask1, mask2 uint8) {
	outbFn(pic1Data, mask1)
	outbFn(pic2Data, mask2)
}

// EnableIRQ unmasks a single IRQ line (0-15).
func (p *PIC) EnableIRQ(irq uint8) {
	if irq < 8 {
		outbFn(pic1Data, inbFn(pic1Data)&^(1<<irq))
		return
	}
	outbFn(pic2Data, inbFn(pic2Data)&^(1<<(irq-8)))
}

// DisableIRQ masks a single IRQ line (0-15).
func (p *PIC) DisableIRQ(irq uint8) {
	if irq < 8 {
		outbFn(pic1Data, inbFn(pic1Data)|(1<<irq))
		return
	}
	outbFn(pic2Data, inbFn(pic2Data)|(1<<(irq-8)))
}

// EndOfInterrupt acknowledges IRQ irq, sending EOI to the secondary PIC
// too when the IRQ came from it (irq >= 8).
func (p *PIC) EndOfInterrupt(irq uint8) {
	if irq >= 8 {
		outbFn(pic2Command, eoiCommand)
	}
	outbFn(pic1Command, eoiCommand)
}
