// Package ps2 drives the PS/2 controller and keyboard: controller
// self-test and port enable at boot, and the IRQ1 handler that drains the
// output buffer, decodes scancodes, and publishes key events into an
// input pipe, per spec §4.9.
package ps2

import (
	"github.com/coreforge/kernel"
	"github.com/coreforge/kernel/cpu"
	"github.com/coreforge/kernel/driver/pic"
	"github.com/coreforge/kernel/irq"
	"github.com/coreforge/kernel/ringpipe"
)

const (
	dataPort    = 0x60
	statusPort  = 0x64
	commandPort = 0x64
)

const (
	statusOutputFull = 1 << 0
	statusInputFull  = 1 << 1
)

const (
	cmdSelfTest    = 0xAA
	cmdEnablePort1 = 0xAE
	cmdReadConfig  = 0x20
	cmdWriteConfig = 0x60

	selfTestPassed = 0x55

	configPort1InterruptEnable = 1 << 0
)

// inbFn/outbFn wrap cpu's port-I/O primitives so tests can fake the
// controller's ports.
var (
	inbFn  = cpu.InB
	outbFn = cpu.OutB
)

// Controller drives the 8042 PS/2 controller and its first port (the
// keyboard). It decodes scancodes and publishes the resulting key events
// into Events.
type Controller struct {
	Events  *ringpipe.Pipe[Event]
	pic     *pic.PIC
	decoder Decoder
}

// New constructs a Controller that publishes decoded key events into
// events and sends end-of-interrupt through pic.
func New(events *ringpipe.Pipe[Event], pic *pic.PIC) *Controller {
	return &Controller{Events: events, pic: pic}
}

// DriverName identifies this driver.
func (*Controller) DriverName() string { return "ps2-controller" }

// DriverVersion reports this driver's version.
func (*Controller) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

func waitForOutput() {
	for inbFn(statusPort)&statusOutputFull == 0 {
	}
}

func waitForInputReady() {
	for inbFn(statusPort)&statusInputFull != 0 {
	}
}

func flushOutput() {
	for inbFn(statusPort)&statusOutputFull != 0 {
		inbFn(dataPort)
	}
}

func readConfig() byte {
	waitForInputReady()
	outbFn(commandPort, cmdReadConfig)
	waitForOutput()
	return inbFn(dataPort)
}

func writeConfig(cfg byte) {
	waitForInputReady()
	outbFn(commandPort, cmdWriteConfig)
	waitForInputReady()
	outbFn(dataPort, cfg)
}

// DriverInit runs the controller self-test, enables port 1 (the
// keyboard), and unmasks its interrupt in the controller's configuration
// byte.
func (c *Controller) DriverInit() *kernel.Error {
	flushOutput()

	outbFn(commandPort, cmdSelfTest)
	waitForOutput()
	if inbFn(dataPort) != selfTestPassed {
		return kernel.NewError("ps2", kernel.InvalidData, "controller self-test failed")
	}

	outbFn(commandPort, cmdEnablePort1)
	writeConfig(readConfig() | configPort1InterruptEnable)
	flushOutput()

	return nil
}

// HandleIRQ is installed against irq.KeyboardVector. It drains the output
// buffer while the status register reports data available, feeds each
// byte through the scancode decoder, publishes completed key events into
// Events, and finally acknowledges the interrupt at the PIC.
func (c *Controller) HandleIRQ(regs *irq.Registers, frame *irq.Frame) {
	for inbFn(statusPort)&statusOutputFull != 0 {
		b := inbFn(dataPort)
		if outcome, ev := c.decoder.Feed(b); outcome == Finished {
			c.Events.Write([]Event{ev})
		}
	}
	c.pic.EndOfInterrupt(uint8(irq.KeyboardVector - irq.PICBase))
}
