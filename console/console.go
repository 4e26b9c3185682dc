// Package console implements a PL011-compatible UART as an
// MMIO-emulated device (device.Device), the ARM console counterpart
// to the teacher's 16550 IO-port serial device.
//
// Grounded on serial.Serial's register dispatch and IRQInjector
// pattern, generalized from COM1's IO-port-relative byte registers to
// PL011's MMIO word registers and from a flat InjectSerialIRQ callback
// to a vGIC IRQ line (spec §4.4's SPI injection path).
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
)

// PL011 register offsets (ARM PrimeCell UART, the console Linux's
// arm/arm64 defconfigs probe for on the amba bus).
const (
	regDR   = 0x00
	regFR   = 0x18
	regIBRD = 0x24
	regFBRD = 0x28
	regLCRH = 0x2c
	regCR   = 0x30
	regIFLS = 0x34
	regIMSC = 0x38
	regRIS  = 0x3c
	regMIS  = 0x40
	regICR  = 0x44
)

// FR (flag register) bits.
const (
	frRXFE = 1 << 4 // receive FIFO empty
	frTXFF = 1 << 5 // transmit FIFO full
)

// RIS/IMSC/MIS bit for the RX interrupt (the only interrupt source
// this emulation raises).
const rxInterrupt = 1 << 4

// IRQInjector raises the console's interrupt line; installed by the
// VM wiring layer as a thin adapter over vgic.Controller.InjectIRQ.
type IRQInjector interface {
	InjectConsoleIRQ() error
}

// UART is one PL011 instance.
type UART struct {
	ibrd, fbrd uint32
	lcrh       uint32
	cr         uint32
	imsc       uint32
	ris        uint32

	input  chan byte
	output io.Writer

	irq IRQInjector
}

// New builds a UART writing TX bytes to stdout until SetOutput
// overrides it, matching serial.New's os.Stdout default.
func New(irq IRQInjector) *UART {
	return &UART{
		input:  make(chan byte, 10000),
		output: os.Stdout,
		irq:    irq,
	}
}

// SetOutput redirects TX bytes, e.g. to a pty or log sink in tests.
func (u *UART) SetOutput(w io.Writer) { u.output = w }

// DebugMirror wraps an io.Writer and strips ANSI control sequences
// before forwarding, so a guest kernel driver that writes raw VT100
// escapes (cursor moves, alternate-screen switches) can't corrupt the
// host's plain log stream when the VM wiring layer mirrors TX bytes
// there for debugging.
type DebugMirror struct {
	w io.Writer
}

// NewDebugMirror wraps w.
func NewDebugMirror(w io.Writer) *DebugMirror { return &DebugMirror{w: w} }

// Write implements io.Writer.
func (m *DebugMirror) Write(p []byte) (int, error) {
	if _, err := io.WriteString(m.w, ansi.Strip(string(p))); err != nil {
		return 0, err
	}

	return len(p), nil
}

// InputChan returns the send side of the RX queue: a driver pumping
// host-terminal bytes into the guest writes here.
func (u *UART) InputChan() chan<- byte { return u.input }

// Push enqueues one RX byte and raises the RX interrupt if the guest
// has unmasked it, mirroring serial.Start's irqInject-on-enqueue.
func (u *UART) Push(b byte) error {
	u.input <- b
	u.ris |= rxInterrupt

	if u.imsc&rxInterrupt != 0 {
		return u.irq.InjectConsoleIRQ()
	}

	return nil
}

// Read implements device.Device for a PL011 MMIO-emulated reservation.
func (u *UART) Read(offset uint64) (uint64, error) {
	switch offset {
	case regDR:
		if len(u.input) == 0 {
			return 0, nil
		}

		return uint64(<-u.input), nil

	case regFR:
		var fr uint32
		if len(u.input) == 0 {
			fr |= frRXFE
		}
		// TX FIFO is never modelled as full: every write drains
		// synchronously to u.output.
		return uint64(fr), nil

	case regIBRD:
		return uint64(u.ibrd), nil
	case regFBRD:
		return uint64(u.fbrd), nil
	case regLCRH:
		return uint64(u.lcrh), nil
	case regCR:
		return uint64(u.cr), nil
	case regIMSC:
		return uint64(u.imsc), nil
	case regRIS:
		return uint64(u.ris), nil
	case regMIS:
		return uint64(u.ris & u.imsc), nil

	default:
		return 0, nil
	}
}

// Write implements device.Device.
func (u *UART) Write(offset uint64, value uint64, width int) error {
	switch offset {
	case regDR:
		_, err := fmt.Fprintf(u.output, "%c", byte(value))

		return err

	case regIBRD:
		u.ibrd = uint32(value)
	case regFBRD:
		u.fbrd = uint32(value)
	case regLCRH:
		u.lcrh = uint32(value)
	case regCR:
		u.cr = uint32(value)
	case regIMSC:
		u.imsc = uint32(value)
	case regICR:
		u.ris &^= uint32(value)
	case regIFLS, regFR:
		// read-only / not modelled
	default:
	}

	return nil
}
