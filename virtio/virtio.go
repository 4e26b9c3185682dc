// Package virtio implements the virtio-PCI common configuration
// header and per-device identification (net/block/console/vsock)
// that the guest's virtio driver probes and pokes during attach.
// Ring-buffer semantics (descriptor tables, avail/used rings, the
// actual packet/block-request data path) are out of scope: a virtio
// device here is a thin consumer of the IO-Port Registry and the
// vGIC, exactly as much as a guest driver's probe sequence needs to
// believe a real virtio transport is behind the BAR.
//
// Grounded on virtio.Net/virtio.Blk's commonHeader/netHeader/Hdr
// layout and IOInHandler/IOOutHandler dispatch, narrowed to the
// common header plus each device's own config space and dropping the
// VirtQueue/Rx/Tx descriptor-chain walk entirely.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/capvisor/vmm/pci"
)

// IOPortSize is the BAR window size every virtio-PCI legacy function
// claims: 256 bytes, the 20-byte common header plus up to 236 bytes of
// device-specific configuration space.
const IOPortSize = 0x100

// commonHeaderSize is the legacy virtio-PCI common configuration
// header: host/guest feature bits, queue address/size/select/notify,
// device status, and ISR status (virtio 0.9.5 draft, section 2.1).
const commonHeaderSize = 20

const (
	offHostFeatures   = 0
	offGuestFeatures  = 4
	offQueueAddress   = 8
	offQueueSize      = 12
	offQueueSelect    = 14
	offQueueNotify    = 16
	offDeviceStatus   = 18
	offISRStatus      = 19
	offConfig         = commonHeaderSize
)

// Kind identifies which virtio device class a Device instance
// advertises (spec §6.3's four device users of the dispatch engine).
type Kind int

const (
	KindNet Kind = iota
	KindBlock
	KindConsole
	KindVsock
)

func (k Kind) deviceID() uint16 {
	switch k {
	case KindNet:
		return pci.VirtioDeviceNet
	case KindBlock:
		return pci.VirtioDeviceBlock
	case KindConsole:
		return pci.VirtioDeviceConsole
	case KindVsock:
		return pci.VirtioDeviceVsock
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindNet:
		return "net"
	case KindBlock:
		return "block"
	case KindConsole:
		return "console"
	case KindVsock:
		return "vsock"
	default:
		return "unknown"
	}
}

// IRQInjector raises a device's interrupt line on the vGIC; installed
// by the VM wiring layer as a thin adapter over
// vgic.Controller.InjectIRQ, mirroring console.IRQInjector.
type IRQInjector interface {
	InjectDeviceIRQ() error
}

// Device is one virtio-PCI legacy function. It answers the guest's
// feature negotiation and queue-geometry probes faithfully, raises
// its interrupt line on notify, and carries a device-specific config
// block — but performs no ring-buffer emulation (spec.md Non-goals).
type Device struct {
	kind Kind

	portBase uint16

	hostFeatures  uint32
	guestFeatures uint32
	queueAddress  [2]uint32 // indexed by queueSelect, legacy allows up to 2 virtqueues
	queueSelect   uint16
	status        uint8
	isr           uint8

	config []byte // device-specific configuration space (offConfig+)

	interruptLine uint8
	irq           IRQInjector
}

// newDevice builds a Device with commonHeaderSize+len(config) bytes
// of BAR window, zeroed common header state.
func newDevice(kind Kind, config []byte, interruptLine uint8, irq IRQInjector) *Device {
	return &Device{
		kind:          kind,
		config:        config,
		interruptLine: interruptLine,
		irq:           irq,
	}
}

// NewNet builds a virtio-net function advertising mac in its
// device-specific configuration space (virtio 0.9.5 §5.1.3).
func NewNet(mac [6]byte, interruptLine uint8, irq IRQInjector) *Device {
	config := make([]byte, 8) // mac[6] + status(2)
	copy(config[0:6], mac[:])

	return newDevice(KindNet, config, interruptLine, irq)
}

// NewBlock builds a virtio-blk function advertising capacitySectors
// (virtio 0.9.5 §5.2.4).
func NewBlock(capacitySectors uint64, interruptLine uint8, irq IRQInjector) *Device {
	config := make([]byte, 8)
	binary.LittleEndian.PutUint64(config, capacitySectors)

	return newDevice(KindBlock, config, interruptLine, irq)
}

// NewConsole builds a virtio-console function with one port and no
// multiport support (virtio 0.9.5 §5.3.4).
func NewConsole(interruptLine uint8, irq IRQInjector) *Device {
	config := make([]byte, 4) // cols(2) + rows(2)

	return newDevice(KindConsole, config, interruptLine, irq)
}

// NewVsock builds a virtio-vsock function advertising cid.
func NewVsock(cid uint64, interruptLine uint8, irq IRQInjector) *Device {
	config := make([]byte, 8)
	binary.LittleEndian.PutUint64(config, cid)

	return newDevice(KindVsock, config, interruptLine, irq)
}

// GetDeviceHeader implements pci.Device.
func (d *Device) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:      pci.VirtioVendorID,
		DeviceID:      d.kind.deviceID(),
		HeaderType:    0,
		Command:       1, // IO space enabled
		SubsystemID:   uint16(d.kind) + 1,
		BAR:           [6]uint32{uint32(d.portBase) | 0x1}, // bit0 set: IO-space BAR
		InterruptPin:  1,
		InterruptLine: d.interruptLine,
	}
}

// AttachPort records the IO-port base the guest's BAR sizing probe
// settled on, so GetDeviceHeader reports it back. cmd/vmm registers
// virtio devices as MMIO reservations and does not call it.
func (d *Device) AttachPort(base uint16) { d.portBase = base }

// notify signals that the guest believes it kicked a virtqueue; since
// ring emulation is out of scope, this only raises the device's
// interrupt line, the observable side effect a driver waits on.
func (d *Device) notify() error {
	d.isr |= 0x1

	if d.irq == nil {
		return nil
	}

	return d.irq.InjectDeviceIRQ()
}

// PortIn implements ioport.Handler, for a virtio-PCI legacy BAR
// registered through the IO-Port Registry.
func (d *Device) PortIn(port uint16, size int) (uint32, error) {
	return d.readOffset(int(port-d.portBase), size)
}

// PortOut implements ioport.Handler.
func (d *Device) PortOut(port uint16, size int, value uint32) error {
	return d.writeOffset(int(port-d.portBase), size, value)
}

// Read implements device.Device, so the device can be registered
// directly as a KindMMIOEmulated GMM reservation in place of the
// teacher's x86 virtio-PCI IO-port BAR. It presents the same legacy
// virtio-PCI register layout as PortIn; the virtio-mmio register
// layout (magic value, version, device ID registers) is not
// implemented.
func (d *Device) Read(offset uint64) (uint64, error) {
	v, err := d.readOffset(int(offset), 4)

	return uint64(v), err
}

// Write implements device.Device. width is a fault.Width value
// (0=byte .. 3=doubleword) and is converted to a byte count here.
func (d *Device) Write(offset uint64, value uint64, width int) error {
	return d.writeOffset(int(offset), 1<<uint(width), uint32(value))
}

func (d *Device) readOffset(offset, size int) (uint32, error) {
	b, err := d.readAt(offset, size)
	if err != nil {
		return 0, err
	}

	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(b[i]) << (8 * i)
	}

	if offset == offISRStatus {
		d.isr = 0 // legacy convention: reading ISR status clears it
	}

	return v, nil
}

func (d *Device) writeOffset(offset, size int, value uint32) error {
	switch offset {
	case offGuestFeatures:
		d.guestFeatures = value
	case offQueueAddress:
		d.queueAddress[d.queueSelect%2] = value
	case offQueueSelect:
		d.queueSelect = uint16(value)
	case offQueueNotify:
		return d.notify()
	case offDeviceStatus:
		d.status = uint8(value)
	default:
		if offset >= offConfig && offset-offConfig < len(d.config) {
			b := make([]byte, size)
			for i := 0; i < size; i++ {
				b[i] = byte(value >> (8 * i))
			}

			copy(d.config[offset-offConfig:], b)
		}
		// writes to host-features/queue-size/isr are ignored: those
		// fields are guest-read-only in the legacy layout.
	}

	return nil
}

func (d *Device) readAt(offset, size int) ([]byte, error) {
	buf := make([]byte, 4)

	switch {
	case offset == offHostFeatures:
		binary.LittleEndian.PutUint32(buf, d.hostFeatures)
	case offset == offGuestFeatures:
		binary.LittleEndian.PutUint32(buf, d.guestFeatures)
	case offset == offQueueAddress:
		binary.LittleEndian.PutUint32(buf, d.queueAddress[d.queueSelect%2])
	case offset == offQueueSize:
		binary.LittleEndian.PutUint16(buf, QueueSize)
	case offset == offQueueSelect:
		binary.LittleEndian.PutUint16(buf, d.queueSelect)
	case offset == offDeviceStatus:
		buf[0] = d.status
	case offset == offISRStatus:
		buf[0] = d.isr
	case offset >= offConfig:
		rel := offset - offConfig
		if rel+size > len(d.config) {
			return nil, fmt.Errorf("virtio: config read out of range at offset %#x", offset)
		}

		copy(buf, d.config[rel:rel+size])
	}

	return buf[:size], nil
}

// QueueSize is reported to the guest as the (informational) number of
// descriptors per virtqueue; spec.md's Non-goals exclude implementing
// the ring these describe, so it never varies with real queue depth.
const QueueSize = 32
