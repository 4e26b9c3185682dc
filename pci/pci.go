// Package pci implements a PCI configuration-space bus: CF8/CFC
// address-port decode, a per-slot device header table, and the
// virtio-PCI identification contract device builders advertise to the
// guest's PCI probe (spec §6.3).
//
// Grounded on pci.PCI's address/PciConfAddrIn/PciConfAddrOut shape,
// generalized from a single hard-coded virtio-net vendor/device ID
// pair into a slot table so multiple virtio devices (net, block,
// console) can be registered on the same bus.
package pci

import "sort"

// Configuration Space Access Mechanism #1 address decode (CF8).
type address uint32

func (a address) registerOffset() uint32 { return uint32(a) & 0xfc }
func (a address) function() uint32       { return (uint32(a) >> 8) & 0x7 }
func (a address) device() uint32         { return (uint32(a) >> 11) & 0x1f }
func (a address) bus() uint32            { return (uint32(a) >> 16) & 0xff }
func (a address) enabled() bool          { return uint32(a)&(1<<31) != 0 }

// DeviceHeader is the type-0 configuration header fields a virtio-PCI
// device builder fills in (spec §6.3).
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	HeaderType    uint8
	SubsystemID   uint16
	BAR           [6]uint32
	InterruptLine uint8
	InterruptPin  uint8
}

// Virtio-PCI identification constants device builders advertise
// (spec §6.3).
const (
	VirtioVendorID      = 0x1af4
	VirtioDeviceNet     = 0x1000
	VirtioDeviceBlock   = 0x1001
	VirtioDeviceConsole = 0x1003
	VirtioDeviceVsock   = 0x1012
)

// Device is one function on the bus: a configuration header plus
// BAR-relative IO or MMIO handlers a device builder installs
// separately through IOP or GMM.
type Device interface {
	GetDeviceHeader() DeviceHeader
}

// Bus is the configuration-space access mechanism shared by every
// slot: the host decodes CF8/CFC writes into (bus, device, function,
// offset) and dispatches to whichever Device occupies that slot.
type Bus struct {
	addr    address
	devices map[uint32]Device // keyed by device() << 3 | function()
}

// NewBus builds an empty configuration-space bus.
func NewBus() *Bus {
	return &Bus{devices: make(map[uint32]Device)}
}

func slotKey(dev, fn uint32) uint32 { return dev<<3 | fn }

// Attach installs dev at the given (device, function) slot.
func (b *Bus) Attach(dev, fn uint32, d Device) { b.devices[slotKey(dev, fn)] = d }

// Slots returns the occupied slots in ascending order, for bus-walk
// diagnostics and the guest's initial PCI probe to find.
func (b *Bus) Slots() []uint32 {
	keys := make([]uint32, 0, len(b.devices))
	for k := range b.devices {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

// ConfAddrIn reads back the last CONFIG_ADDRESS write (CF8 IN).
func (b *Bus) ConfAddrIn(values []byte) error {
	if len(values) != 4 {
		return nil
	}

	v := uint32(b.addr)
	values[0] = byte(v)
	values[1] = byte(v >> 8)
	values[2] = byte(v >> 16)
	values[3] = byte(v >> 24)

	return nil
}

// ConfAddrOut latches a new CONFIG_ADDRESS (CF8 OUT).
func (b *Bus) ConfAddrOut(values []byte) error {
	if len(values) != 4 {
		return nil
	}

	var v uint32
	for i, x := range values {
		v |= uint32(x) << (8 * i)
	}

	b.addr = address(v)

	return nil
}

// ConfDataIn reads the configuration-space register the last
// CONFIG_ADDRESS selected (CFC IN). A slot with nothing attached
// reads back all-ones, the PCI convention for "no device present".
func (b *Bus) ConfDataIn(values []byte) error {
	if !b.addr.enabled() {
		fill(values, 0xff)

		return nil
	}

	d, ok := b.devices[slotKey(b.addr.device(), b.addr.function())]
	if !ok {
		fill(values, 0xff)

		return nil
	}

	hdr := d.GetDeviceHeader()

	word := headerWord(hdr, b.addr.registerOffset())
	copy(values, word[:])

	return nil
}

// ConfDataOut accepts configuration-space writes but this bus models
// every header field as read-only from the guest's perspective; BAR
// sizing probes (write all-ones, read back the size mask) are not
// implemented since no attached device currently advertises a
// resizable BAR.
func (b *Bus) ConfDataOut(values []byte) error { return nil }

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// headerWord packs the 4-byte configuration-space word at the given
// byte offset out of hdr's fields, in the type-0 header's canonical
// layout.
func headerWord(hdr DeviceHeader, offset uint32) [4]byte {
	var out [4]byte

	switch offset {
	case 0x00:
		out[0], out[1] = byte(hdr.VendorID), byte(hdr.VendorID>>8)
		out[2], out[3] = byte(hdr.DeviceID), byte(hdr.DeviceID>>8)
	case 0x04:
		out[0], out[1] = byte(hdr.Command), byte(hdr.Command>>8)
		out[2], out[3] = byte(hdr.Status), byte(hdr.Status>>8)
	case 0x08:
		out[0] = hdr.RevisionID
	case 0x0c:
		out[2] = hdr.HeaderType
	case 0x10, 0x14, 0x18, 0x1c, 0x20, 0x24:
		idx := (offset - 0x10) / 4
		bar := hdr.BAR[idx]
		out[0], out[1] = byte(bar), byte(bar>>8)
		out[2], out[3] = byte(bar>>16), byte(bar>>24)
	case 0x2c:
		out[2], out[3] = byte(hdr.SubsystemID), byte(hdr.SubsystemID>>8)
	case 0x3c:
		out[0] = hdr.InterruptLine
		out[1] = hdr.InterruptPin
	}

	return out
}
