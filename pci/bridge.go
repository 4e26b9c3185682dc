package pci

// bridge is a type-1 (PCI-to-PCI bridge) header occupying slot 0 on
// bus 0, standing in for the root complex a guest's PCI enumeration
// expects to find before it reaches the virtio functions behind it.
//
// Grounded on the teacher's bridge.go; adapted from the old
// IOInHandler/IOOutHandler/GetIORange shape (a bridge forwarded or
// rejected IO-port ranges) to the DeviceHeader-only Device interface
// above, since this bus has no IO-port ranges of its own to claim —
// a bridge is pure configuration-space bookkeeping here.
type bridge struct{}

func (bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		VendorID:   0x8086,
		DeviceID:   0x0d57,
		HeaderType: 1,
	}
}

// NewBridge returns the root-complex bridge device for slot 0.
func NewBridge() Device { return bridge{} }
