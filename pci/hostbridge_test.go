package pci_test

import (
	"testing"

	"github.com/capvisor/vmm/pci"
)

func TestHostBridgeConfAddrRoundTripsThroughMMIO(t *testing.T) {
	t.Parallel()

	bus := pci.NewBus()
	bus.Attach(1, 0, netDevice{})

	hb := pci.NewHostBridge(bus)

	addr := uint64(1<<31 | 1<<11) // enabled, device 1, register 0
	if err := hb.Write(0x00, addr, 4); err != nil {
		t.Fatalf("Write(addr): %v", err)
	}

	got, err := hb.Read(0x00)
	if err != nil {
		t.Fatalf("Read(addr): %v", err)
	}

	if got != addr {
		t.Fatalf("addr round-trip = %#x, want %#x", got, addr)
	}

	data, err := hb.Read(0x04)
	if err != nil {
		t.Fatalf("Read(data): %v", err)
	}

	vendor := uint16(data)
	if vendor != pci.VirtioVendorID {
		t.Fatalf("vendor via MMIO = %#x, want %#x", vendor, pci.VirtioVendorID)
	}
}
