package pci_test

import (
	"testing"

	"github.com/capvisor/vmm/pci"
)

func TestBridgeGetDeviceHeader(t *testing.T) {
	t.Parallel()

	br := pci.NewBridge()

	hdr := br.GetDeviceHeader()
	if hdr.DeviceID != 0x0d57 {
		t.Fatalf("DeviceID = %#x, want 0x0d57", hdr.DeviceID)
	}

	if hdr.HeaderType != 1 {
		t.Fatalf("HeaderType = %d, want 1 (bridge)", hdr.HeaderType)
	}
}
