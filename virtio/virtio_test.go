package virtio_test

import (
	"testing"

	"github.com/capvisor/vmm/virtio"
)

type fakeIRQ struct{ fired int }

func (f *fakeIRQ) InjectDeviceIRQ() error {
	f.fired++

	return nil
}

func TestNetDeviceHeaderAdvertisesVirtioIdentity(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	dev := virtio.NewNet([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}, 9, irq)
	dev.AttachPort(0x6200)

	hdr := dev.GetDeviceHeader()
	if hdr.VendorID != 0x1af4 || hdr.DeviceID != 0x1000 {
		t.Fatalf("identity = %#x/%#x, want 0x1af4/0x1000", hdr.VendorID, hdr.DeviceID)
	}

	if hdr.BAR[0] != 0x6200|0x1 {
		t.Fatalf("BAR[0] = %#x, want IO-space BAR at 0x6200", hdr.BAR[0])
	}

	if hdr.InterruptLine != 9 {
		t.Fatalf("InterruptLine = %d, want 9", hdr.InterruptLine)
	}
}

func TestNetConfigSpaceReportsMAC(t *testing.T) {
	t.Parallel()

	mac := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	dev := virtio.NewNet(mac, 9, &fakeIRQ{})
	dev.AttachPort(0x6200)

	for i, want := range mac {
		got, err := dev.PortIn(0x6200+20+uint16(i), 1)
		if err != nil {
			t.Fatalf("PortIn: %v", err)
		}

		if byte(got) != want {
			t.Fatalf("mac[%d] = %#x, want %#x", i, got, want)
		}
	}
}

func TestQueueNotifyRaisesIRQAndSetsISR(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	dev := virtio.NewNet([6]byte{}, 9, irq)
	dev.AttachPort(0x6200)

	if err := dev.PortOut(0x6200+16, 2, 0); err != nil {
		t.Fatalf("PortOut(notify): %v", err)
	}

	if irq.fired != 1 {
		t.Fatalf("fired = %d, want 1", irq.fired)
	}

	isr, err := dev.PortIn(0x6200+19, 1)
	if err != nil {
		t.Fatalf("PortIn(isr): %v", err)
	}

	if isr != 1 {
		t.Fatalf("isr = %d, want 1", isr)
	}
}

func TestReadingISRClearsIt(t *testing.T) {
	t.Parallel()

	dev := virtio.NewNet([6]byte{}, 9, &fakeIRQ{})
	dev.AttachPort(0x6200)

	if err := dev.PortOut(0x6200+16, 2, 0); err != nil {
		t.Fatalf("PortOut(notify): %v", err)
	}

	if _, err := dev.PortIn(0x6200+19, 1); err != nil {
		t.Fatalf("PortIn(isr): %v", err)
	}

	isr, err := dev.PortIn(0x6200+19, 1)
	if err != nil {
		t.Fatalf("PortIn(isr) again: %v", err)
	}

	if isr != 0 {
		t.Fatalf("isr after second read = %d, want 0 (cleared by first read)", isr)
	}
}

func TestDeviceStatusRoundTrips(t *testing.T) {
	t.Parallel()

	dev := virtio.NewBlock(2048, 10, &fakeIRQ{})
	dev.AttachPort(0x6300)

	if err := dev.PortOut(0x6300+18, 1, 0x07); err != nil {
		t.Fatalf("PortOut(status): %v", err)
	}

	status, err := dev.PortIn(0x6300+18, 1)
	if err != nil {
		t.Fatalf("PortIn(status): %v", err)
	}

	if status != 0x07 {
		t.Fatalf("status = %#x, want 0x07", status)
	}
}

func TestBlockConfigReportsCapacity(t *testing.T) {
	t.Parallel()

	dev := virtio.NewBlock(1<<20, 10, &fakeIRQ{})
	dev.AttachPort(0x6300)

	var capacity uint64
	for i := 0; i < 8; i++ {
		b, err := dev.PortIn(0x6300+20+uint16(i), 1)
		if err != nil {
			t.Fatalf("PortIn: %v", err)
		}

		capacity |= uint64(b) << (8 * i)
	}

	if capacity != 1<<20 {
		t.Fatalf("capacity = %d, want %d", capacity, 1<<20)
	}
}
