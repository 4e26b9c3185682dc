package gmm

import (
	"testing"

	"github.com/capvisor/vmm/fault"
	"github.com/capvisor/vmm/hostif"
)

type bumpAllocator struct{ next uint32 }

func (b *bumpAllocator) AllocateFrame(sizeBits uint) (hostif.CapSlot, error) {
	b.next++

	return hostif.CapSlot{Index: b.next}, nil
}

type fakeDevice struct {
	lastWrite uint64
	readValue uint64
}

func (d *fakeDevice) Read(offset uint64) (uint64, error) { return d.readValue, nil }
func (d *fakeDevice) Write(offset uint64, value uint64, width int) error {
	d.lastWrite = value

	return nil
}

func newTestMap(t *testing.T) (*Map, *hostif.Fake) {
	t.Helper()

	h := hostif.NewFake(1<<20, 1)
	m := New(&bumpAllocator{}, h)

	return m, h
}

func TestReserveMemoryAtDetectsOverlap(t *testing.T) {
	m, _ := newTestMap(t)

	if _, err := m.ReserveMemoryAt(0x1000, 0x1000, KindMMIOEmulated, &fakeDevice{}); err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	if _, err := m.ReserveMemoryAt(0x1800, 0x1000, KindMMIOEmulated, &fakeDevice{}); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestReserveMemoryAtAdjacentRangesDoNotConflict(t *testing.T) {
	m, _ := newTestMap(t)

	if _, err := m.ReserveMemoryAt(0x1000, 0x1000, KindMMIOEmulated, &fakeDevice{}); err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	if _, err := m.ReserveMemoryAt(0x2000, 0x1000, KindMMIOEmulated, &fakeDevice{}); err != nil {
		t.Fatalf("adjacent reservation should not conflict: %v", err)
	}
}

func TestHandleMMIOUnhandledWhenNoReservation(t *testing.T) {
	m, _ := newTestMap(t)

	f := fault.New(0, fault.ISAA32, 0xDEAD0000, 0x80000000, 0, false, true, fault.WidthWord)

	res, err := m.HandleMMIO(f, 0xDEAD0000, 4)
	if err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}

	if res != ResultUnhandled {
		t.Fatalf("result = %v, want ResultUnhandled", res)
	}
}

func TestHandleMMIOEmulatedRead(t *testing.T) {
	m, _ := newTestMap(t)

	dev := &fakeDevice{readValue: 0x42}

	if _, err := m.ReserveMemoryAt(0x3000, 0x1000, KindMMIOEmulated, dev); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	readFault := fault.New(0, fault.ISAA32, 0x3004, 0x80000000, 0, false, false, fault.WidthWord)

	res, err := m.HandleMMIO(readFault, 0x3004, 4)
	if err != nil {
		t.Fatalf("HandleMMIO read: %v", err)
	}

	if res != ResultHandled {
		t.Fatalf("result = %v, want ResultHandled", res)
	}

	if readFault.Data != 0x42 {
		t.Fatalf("Data = %#x, want 0x42", readFault.Data)
	}
}

func TestHandleMMIORAMAllocatedDemandMaps(t *testing.T) {
	m, _ := newTestMap(t)

	if _, err := m.RAMRegisterAt(0x40000000, 0x100000); err != nil {
		t.Fatalf("RAMRegisterAt: %v", err)
	}

	f := fault.New(0, fault.ISAA32, 0x40001000, 0x80000000, 0, false, true, fault.WidthWord)

	res, err := m.HandleMMIO(f, 0x40001000, 4)
	if err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}

	if res != ResultRestart {
		t.Fatalf("result = %v, want ResultRestart", res)
	}
}

func TestHandleMMIOEmulatedWriteCarriesGuestValue(t *testing.T) {
	m, _ := newTestMap(t)

	if _, err := m.RAMRegisterAt(0, 0x1000); err != nil {
		t.Fatalf("RAMRegisterAt: %v", err)
	}

	dev := &fakeDevice{}

	if _, err := m.ReserveMemoryAt(0x3000, 0x1000, KindMMIOEmulated, dev); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// STRB R1, [R0]: cond=AL, 01 class, I=0, P=1, U=1, B=1, W=0, L=0,
	// Rn=R0, Rd=R1, imm12=0.
	instr := []byte{0x00, 0x10, 0xC0, 0xE5}

	if _, err := m.WriteAt(instr, 0); err != nil {
		t.Fatalf("WriteAt instruction: %v", err)
	}

	var regs hostif.Regs
	regs.X[1] = 0xAB // source register the store reads from

	f := fault.New(0, fault.ISAA32, 0x3004, 0, 0, false, true, fault.WidthByte)

	if err := f.Decode(m, &regs); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	res, err := m.HandleMMIO(f, 0x3004, 1)
	if err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}

	if res != ResultHandled {
		t.Fatalf("result = %v, want ResultHandled", res)
	}

	if dev.lastWrite != 0xAB {
		t.Fatalf("device observed write %#x, want 0xAB (guest register value, not a stale zero)", dev.lastWrite)
	}
}

func TestIOAccessControlledMasksDeniedWrite(t *testing.T) {
	m, _ := newTestMap(t)

	dev := &fakeDevice{}

	r, err := m.ReserveMemoryAt(0x5000, 0x1000, KindIOAccessControlled, dev)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	r.Mask = []byte{0x00} // nothing permitted

	f := fault.New(0, fault.ISAA32, 0x5000, 0x80000000, 0, false, true, fault.WidthByte)
	f.Data = 0xFF

	res, err := m.HandleMMIO(f, 0x5000, 1)
	if err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}

	if res != ResultIgnore {
		t.Fatalf("result = %v, want ResultIgnore", res)
	}

	if dev.lastWrite != 0 {
		t.Fatalf("device should not have observed the write")
	}
}
