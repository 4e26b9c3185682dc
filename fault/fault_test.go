package fault

import (
	"testing"

	"github.com/capvisor/vmm/hostif"
)

type fakeMem struct{ buf []byte }

func (m *fakeMem) Touch(ipa uint64, b []byte) error {
	copy(b, m.buf[ipa:])

	return nil
}

// STRB r0, [r1, #3] encoded against the A32 single-data-transfer form:
// cond=1110 01 I=0 P=1 U=1 B=1 W=0 L=0 Rn=1 Rd=0 imm12=3
func encodeA32STRB(rn, rd hostif.RegID, imm12 uint32) uint32 {
	return 0xE<<28 | 0b01<<26 | 0<<25 | 1<<24 | 1<<23 | 1<<22 | 0<<21 | 0<<20 |
		uint32(rn)<<16 | uint32(rd)<<12 | imm12
}

func TestDecodeA32StoreByte(t *testing.T) {
	instr := encodeA32STRB(1, 0, 3)

	d, err := decodeA32(instr)
	if err != nil {
		t.Fatalf("decodeA32: %v", err)
	}

	if d.isRead {
		t.Fatalf("expected store, got load")
	}

	if d.width != WidthByte {
		t.Fatalf("width = %v, want byte", d.width)
	}

	if d.targetReg != 0 {
		t.Fatalf("targetReg = %v, want r0", d.targetReg)
	}
}

func TestByteLaneMaskStoreByteOffset3(t *testing.T) {
	mask, shift, err := ByteLaneMask(0x10000003, WidthByte)
	if err != nil {
		t.Fatalf("ByteLaneMask: %v", err)
	}

	if shift != 24 {
		t.Fatalf("shift = %d, want 24", shift)
	}

	if mask != 0xFF000000 {
		t.Fatalf("mask = %#x, want 0xFF000000", mask)
	}
}

func TestAdvancePCDeltaByIL(t *testing.T) {
	h := hostif.NewFake(1<<20, 1)

	f := New(0, ISAA32, 0x10000003, 0x80000000, 1<<25, false, true, WidthByte)
	f.instruction = encodeA32STRB(1, 0, 3)
	f.state = StateFetched

	mem := &fakeMem{buf: make([]byte, 16)}
	regs := hostif.Regs{}
	if err := f.Decode(mem, &regs); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	_ = h.TCBWriteRegs(0, hostif.Regs{PC: hostif.Word(f.IP)})

	if err := f.Advance(h, 0); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, _ := h.TCBReadRegs(0)
	if got.PC != 0x80000004 {
		t.Fatalf("PC = %#x, want +4", got.PC)
	}
}

func TestAdvancePCDeltaThumb16(t *testing.T) {
	h := hostif.NewFake(1<<20, 1)

	f := New(0, ISAThumb, 0x80000000, 0x80000100, 0, false, true, WidthHalfword)
	f.instruction = uint32(0b10000_00000_001_000) // STRH r0, [r1, #0]
	f.state = StateFetched

	mem := &fakeMem{buf: make([]byte, 16)}
	regs := hostif.Regs{}
	if err := f.Decode(mem, &regs); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	_ = h.TCBWriteRegs(0, hostif.Regs{PC: hostif.Word(f.IP)})

	if err := f.Advance(h, 0); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, _ := h.TCBReadRegs(0)
	if got.PC != 0x80000102 {
		t.Fatalf("PC = %#x, want +2", got.PC)
	}
}

func TestEmulateIdempotent(t *testing.T) {
	f := &Fault{IPA: 0x1000, Width: WidthByte, Data: 0xAB}

	once, err := f.Emulate(0)
	if err != nil {
		t.Fatalf("Emulate: %v", err)
	}

	twice, err := f.Emulate(once)
	if err != nil {
		t.Fatalf("Emulate: %v", err)
	}

	if once != twice {
		t.Fatalf("Emulate not idempotent: %#x vs %#x", once, twice)
	}
}

func TestByteLaneMaskMisalignedDoubleword(t *testing.T) {
	if _, _, err := ByteLaneMask(0x1001, WidthDoubleword); err != ErrMisaligned {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
}
