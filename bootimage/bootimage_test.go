package bootimage

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type memBuf struct {
	buf []byte
}

func newMemBuf(size int) *memBuf { return &memBuf{buf: make([]byte, size)} }

func (m *memBuf) WriteAt(b []byte, off int64) (int, error) {
	if int(off)+len(b) > len(m.buf) {
		grown := make([]byte, int(off)+len(b))
		copy(grown, m.buf)
		m.buf = grown
	}

	return copy(m.buf[off:], b), nil
}

func TestDetectELF(t *testing.T) {
	b := []byte{0x7f, 'E', 'L', 'F', 1, 1, 1}
	if got := Detect(b); got != TypeELF {
		t.Fatalf("Detect = %v, want ELF", got)
	}
}

func TestDetectZImage(t *testing.T) {
	b := make([]byte, 48)
	binary.LittleEndian.PutUint32(b[36:], zImageMagic)
	binary.LittleEndian.PutUint32(b[40:], 0x80008000)

	if got := Detect(b); got != TypeZImage {
		t.Fatalf("Detect = %v, want zImage", got)
	}
}

func TestDetectUImage(t *testing.T) {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], uImageMagic)

	if got := Detect(b); got != TypeUImage {
		t.Fatalf("Detect = %v, want uImage", got)
	}
}

func TestDetectDTB(t *testing.T) {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:], dtbMagicBE)

	if got := Detect(b); got != TypeDTB {
		t.Fatalf("Detect = %v, want DTB", got)
	}
}

func TestDetectGzipInitrd(t *testing.T) {
	b := []byte{0x1f, 0x8b, 0x08, 0x00}
	if got := Detect(b); got != TypeInitrdGzip {
		t.Fatalf("Detect = %v, want gzip initrd", got)
	}
}

func TestDetectFallsBackToBin(t *testing.T) {
	b := []byte{0x00, 0x01, 0x02, 0x03}
	if got := Detect(b); got != TypeBin {
		t.Fatalf("Detect = %v, want bin", got)
	}
}

func TestZImageLoadAddressUsesHeaderWhenSet(t *testing.T) {
	b := make([]byte, 48)
	binary.LittleEndian.PutUint32(b[36:], zImageMagic)
	binary.LittleEndian.PutUint32(b[40:], 0x80008000)

	if got := ZImageLoadAddress(b, 0x80000000); got != 0x80008000 {
		t.Fatalf("load address = %#x, want 0x80008000", got)
	}
}

func TestZImageLoadAddressFallsBackToRAMBasePlusOffset(t *testing.T) {
	b := make([]byte, 48)
	binary.LittleEndian.PutUint32(b[36:], zImageMagic)
	// start left at 0

	if got := ZImageLoadAddress(b, 0x40000000); got != 0x40008000 {
		t.Fatalf("load address = %#x, want ram_base+0x8000", got)
	}
}

func TestZImageLoadAddressZeroForNonZImage(t *testing.T) {
	if got := ZImageLoadAddress([]byte{0, 0, 0, 0}, 0x40000000); got != 0 {
		t.Fatalf("load address = %#x, want 0", got)
	}
}

func TestLoadRawPlacesAtHint(t *testing.T) {
	mem := newMemBuf(0x10000)
	kernel := bytes.NewReader([]byte("not-elf-not-zimage-payload"))

	img, err := LoadKernel(mem, kernel, 0x40000000, 0x1000)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if img.LoadAddr != 0x1000 {
		t.Fatalf("load addr = %#x, want hint 0x1000", img.LoadAddr)
	}

	if !bytes.Equal(mem.buf[0x1000:0x1000+img.Size], []byte("not-elf-not-zimage-payload")) {
		t.Fatalf("payload not written at hint address")
	}
}

func TestLoadKernelRejectsEmptyImage(t *testing.T) {
	mem := newMemBuf(0x1000)
	kernel := bytes.NewReader(nil)

	if _, err := LoadKernel(mem, kernel, 0, 0x1000); err != ErrZeroSizeKernel {
		t.Fatalf("err = %v, want ErrZeroSizeKernel", err)
	}
}

func TestATAGBuilderCoreThenNoneSentinel(t *testing.T) {
	b := NewATAGBuilder(0, 0x1000, 0)
	out := b.Bytes()

	// CORE tag: size=5 words, id=ATAG_CORE.
	if got := binary.LittleEndian.Uint32(out[0:4]); got != 5 {
		t.Fatalf("core size = %d, want 5", got)
	}

	if got := binary.LittleEndian.Uint32(out[4:8]); got != atagCore {
		t.Fatalf("core id = %#x, want ATAG_CORE", got)
	}

	// NONE sentinel follows immediately: 20 bytes of core tag, then 8
	// bytes of {0,0}.
	none := out[20:28]
	if binary.LittleEndian.Uint32(none[0:4]) != 0 || binary.LittleEndian.Uint32(none[4:8]) != 0 {
		t.Fatalf("none sentinel = %x, want zero size and tag", none)
	}

	if len(out) != 28 {
		t.Fatalf("len(out) = %d, want 28 (core 20 bytes + none 8 bytes)", len(out))
	}
}

func TestATAGBuilderMemTag(t *testing.T) {
	b := NewATAGBuilder(0, 0x1000, 0)
	b.AddMem(0x10000000, 0x40000000)

	out := b.Bytes()

	// Second tag starts right after the 20-byte CORE tag.
	memTag := out[20:]
	if got := binary.LittleEndian.Uint32(memTag[0:4]); got != 4 {
		t.Fatalf("mem tag size = %d, want 4 (2+2 words)", got)
	}

	if got := binary.LittleEndian.Uint32(memTag[4:8]); got != atagMem {
		t.Fatalf("mem tag id = %#x, want ATAG_MEM", got)
	}

	if got := binary.LittleEndian.Uint32(memTag[8:12]); got != 0x10000000 {
		t.Fatalf("mem size = %#x, want 0x10000000", got)
	}

	if got := binary.LittleEndian.Uint32(memTag[12:16]); got != 0x40000000 {
		t.Fatalf("mem start = %#x, want 0x40000000", got)
	}
}

func TestATAGBuilderCmdlineJoinsWithComma(t *testing.T) {
	b := NewATAGBuilder(0, 0x1000, 0)
	b.AddCmdline("console=ttyAMA0")
	b.AddCmdline("root=/dev/vda")

	out := b.Bytes()

	cmdlineTag := out[20:]
	if got := binary.LittleEndian.Uint32(cmdlineTag[4:8]); got != atagCmdline {
		t.Fatalf("cmdline tag id = %#x, want ATAG_CMDLINE", got)
	}

	sizeWords := binary.LittleEndian.Uint32(cmdlineTag[0:4])
	payload := cmdlineTag[8 : 8+(sizeWords-2)*4]

	want := "console=ttyAMA0, root=/dev/vda"
	if got := string(bytes.TrimRight(payload, "\x00")); got != want {
		t.Fatalf("cmdline payload = %q, want %q", got, want)
	}
}
