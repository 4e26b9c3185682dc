package bootimage

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// ErrZeroSizeKernel mirrors machine.ErrZeroSizeKernel: a kernel image
// that reads back empty is always a caller error, never a valid boot.
var ErrZeroSizeKernel = errors.New("bootimage: kernel image has zero size")

// MemWriter is the flat, identity-mapped guest-physical view boot-time
// placement writes through: ELF segment Paddr, a zImage/uImage's
// computed load address, and DTB/initrd/ATAG placement all land
// directly at a MemWriter offset, mirroring the teacher's single
// m.mem buffer instead of going through GMM's fault-driven demand
// paging. *gmm.Map satisfies it for RAM-region-backed reservations
// (RAMRegisterAt, ReserveAnonMemory); cmd/vmm registers guest RAM as
// RAM-allocated before boot.
type MemWriter interface {
	WriteAt(b []byte, off int64) (int, error)
}

// Image is the handle LoadKernel returns for DTB/ATAG emission and
// boot register seeding: the guest's entry point, ISA width, and the
// span it occupies in guest-physical memory.
type Image struct {
	EntryPC  uint64
	LoadAddr uint64
	Size     uint64
	AArch64  bool
}

// LoadKernel places kernel at its preferred address (spec §4.7): ELF
// by segment, zImage at its computed load address, anything else
// (uImage, raw) at loadAddrHint.
func LoadKernel(mem MemWriter, kernel io.ReaderAt, ramBase, loadAddrHint uint64) (Image, error) {
	header := make([]byte, 512)

	n, err := kernel.ReadAt(header, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return Image{}, fmt.Errorf("bootimage: reading header: %w", err)
	}

	header = header[:n]

	switch Detect(header) {
	case TypeELF:
		return loadELF(mem, kernel)
	case TypeZImage:
		return loadRaw(mem, kernel, ZImageLoadAddress(header, ramBase))
	default:
		return loadRaw(mem, kernel, loadAddrHint)
	}
}

func loadELF(mem MemWriter, kernel io.ReaderAt) (Image, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return Image{}, fmt.Errorf("bootimage: elf: %w", err)
	}

	var size uint64

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		buf := make([]byte, p.Filesz)

		rn, rerr := p.ReadAt(buf, 0)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return Image{}, fmt.Errorf("bootimage: elf segment %d: %w", i, rerr)
		}

		if _, werr := mem.WriteAt(buf[:rn], int64(p.Paddr)); werr != nil {
			return Image{}, fmt.Errorf("bootimage: elf segment %d write: %w", i, werr)
		}

		size += uint64(rn)
	}

	if size == 0 {
		return Image{}, ErrZeroSizeKernel
	}

	return Image{
		EntryPC:  f.Entry,
		LoadAddr: f.Entry,
		Size:     size,
		AArch64:  f.Class == elf.ELFCLASS64,
	}, nil
}

func loadRaw(mem MemWriter, kernel io.ReaderAt, addr uint64) (Image, error) {
	n, err := copyAll(mem, kernel, addr)
	if err != nil {
		return Image{}, err
	}

	if n == 0 {
		return Image{}, ErrZeroSizeKernel
	}

	return Image{EntryPC: addr, LoadAddr: addr, Size: n}, nil
}

// Place copies data verbatim to addr, for DTB blobs, gzip initrds, and
// ATAG lists that IB hands to the guest ahead of entry.
func Place(mem MemWriter, data []byte, addr uint64) error {
	_, err := mem.WriteAt(data, int64(addr))

	return err
}

// copyAll streams src to dst at dstAddr in fixed-size chunks until
// EOF, the same ReadAt-until-EOF idiom machine.LoadLinux uses to copy
// the kernel/initrd io.ReaderAt inputs into its flat mem buffer.
func copyAll(dst MemWriter, src io.ReaderAt, dstAddr uint64) (uint64, error) {
	buf := make([]byte, 1<<20)

	var total uint64

	var srcOff int64

	for {
		n, err := src.ReadAt(buf, srcOff)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], int64(dstAddr)+srcOff); werr != nil {
				return total, fmt.Errorf("bootimage: write at %#x: %w", dstAddr+uint64(srcOff), werr)
			}

			total += uint64(n)
			srcOff += int64(n)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}

			return total, fmt.Errorf("bootimage: read: %w", err)
		}
	}
}
