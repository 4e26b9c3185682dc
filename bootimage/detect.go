// Package bootimage implements Image & Boot (IB): guest-image type
// sniffing, kernel placement, and the ATAG builder feeding the Linux
// boot convention.
//
// Grounded on machine.LoadLinux's ELF-or-bzImage branch, generalized
// from x86 ELF/bzImage to the ARM image set (ELF, zImage, uImage, DTB,
// gzip initrd) per seL4's images.c image_get_type/zImage_get_load_address
// contracts.
package bootimage

import (
	"encoding/binary"
)

// Type names a recognised guest image format (spec §4.7, §6.1).
type Type int

const (
	TypeBin Type = iota
	TypeELF
	TypeUImage
	TypeZImage
	TypeDTB
	TypeInitrdGzip
)

func (t Type) String() string {
	switch t {
	case TypeELF:
		return "elf"
	case TypeUImage:
		return "uimage"
	case TypeZImage:
		return "zimage"
	case TypeDTB:
		return "dtb"
	case TypeInitrdGzip:
		return "initrd-gzip"
	default:
		return "bin"
	}
}

// Magic values (images.c's UIMAGE_MAGIC/ZIMAGE_MAGIC/DTB_MAGIC, plus
// the gzip member header spec.md adds for initrd detection). The
// zImage and uImage magics are compared little-endian, the DTB magic
// big-endian.
const (
	zImageMagic = 0x016F2818
	uImageMagic = 0x56190527
	dtbMagicBE  = 0xd00dfeed

	zImageHdrCodeWords = 9 // code[9] preceding magic/start/end in zimage_hdr
	zImageMagicOffset  = zImageHdrCodeWords * 4
	zImageStartOffset  = zImageMagicOffset + 4
)

var (
	elfMagic  = [4]byte{0x7f, 'E', 'L', 'F'}
	gzipMagic = [2]byte{0x1f, 0x8b}
)

// Detect classifies file by magic (spec §4.7). It is total over
// non-empty slices; a slice too short to carry any recognised magic,
// or one that matches none, is TypeBin.
func Detect(file []byte) Type {
	if len(file) >= 4 && file[0] == elfMagic[0] && file[1] == elfMagic[1] && file[2] == elfMagic[2] && file[3] == elfMagic[3] {
		return TypeELF
	}

	if len(file) >= zImageStartOffset+4 && binary.LittleEndian.Uint32(file[zImageMagicOffset:]) == zImageMagic {
		return TypeZImage
	}

	if len(file) >= 4 && binary.LittleEndian.Uint32(file[:4]) == uImageMagic {
		return TypeUImage
	}

	if len(file) >= 4 && binary.BigEndian.Uint32(file[:4]) == dtbMagicBE {
		return TypeDTB
	}

	if len(file) >= 2 && file[0] == gzipMagic[0] && file[1] == gzipMagic[1] {
		return TypeInitrdGzip
	}

	return TypeBin
}

// ZImageLoadAddress reads a zImage header's preferred load address,
// falling back to ramBase+0x8000 when the header leaves it
// unspecified (images.c zImage_get_load_address). Returns 0 for any
// file that doesn't detect as a zImage.
func ZImageLoadAddress(file []byte, ramBase uint64) uint64 {
	if Detect(file) != TypeZImage {
		return 0
	}

	start := binary.LittleEndian.Uint32(file[zImageStartOffset:])
	if start == 0 {
		return ramBase + 0x8000
	}

	return uint64(start)
}
