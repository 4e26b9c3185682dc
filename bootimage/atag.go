package bootimage

import (
	"encoding/binary"
	"strings"
)

// ATAG tag identifiers (spec §6.2 / seL4 atags.h).
const (
	atagNone    = 0x00000000
	atagCore    = 0x54410001
	atagMem     = 0x54410002
	atagCmdline = 0x54410009
)

type atagEntry struct {
	id      uint32
	payload []byte // word-aligned, excludes the 8-byte size/tag header
}

// ATAGBuilder assembles the legacy ARM boot-argument list: a CORE tag
// opening the sequence, MEM/CMDLINE appended in call order, and an
// implicit NONE sentinel closing it (spec §4.7, §9 "Global state" —
// kept free of any process-wide state; one builder per boot).
type ATAGBuilder struct {
	tags    []atagEntry
	cmdline []string
}

// NewATAGBuilder opens the list with the CORE tag.
func NewATAGBuilder(flags, pageSize, rootDev uint32) *ATAGBuilder {
	core := make([]byte, 12)
	binary.LittleEndian.PutUint32(core[0:4], flags)
	binary.LittleEndian.PutUint32(core[4:8], pageSize)
	binary.LittleEndian.PutUint32(core[8:12], rootDev)

	return &ATAGBuilder{tags: []atagEntry{{id: atagCore, payload: core}}}
}

// AddMem appends a MEM tag describing one RAM region.
func (b *ATAGBuilder) AddMem(size, start uint32) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], size)
	binary.LittleEndian.PutUint32(payload[4:8], start)

	b.tags = append(b.tags, atagEntry{id: atagMem, payload: payload})
}

// AddCmdline appends arg to the boot command line. Multiple calls
// accumulate and are joined with ", " when the list is emitted (spec
// §4.7); the CMDLINE tag itself is created lazily at Bytes time.
func (b *ATAGBuilder) AddCmdline(arg string) {
	b.cmdline = append(b.cmdline, arg)
}

// Bytes emits the binary ATAG list (spec §6.2): each tag is
// {u32 size_in_words, u32 tag_id, u32[size-2] payload}, terminated by
// an implicit NONE sentinel of size 0.
func (b *ATAGBuilder) Bytes() []byte {
	var out []byte

	for _, t := range b.tags {
		out = append(out, encodeTag(t.id, t.payload)...)
	}

	if len(b.cmdline) > 0 {
		joined := strings.Join(b.cmdline, ", ")
		payload := append([]byte(joined), 0)

		for len(payload)%4 != 0 {
			payload = append(payload, 0)
		}

		out = append(out, encodeTag(atagCmdline, payload)...)
	}

	// NONE sentinel: header only, size field is literally 0 rather
	// than the usual 2-word header count.
	none := make([]byte, 8)
	binary.LittleEndian.PutUint32(none[0:4], atagNone)
	binary.LittleEndian.PutUint32(none[4:8], atagNone)
	out = append(out, none...)

	return out
}

func encodeTag(id uint32, payload []byte) []byte {
	sizeWords := uint32(2 + len(payload)/4)

	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], sizeWords)
	binary.LittleEndian.PutUint32(hdr[4:8], id)

	return append(hdr, payload...)
}
