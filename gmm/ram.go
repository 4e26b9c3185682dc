package gmm

// ramRegion tracks demand-paging state for a RAM-allocated or
// Anonymous reservation: which 4KiB pages have had a host frame
// mapped in, plus a bump cursor for callers that sub-allocate fixed
// blocks out of the region (e.g. a boot-time DTB or initrd placement)
// before the rest is left to fault-driven demand paging.
//
// Grounded on memory.MemorySlot / memory.New's mmap-and-poison idiom:
// where the teacher pre-mmaps and fills the whole slot with the
// Poison instruction pattern up front, this tracks the same
// "unmapped until touched" invariant per-page instead, since GMM maps
// stage-2 frames lazily rather than allocating one large host mmap.
type ramRegion struct {
	start, size uint64
	pageBits    []uint64 // one bit per 4KiB page, set once mapped
	bumpCursor  uint64
	buf         []byte
}

const pageSize = 1 << 12

// poison is the same vmcall/ud2 trap pattern the teacher fills unused
// RAM with, so an un-demand-paged read that somehow reaches a guest
// instruction fetch traps immediately rather than executing garbage.
const poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

func newRAMRegion(start, size uint64) *ramRegion {
	pages := (size + pageSize - 1) / pageSize

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = poison[i%len(poison)]
	}

	return &ramRegion{
		start:    start,
		size:     size,
		pageBits: make([]uint64, (pages+63)/64),
		buf:      buf,
	}
}

func (r *ramRegion) pageIndex(offset uint64) uint64 { return offset / pageSize }

func (r *ramRegion) mapped(offset uint64) bool {
	idx := r.pageIndex(offset)

	return r.pageBits[idx/64]&(1<<(idx%64)) != 0
}

func (r *ramRegion) markMapped(offset uint64) {
	idx := r.pageIndex(offset)
	r.pageBits[idx/64] |= 1 << (idx % 64)
}

// read serves an FD instruction fetch against this region. Map.Touch
// demand-maps the page before calling read, so an unmapped page here
// is EFAULT-class misuse, not a hole to fill.
func (r *ramRegion) read(offset uint64, b []byte) error {
	if !r.mapped(offset) {
		return ErrNotFound
	}

	if offset+uint64(len(b)) > uint64(len(r.buf)) {
		return ErrNotFound
	}

	copy(b, r.buf[offset:])

	return nil
}

// write serves device-side writes into RAM done outside the fault
// path (e.g. DTB/initrd placement during boot).
func (r *ramRegion) write(offset uint64, b []byte) error {
	if offset+uint64(len(b)) > uint64(len(r.buf)) {
		return errOutOfSpace
	}

	copy(r.buf[offset:], b)

	return nil
}

// bumpAlloc reserves the next count bytes from the region's bump
// cursor, rounded up to a page, for a fixed placement (kernel image,
// DTB, initrd) ahead of guest execution. Returns the offset within
// the region.
func (r *ramRegion) bumpAlloc(count uint64) (uint64, error) {
	aligned := (count + pageSize - 1) &^ (pageSize - 1)

	if r.bumpCursor+aligned > r.size {
		return 0, errOutOfSpace
	}

	off := r.bumpCursor
	r.bumpCursor += aligned

	return off, nil
}

// largestFreeSubrange reports the bytes between the bump cursor and
// the end of the region; pages in that span that are already
// demand-mapped are not taken into account.
func (r *ramRegion) largestFreeSubrange() uint64 {
	if r.bumpCursor >= r.size {
		return 0
	}

	return r.size - r.bumpCursor
}
