// Package gmm implements the Guest Memory Map (GMM) and Device
// Dispatch (DD): a sorted, non-overlapping table of guest-physical
// reservations, each bound to a fault policy, plus the MMIO dispatch
// contract that resolves a trap into a device callback.
//
// Grounded on memory/addressSpace.go's AddAddress/InRange/IsFree
// overlap check, generalized from a single flat AddressSpace into the
// full reservation table of spec §4.3, and backed by
// github.com/google/btree (see SPEC_FULL.md domain stack) instead of
// the teacher's linear slice scan.
package gmm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/capvisor/vmm/device"
	"github.com/capvisor/vmm/fault"
	"github.com/capvisor/vmm/hostif"
)

// Kind names a reservation's fault policy (spec §3, §4.3).
type Kind int

const (
	KindRAMOneToOne Kind = iota
	KindRAMAllocated
	KindAnonymous
	KindDevicePassthrough
	KindMMIOEmulated
	KindIOAccessControlled
	KindIOListening
	KindIOForwarding
)

// FaultResult is the outcome DD reports back to the caller.
type FaultResult int

const (
	ResultHandled FaultResult = iota
	ResultRestart
	ResultIgnore
	ResultUnhandled
	ResultError
)

var (
	ErrOverlap    = errors.New("gmm: reservation overlaps an existing range")
	ErrNotFound   = errors.New("gmm: no reservation covers address")
	errOutOfSpace = errors.New("gmm: ram region exhausted")
)

// FrameAllocator demand-allocates a host frame for RAM-allocated and
// Anonymous reservations. It is VM-scoped, per spec §5 ("a typed
// allocator whose handle is VM-scoped").
type FrameAllocator interface {
	AllocateFrame(sizeBits uint) (frame hostif.CapSlot, err error)
}

// Reservation is one entry of the GMM table (spec §3). Immutable after
// creation except for RAM sub-allocation state.
type Reservation struct {
	Start, Size uint64
	Kind        Kind
	Cookie      any
	Device      device.Device // nil for RAM/passthrough kinds
	Mask        []byte        // IOAccessControlled permitted-bits bitmap
	Forward     chan ForwardRequest

	ram *ramRegion
}

// End returns the exclusive end of the reservation's range.
func (r *Reservation) End() uint64 { return r.Start + r.Size }

func (r *Reservation) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// less orders reservations by start address for the btree index.
func less(a, b *Reservation) bool { return a.Start < b.Start }

// Map is the sorted reservation table for one VM. Mutated only by the
// single VMM thread that owns this VM (spec §5) — no internal locking
// beyond what guards concurrent reads from device goroutines (serial
// RX, virtio tap threads) that call Touch.
type Map struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Reservation]

	alloc FrameAllocator
	host  MemMapper
}

// MemMapper is the subset of hostif.Host GMM needs to install stage-2
// mappings. Kept narrow so tests can fake it without a full Host.
type MemMapper interface {
	MapFrame(vspace int, cap hostif.CapSlot, ipa uint64, sizeBits uint, rights hostif.Rights, cacheable bool) error
}

// New builds an empty reservation table for one VM.
func New(alloc FrameAllocator, host MemMapper) *Map {
	return &Map{
		tree:  btree.NewG(32, less),
		alloc: alloc,
		host:  host,
	}
}

// overlaps reports whether [start,start+size) intersects any existing
// reservation, by checking the nearest neighbours on each side of the
// new range — the btree equivalent of the teacher's linear IsFree
// scan.
func (m *Map) overlaps(start, size uint64) bool {
	end := start + size
	conflict := false

	probe := &Reservation{Start: start}

	m.tree.AscendGreaterOrEqual(probe, func(item *Reservation) bool {
		if item.Start < end {
			conflict = true
		}

		return false
	})

	if conflict {
		return true
	}

	m.tree.DescendLessOrEqual(probe, func(item *Reservation) bool {
		if item.End() > start {
			conflict = true
		}

		return false
	})

	return conflict
}

func (m *Map) insert(r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overlaps(r.Start, r.Size) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, r.Start, r.Start+r.Size)
	}

	m.tree.ReplaceOrInsert(r)

	return nil
}

// lookup binary-searches (via the btree) for the reservation covering
// addr, or nil.
func (m *Map) lookup(addr uint64) *Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Reservation

	probe := &Reservation{Start: addr}
	m.tree.DescendLessOrEqual(probe, func(item *Reservation) bool {
		if item.contains(addr) {
			found = item
		}

		return false
	})

	return found
}

// Reservations returns a snapshot of the table in address order, for
// invariant checking and debug dumps.
func (m *Map) Reservations() []*Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Reservation, 0, m.tree.Len())
	m.tree.Ascend(func(item *Reservation) bool {
		out = append(out, item)

		return true
	})

	return out
}

// ReserveMemoryAt installs a fixed-address reservation (RAM-one-to-one,
// device-passthrough, MMIO-emulated, IO-access-controlled,
// IO-listening or IO-forwarding per Kind).
func (m *Map) ReserveMemoryAt(start, size uint64, kind Kind, dev device.Device) (*Reservation, error) {
	r := &Reservation{Start: start, Size: size, Kind: kind, Device: dev}
	if err := m.insert(r); err != nil {
		return nil, err
	}

	return r, nil
}

// ReserveAnonMemory installs an Anonymous, demand-paged reservation at
// [start, start+size), with the page-tracking state HandleMMIO's
// demand-paging path uses.
func (m *Map) ReserveAnonMemory(start, size uint64) (*Reservation, error) {
	r := &Reservation{Start: start, Size: size, Kind: KindAnonymous, ram: newRAMRegion(start, size)}
	if err := m.insert(r); err != nil {
		return nil, err
	}

	return r, nil
}

// RAMRegisterAt installs a RAM-allocated reservation with its own
// bump allocator and free-sub-range tracking (spec §3 "RAM Region").
func (m *Map) RAMRegisterAt(start, size uint64) (*Reservation, error) {
	r := &Reservation{Start: start, Size: size, Kind: KindRAMAllocated, ram: newRAMRegion(start, size)}
	if err := m.insert(r); err != nil {
		return nil, err
	}

	return r, nil
}

// FreeReservedMemory removes a reservation. The only supported way to
// retire a reservation, per spec §3's lifecycle note.
func (m *Map) FreeReservedMemory(r *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Delete(r)
}

// Touch reads len(b) bytes from guest-physical memory at ipa, used by
// FD's instruction fetch, demand-mapping the covering page first if
// the guest has not faulted it in yet. Only meaningful for RAM-backed
// reservations; anything else is a programming error in the caller
// (FD never fetches instructions from MMIO space).
func (m *Map) Touch(ipa uint64, b []byte) error {
	r := m.lookup(ipa)
	if r == nil || r.ram == nil {
		return fmt.Errorf("%w: ipa %#x not RAM-backed", ErrNotFound, ipa)
	}

	if err := m.demandMap(r, ipa); err != nil {
		return err
	}

	return r.ram.read(ipa-r.Start, b)
}

// WriteAt writes b into the RAM-backed reservation covering guest-
// physical address off, for boot-time placement of a kernel image,
// DTB, or ATAG list (bootimage.MemWriter's contract). It never
// triggers a stage-2 MapFrame itself: the bytes land in the
// reservation's host-side buffer and become visible once the guest's
// own access demand-pages the covering frame in (HandleMMIO's
// KindRAMAllocated/KindAnonymous path), exactly the lazy-mapping
// invariant RAM reservations already keep for guest-driven faults.
func (m *Map) WriteAt(b []byte, off int64) (int, error) {
	ipa := uint64(off)

	r := m.lookup(ipa)
	if r == nil || r.ram == nil {
		return 0, fmt.Errorf("%w: ipa %#x not RAM-backed", ErrNotFound, ipa)
	}

	if err := r.ram.write(ipa-r.Start, b); err != nil {
		return 0, err
	}

	return len(b), nil
}

// HandleMMIO is the DD dispatch contract (spec §4.3): look up the
// reservation covering ipa and route the fault to its policy.
func (m *Map) HandleMMIO(f *fault.Fault, ipa, size uint64) (FaultResult, error) {
	r := m.lookup(ipa)
	if r == nil {
		return ResultUnhandled, nil
	}

	offset := ipa - r.Start

	switch r.Kind {
	case KindRAMOneToOne:
		return ResultError, fmt.Errorf("gmm: fault on pre-mapped RAM-one-to-one at %#x", ipa)

	case KindRAMAllocated, KindAnonymous:
		if err := m.demandMap(r, ipa); err != nil {
			return ResultError, err
		}

		return ResultRestart, nil

	case KindDevicePassthrough:
		if err := m.mapPassthrough(r, ipa); err != nil {
			return ResultError, err
		}

		return ResultRestart, nil

	case KindMMIOEmulated:
		return m.dispatchEmulated(f, r, offset)

	case KindIOAccessControlled:
		return m.dispatchAccessControlled(f, r, offset)

	case KindIOListening:
		return m.dispatchListening(f, r, offset)

	case KindIOForwarding:
		return m.dispatchForwarding(f, r, offset)

	default:
		return ResultUnhandled, nil
	}
}

func (m *Map) demandMap(r *Reservation, ipa uint64) error {
	if r.ram.mapped(ipa - r.Start) {
		return nil
	}

	frame, err := m.alloc.AllocateFrame(12) // 4KiB pages
	if err != nil {
		return err
	}

	rights := hostif.RightRead | hostif.RightWrite
	if err := m.host.MapFrame(0, frame, ipa&^0xFFF, 12, rights, true); err != nil {
		return err
	}

	r.ram.markMapped(ipa - r.Start)

	return nil
}

func (m *Map) mapPassthrough(r *Reservation, ipa uint64) error {
	rights := hostif.RightRead | hostif.RightWrite
	frame := hostif.CapSlot{Index: uint32((r.Start &^ uint64(0xFFF)) >> 12)}

	return m.host.MapFrame(0, frame, ipa&^0xFFF, 12, rights, false)
}

func (m *Map) dispatchEmulated(f *fault.Fault, r *Reservation, offset uint64) (FaultResult, error) {
	if r.Device == nil {
		return ResultError, fmt.Errorf("gmm: MMIO-emulated reservation at %#x has no device", r.Start)
	}

	if f.IsWrite {
		lane, err := f.LaneValue(f.Data)
		if err != nil {
			return ResultError, err
		}

		if err := r.Device.Write(offset, lane, int(f.Width)); err != nil {
			return ResultError, err
		}

		return ResultHandled, nil
	}

	raw, err := r.Device.Read(offset)
	if err != nil {
		return ResultError, err
	}

	f.Data = raw

	return ResultHandled, nil
}

func (m *Map) dispatchAccessControlled(f *fault.Fault, r *Reservation, offset uint64) (FaultResult, error) {
	byteIdx := offset / 8
	bitIdx := offset % 8

	permitted := byteIdx < uint64(len(r.Mask)) && r.Mask[byteIdx]&(1<<bitIdx) != 0

	if f.IsWrite {
		if !permitted {
			return ResultIgnore, nil
		}

		lane, err := f.LaneValue(f.Data)
		if err != nil {
			return ResultError, err
		}

		if err := r.Device.Write(offset, lane, int(f.Width)); err != nil {
			return ResultError, err
		}

		return ResultHandled, nil
	}

	if !permitted {
		f.Data = 0

		return ResultHandled, nil
	}

	raw, err := r.Device.Read(offset)
	if err != nil {
		return ResultError, err
	}

	f.Data = raw

	return ResultHandled, nil
}

func (m *Map) dispatchListening(f *fault.Fault, r *Reservation, offset uint64) (FaultResult, error) {
	if err := m.mapPassthrough(r, r.Start+offset); err != nil {
		return ResultError, err
	}

	if r.Device != nil {
		_ = r.Device.Write(offset, f.Data, int(f.Width)) // best-effort access log, never masks
	}

	return ResultRestart, nil
}

// ForwardRequest is one decoded offset+data access forwarded to a
// cooperating component for an IO-forwarding reservation.
type ForwardRequest struct {
	Offset  uint64
	Width   int
	IsWrite bool
	Data    uint64
	Reply   chan uint64 // only populated/consumed for reads
}

func (m *Map) dispatchForwarding(f *fault.Fault, r *Reservation, offset uint64) (FaultResult, error) {
	if r.Forward == nil {
		return ResultError, fmt.Errorf("gmm: IO-forwarding reservation at %#x has no channel", r.Start)
	}

	if f.IsWrite {
		lane, err := f.LaneValue(f.Data)
		if err != nil {
			return ResultError, err
		}
		// Fire-and-forget on the write side (spec §9(c) open-question
		// decision): the issuing vCPU does not block on delivery.
		select {
		case r.Forward <- ForwardRequest{Offset: offset, Width: int(f.Width), IsWrite: true, Data: lane}:
		default:
		}

		return ResultHandled, nil
	}

	// Synchronous on the read side: block for the reply.
	reply := make(chan uint64, 1)
	r.Forward <- ForwardRequest{Offset: offset, Width: int(f.Width), Reply: reply}
	f.Data = <-reply

	return ResultHandled, nil
}
