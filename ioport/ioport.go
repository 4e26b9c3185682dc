// Package ioport implements the IO-Port Registry (IOP, x86): a sorted,
// non-overlapping table of 16-bit port ranges dispatched by binary
// search, mirroring GMM's reservation shape but keyed by port number
// instead of guest-physical address (spec §4.6).
//
// Grounded on machine.go's ioportHandlers dispatch table and
// registerIOPortHandler/initIOPortHandlers, generalized from a flat
// [0x10000][2]func array indexed directly by port into a sorted range
// table searched by binary search, so a guest with sparse port usage
// doesn't require a 64Ki-entry table per VM.
package ioport

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Kind names a port range's dispatch policy (spec §4.6).
type Kind int

const (
	KindPassthrough Kind = iota
	KindEmulated
)

// Handler services PortIn/PortOut for an emulated range. size is in
// bytes and is always one of {1, 2, 4} (spec §4.6).
type Handler interface {
	PortIn(port uint16, size int) (uint32, error)
	PortOut(port uint16, size int, value uint32) error
}

var (
	// ErrOverlap mirrors gmm.ErrOverlap for the port-keyed table.
	ErrOverlap = errors.New("ioport: range overlaps an existing registration")
	// ErrBadSize flags a PortIn/PortOut call outside {1, 2, 4} bytes.
	ErrBadSize = errors.New("ioport: size must be 1, 2, or 4 bytes")
)

// Grantor hands a passthrough port range to the VM via a kernel
// IO-port capability; the registry itself never issues host
// invocations beyond this single call at registration time (spec
// §4.6: "no host involvement" thereafter).
type Grantor interface {
	GrantIOPorts(start, end uint16) error
}

type portRange struct {
	start, end uint16 // [start, end)
	kind       Kind
	handler    Handler
}

func (r *portRange) contains(port uint16) bool { return port >= r.start && port < r.end }

// Registry is the sorted port-range table for one VM.
type Registry struct {
	mu      sync.RWMutex
	ranges  []*portRange
	logged  map[uint16]bool
	grantor Grantor
}

// New builds an empty registry. grantor may be nil if the VM never
// installs a passthrough range.
func New(grantor Grantor) *Registry {
	return &Registry{logged: make(map[uint16]bool), grantor: grantor}
}

// RegisterEmulated installs an emulated [start,end) range serviced by
// h. Insertion rejects overlaps (spec §4.6).
func (reg *Registry) RegisterEmulated(start, end uint16, h Handler) error {
	return reg.insert(&portRange{start: start, end: end, kind: KindEmulated, handler: h})
}

// RegisterPassthrough installs a passthrough [start,end) range,
// granting it to the VM once via the registry's Grantor.
func (reg *Registry) RegisterPassthrough(start, end uint16) error {
	r := &portRange{start: start, end: end, kind: KindPassthrough}
	if err := reg.insert(r); err != nil {
		return err
	}

	if reg.grantor == nil {
		return nil
	}

	return reg.grantor.GrantIOPorts(start, end)
}

func (reg *Registry) insert(r *portRange) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	idx := sort.Search(len(reg.ranges), func(i int) bool { return reg.ranges[i].start >= r.start })

	if idx > 0 && reg.ranges[idx-1].end > r.start {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, r.start, r.end)
	}

	if idx < len(reg.ranges) && reg.ranges[idx].start < r.end {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, r.start, r.end)
	}

	reg.ranges = append(reg.ranges, nil)
	copy(reg.ranges[idx+1:], reg.ranges[idx:])
	reg.ranges[idx] = r

	return nil
}

// find binary-searches for the range covering port, or nil on a miss.
func (reg *Registry) find(port uint16) *portRange {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	idx := sort.Search(len(reg.ranges), func(i int) bool { return reg.ranges[i].end > port })
	if idx < len(reg.ranges) && reg.ranges[idx].contains(port) {
		return reg.ranges[idx]
	}

	return nil
}

// PortIn dispatches a guest IN instruction. A miss returns 0, per
// spec §4.6.
func (reg *Registry) PortIn(port uint16, size int) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, ErrBadSize
	}

	r := reg.find(port)
	if r == nil || r.kind != KindEmulated {
		return 0, nil
	}

	return r.handler.PortIn(port, size)
}

// PortOut dispatches a guest OUT instruction. A miss swallows the
// write and logs once per distinct port (spec §4.6).
func (reg *Registry) PortOut(port uint16, size int, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return ErrBadSize
	}

	r := reg.find(port)
	if r == nil || r.kind != KindEmulated {
		reg.logMissOnce(port)

		return nil
	}

	return r.handler.PortOut(port, size, value)
}

func (reg *Registry) logMissOnce(port uint16) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.logged[port] {
		return
	}

	reg.logged[port] = true
	log.Printf("ioport: write to unmapped port %#x swallowed (logged once)", port)
}
