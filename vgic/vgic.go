// Package vgic implements the virtual GIC (vGIC): per-VM distributor
// state shared across vCPUs, per-vCPU list-register (LR) shadow and
// software pending queue, and the injection/drain pipeline that moves
// pending IRQs into free LRs in priority order.
//
// Grounded on the original seL4 VMM's vgic_common.h bit-array helpers
// (set_pending/is_pending/set_enable/is_enabled, the SGI-PPI-vs-SPI
// banking split) and on vgic.h's inject_irq/register_irq contract;
// expressed here as Go bit arrays over gvisor.dev/gvisor/pkg/atomicbitops
// (see SPEC_FULL.md domain stack) instead of the C macros' raw uint32
// arrays, since distributor reads can race a concurrent ack IPC from
// the kernel even though mutation is single-threaded per spec §5.
package vgic

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Version selects the architectural register layout presented to the
// guest.
type Version int

const (
	VersionV2 Version = iota
	VersionV3
)

const (
	maxSPI     = 992 // architectural max minus the 32 banked SGI/PPI slots
	sgiMax     = 16
	ppiMax     = 32
	numBanked  = ppiMax // SGI+PPI share one banked word range, 0..31
)

var (
	// ErrWouldBlock is returned by InjectIRQ when no LR is free; the
	// caller treats this as success (spec: "not an error; it throttles
	// delivery"), it only documents the IRQ stayed in software.
	ErrWouldBlock = errors.New("vgic: no list register available, IRQ queued")
	errNoIRQ      = errors.New("vgic: irq out of range")
)

// Class orders IRQs for drain priority: SGI < PPI < SPI, lower number
// first within a class (spec §4.4 "Injection pipeline").
type Class int

const (
	ClassSGI Class = iota
	ClassPPI
	ClassSPI
)

func classOf(irq int) Class {
	switch {
	case irq < sgiMax:
		return ClassSGI
	case irq < ppiMax:
		return ClassPPI
	default:
		return ClassSPI
	}
}

// AckFunc is invoked when a delivered IRQ is acknowledged by the
// guest (EOI write or, for the default SGI/PPI handler, a kernel ack
// invocation).
type AckFunc func(irq int, cookie any)

// distributorBanks holds the shared (SPI) and per-vCPU (SGI/PPI)
// enable/pending/active bit arrays, plus the stored-but-unused
// priority and target registers (spec §9(a) open question: priority
// is read back verbatim but never consulted for LR ordering).
type distributorBanks struct {
	spiEnable  []atomicbitops.Uint32
	spiPending []atomicbitops.Uint32
	spiActive  []atomicbitops.Uint32

	bankedEnable  [][]atomicbitops.Uint32 // per-vCPU, covers IRQ 0..31
	bankedPending [][]atomicbitops.Uint32
	bankedActive  [][]atomicbitops.Uint32

	priority []uint8 // index by IRQ number, stored verbatim
	target   []uint8 // SPI target-CPU mask, stored verbatim
	config   []bool  // true = edge-triggered, false = level
	group    []bool  // group 0 (secure) vs group 1
}

func newDistributorBanks(nVCPU, nSPI int) *distributorBanks {
	words := (nSPI + 31) / 32

	d := &distributorBanks{
		spiEnable:     make([]atomicbitops.Uint32, words),
		spiPending:    make([]atomicbitops.Uint32, words),
		spiActive:     make([]atomicbitops.Uint32, words),
		bankedEnable:  make([][]atomicbitops.Uint32, nVCPU),
		bankedPending: make([][]atomicbitops.Uint32, nVCPU),
		bankedActive:  make([][]atomicbitops.Uint32, nVCPU),
		priority:      make([]uint8, numBanked+nSPI),
		target:        make([]uint8, numBanked+nSPI),
		config:        make([]bool, numBanked+nSPI),
		group:         make([]bool, numBanked+nSPI),
	}

	for i := 0; i < nVCPU; i++ {
		d.bankedEnable[i] = make([]atomicbitops.Uint32, 1)
		d.bankedPending[i] = make([]atomicbitops.Uint32, 1)
		d.bankedActive[i] = make([]atomicbitops.Uint32, 1)
	}

	return d
}

func irqBit(irq int) (word, bit int) { return irq / 32, irq % 32 }

func (d *distributorBanks) isEnabled(irq, vcpu int) bool {
	if classOf(irq) != ClassSPI {
		w, b := irqBit(irq)
		return d.bankedEnable[vcpu][w].Load()&(1<<uint(b)) != 0
	}

	w, b := irqBit(irq - ppiMax)

	return d.spiEnable[w].Load()&(1<<uint(b)) != 0
}

func (d *distributorBanks) setEnabled(irq, vcpu int, v bool) {
	if classOf(irq) != ClassSPI {
		w, b := irqBit(irq)
		setBit(&d.bankedEnable[vcpu][w], b, v)

		return
	}

	w, b := irqBit(irq - ppiMax)
	setBit(&d.spiEnable[w], b, v)
}

func (d *distributorBanks) isPending(irq, vcpu int) bool {
	if classOf(irq) != ClassSPI {
		w, b := irqBit(irq)
		return d.bankedPending[vcpu][w].Load()&(1<<uint(b)) != 0
	}

	w, b := irqBit(irq - ppiMax)

	return d.spiPending[w].Load()&(1<<uint(b)) != 0
}

func (d *distributorBanks) setPending(irq, vcpu int, v bool) {
	if classOf(irq) != ClassSPI {
		w, b := irqBit(irq)
		setBit(&d.bankedPending[vcpu][w], b, v)

		return
	}

	w, b := irqBit(irq - ppiMax)
	setBit(&d.spiPending[w], b, v)
}

func (d *distributorBanks) isActive(irq, vcpu int) bool {
	if classOf(irq) != ClassSPI {
		w, b := irqBit(irq)
		return d.bankedActive[vcpu][w].Load()&(1<<uint(b)) != 0
	}

	w, b := irqBit(irq - ppiMax)

	return d.spiActive[w].Load()&(1<<uint(b)) != 0
}

func (d *distributorBanks) setActive(irq, vcpu int, v bool) {
	if classOf(irq) != ClassSPI {
		w, b := irqBit(irq)
		setBit(&d.bankedActive[vcpu][w], b, v)

		return
	}

	w, b := irqBit(irq - ppiMax)
	setBit(&d.spiActive[w], b, v)
}

// setBit compare-and-swaps a single bit into word, retrying on
// concurrent update. Mutation is single-threaded per spec §5, but
// acks arrive as kernel IPCs that can race a concurrent distributor
// MMIO write from the same thread's deferred work, so this stays
// lock-free rather than assuming exclusivity.
func setBit(word *atomicbitops.Uint32, bit int, v bool) {
	for {
		old := word.Load()

		var updated uint32
		if v {
			updated = old | (1 << uint(bit))
		} else {
			updated = old &^ (1 << uint(bit))
		}

		if word.CompareAndSwap(old, updated) {
			return
		}
	}
}

// lr is one list-register shadow entry.
type lr struct {
	irq    int
	active bool
}

// vcpuState is the per-vCPU LR shadow (spec §4.4 "Injection
// pipeline"). IRQs awaiting a free LR are not queued here: they are
// the distributor's pending-but-unlisted bits (see pendingUnlisted).
type vcpuState struct {
	lrs     []lr  // index = LR slot; irq == -1 means free
	pending []int // not used
}

func newVCPUState(numLR int) *vcpuState {
	v := &vcpuState{lrs: make([]lr, numLR)}
	for i := range v.lrs {
		v.lrs[i].irq = -1
	}

	return v
}

func (v *vcpuState) freeLR() int {
	for i, l := range v.lrs {
		if l.irq == -1 {
			return i
		}
	}

	return -1
}

func (v *vcpuState) findLR(irq int) int {
	for i, l := range v.lrs {
		if l.irq == irq {
			return i
		}
	}

	return -1
}

// Controller is a per-VM vGIC instance: the distributor plus every
// vCPU's LR shadow, ack-callback table and the default controller
// version presented to the guest.
type Controller struct {
	version Version
	nSPI    int
	dist    *distributorBanks
	vcpus   []*vcpuState

	ackFn     map[int]AckFunc
	ackCookie map[int]any

	kernelAck func(irq, vcpu int) error
}

// New builds a vGIC controller sized for nVCPU vCPUs and nSPI shared
// peripheral interrupts (rounded up to a multiple of 32).
func New(version Version, nVCPU, numLR, nSPI int) *Controller {
	nSPI = (nSPI + 31) &^ 31

	c := &Controller{
		version:   version,
		nSPI:      nSPI,
		dist:      newDistributorBanks(nVCPU, nSPI),
		vcpus:     make([]*vcpuState, nVCPU),
		ackFn:     make(map[int]AckFunc),
		ackCookie: make(map[int]any),
	}

	for i := range c.vcpus {
		c.vcpus[i] = newVCPUState(numLR)
	}

	return c
}

// CreateDefaultIRQController installs either a v2 or v3 vGIC depending
// on platform, per spec's create_default_irq_controller. The caller
// passes the platform decision as v2Available (cmd/vmm passes true);
// this constructor simply names the two supported layouts.
func CreateDefaultIRQController(v2Available bool, nVCPU, numLR, nSPI int) *Controller {
	version := VersionV3
	if v2Available {
		version = VersionV2
	}

	return New(version, nVCPU, numLR, nSPI)
}

// SetKernelAck installs the fallback ack used for VPPIs and SGIs that
// have no registered callback: a kernel ack invocation (spec §4.4).
func (c *Controller) SetKernelAck(fn func(irq, vcpu int) error) { c.kernelAck = fn }

// RegisterIRQ installs an ack callback for irq, replacing any prior
// registration. At most one callback per IRQ (spec contract).
func (c *Controller) RegisterIRQ(irq int, fn AckFunc, cookie any) {
	c.ackFn[irq] = fn
	c.ackCookie[irq] = cookie
}

func (c *Controller) targetVCPU(irq int) int {
	if classOf(irq) != ClassSPI {
		return -1 // caller must specify for banked IRQs
	}
	// Lowest set bit of the stored target-CPU mask; default vCPU 0 if
	// the guest never wrote a target (matches architectural reset).
	mask := c.dist.target[irq]
	if mask == 0 {
		return 0
	}

	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i
		}
	}

	return 0
}

// InjectIRQ marks irq pending for vcpu (or its distributor-assigned
// target, for SPIs) and attempts to place it into a free LR. Returns
// ErrWouldBlock (not a failure) when no LR is free; the IRQ remains
// pending and is reconsidered on the next drain.
func (c *Controller) InjectIRQ(vcpu, irq int) error {
	if irq < 0 || irq >= numBanked+c.nSPI {
		return fmt.Errorf("%w: %d", errNoIRQ, irq)
	}

	target := vcpu
	if classOf(irq) == ClassSPI {
		target = c.targetVCPU(irq)
	}

	c.dist.setPending(irq, target, true)

	if !c.dist.isEnabled(irq, target) {
		return nil
	}

	return c.tryPlace(target, irq)
}

// SetIRQLevel implements level-triggered delivery: the IRQ stays
// pending while level is high and the IRQ is enabled; dropping the
// level clears pending if it was never latched into an LR.
func (c *Controller) SetIRQLevel(vcpu, irq int, level bool) error {
	target := vcpu
	if classOf(irq) == ClassSPI {
		target = c.targetVCPU(irq)
	}

	if level {
		return c.InjectIRQ(vcpu, irq)
	}

	if c.vcpus[target].findLR(irq) == -1 {
		c.dist.setPending(irq, target, false)
	}

	return nil
}

func (c *Controller) tryPlace(vcpu, irq int) error {
	vs := c.vcpus[vcpu]

	if vs.findLR(irq) != -1 {
		return nil // already listed
	}

	slot := vs.freeLR()
	if slot == -1 {
		return ErrWouldBlock
	}

	vs.lrs[slot] = lr{irq: irq, active: false}

	return nil
}

// DrainPending collects the IRQs that are pending and enabled for vcpu
// in the distributor but not yet listed, orders them (SGI < PPI < SPI,
// lower IRQ first within a class) and moves as many into free LRs as
// fit. It is called from Ack, on a vGIC-maintenance IPC and on PSCI
// CPU_OFF; VM entry does not call it.
func (c *Controller) DrainPending(vcpu int) {
	vs := c.vcpus[vcpu]

	candidates := c.pendingUnlisted(vcpu)
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := classOf(candidates[i]), classOf(candidates[j])
		if ci != cj {
			return ci < cj
		}

		return candidates[i] < candidates[j]
	})

	for _, irq := range candidates {
		if vs.freeLR() == -1 {
			return
		}

		_ = c.tryPlace(vcpu, irq)
	}
}

func (c *Controller) pendingUnlisted(vcpu int) []int {
	var out []int

	for irq := 0; irq < numBanked; irq++ {
		if c.dist.isPending(irq, vcpu) && c.dist.isEnabled(irq, vcpu) && c.vcpus[vcpu].findLR(irq) == -1 {
			out = append(out, irq)
		}
	}

	for irq := ppiMax; irq < ppiMax+c.nSPI; irq++ {
		if c.targetVCPU(irq) != vcpu {
			continue
		}

		if c.dist.isPending(irq, vcpu) && c.dist.isEnabled(irq, vcpu) && c.vcpus[vcpu].findLR(irq) == -1 {
			out = append(out, irq)
		}
	}

	return out
}

// Ack processes a guest EOI (or LR-retire) for irq on vcpu: clears the
// LR slot and invokes the registered callback, or the default kernel
// ack for VPPIs/SGIs with no registration.
func (c *Controller) Ack(vcpu, irq int) {
	vs := c.vcpus[vcpu]
	if slot := vs.findLR(irq); slot != -1 {
		vs.lrs[slot].irq = -1
	}

	c.dist.setPending(irq, vcpu, false)
	c.dist.setActive(irq, vcpu, false)

	if fn, ok := c.ackFn[irq]; ok {
		fn(irq, c.ackCookie[irq])
	} else if classOf(irq) != ClassSPI && c.kernelAck != nil {
		if err := c.kernelAck(irq, vcpu); err != nil {
			log.Printf("vgic: kernel ack for irq %d vcpu %d failed: %v", irq, vcpu, err)
		}
	}

	c.DrainPending(vcpu)
}

// SendSGI implements GICD_SGIR (v2) / ICC_SGI1R_EL1 (v3) dispatch:
// trigger irq (0-15) on every vCPU named in targets, including
// self-targets.
func (c *Controller) SendSGI(irq int, targets []int) {
	for _, vcpu := range targets {
		c.dist.setPending(irq, vcpu, true)
		c.dist.setEnabled(irq, vcpu, true)

		if err := c.tryPlace(vcpu, irq); err != nil {
			log.Printf("vgic: sgi %d to vcpu %d queued, no free LR", irq, vcpu)
		}
	}
}
