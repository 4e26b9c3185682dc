package vgic

import "log"

// Distributor register offsets, GICv2/v3 common subset (spec §6.4).
// Only the registers spec §4.4 calls out by name are given bit-for-bit
// semantics, plus a fixed GICD_CTLR (reads 1) and a GICD_TYPER derived
// from the SPI count. IPRIORITYR and ITARGETSR are stored verbatim as
// byte arrays. Any other offset (GICD_ICFGR, GICD_IIDR, the
// identification registers at the top of the frame) reads 0 and drops
// writes, with a log line.
const (
	offCTLR        = 0x000
	offTYPER       = 0x004
	offISENABLER   = 0x100
	offICENABLER   = 0x180
	offISPENDR     = 0x200
	offICPENDR     = 0x280
	offISACTIVER   = 0x300
	offICACTIVER   = 0x380
	offIPRIORITYR  = 0x400
	offITARGETSR   = 0x800
	offSGIR        = 0xF00 // GICD_SGIR, v2 only
	icfgrBase      = 0xC00
)

// Distributor adapts a Controller to device.Device so it can be
// installed as a KindMMIOEmulated reservation: DD's dispatch then
// handles byte-lane masking, and Distributor only ever sees
// register-width, register-aligned accesses.
type Distributor struct {
	c       *Controller
	forVCPU int // which vCPU's banked view this adapter instance serves
}

// NewDistributorView returns the distributor MMIO handler for the
// given vCPU's banked register view. GICv2 exposes one distributor
// frame system-wide but ISENABLER[0]/ISPENDR[0] (IRQs 0-31) bank per
// CPU interface; a caller builds one Distributor per vCPU, all
// pointing at the same Controller.
func NewDistributorView(c *Controller, vcpu int) *Distributor {
	return &Distributor{c: c, forVCPU: vcpu}
}

func (d *Distributor) Read(offset uint64) (uint64, error) {
	switch {
	case offset == offCTLR:
		return 1, nil // enabled
	case offset == offTYPER:
		return uint64((d.c.nSPI/32)&0x1f) | uint64(7)<<5, nil // ITLinesNumber, 8 CPUs

	case inRange(offset, offISENABLER, offICENABLER):
		return d.readEnableSet(regIdx(offset, offISENABLER)), nil
	case inRange(offset, offICENABLER, offISPENDR):
		return d.readEnableSet(regIdx(offset, offICENABLER)), nil

	case inRange(offset, offISPENDR, offICPENDR):
		return d.readPendingSet(regIdx(offset, offISPENDR)), nil
	case inRange(offset, offICPENDR, offISACTIVER):
		return d.readPendingSet(regIdx(offset, offICPENDR)), nil

	case inRange(offset, offISACTIVER, offICACTIVER):
		return d.readActiveSet(regIdx(offset, offISACTIVER)), nil
	case inRange(offset, offICACTIVER, offIPRIORITYR):
		return d.readActiveSet(regIdx(offset, offICACTIVER)), nil

	case inRange(offset, offIPRIORITYR, offITARGETSR):
		return uint64(d.byteRegRead(d.c.dist.priority, offset-offIPRIORITYR)), nil
	case inRange(offset, offITARGETSR, icfgrBase):
		return uint64(d.byteRegRead(d.c.dist.target, offset-offITARGETSR)), nil

	default:
		log.Printf("vgic: read from unimplemented distributor offset %#x", offset)
		return 0, nil
	}
}

func (d *Distributor) Write(offset uint64, value uint64, width int) error {
	switch {
	case offset == offCTLR, offset == offTYPER:
		return nil // read-only / no-op

	case inRange(offset, offISENABLER, offICENABLER):
		d.writeEnableSet(regIdx(offset, offISENABLER), uint32(value), true)
	case inRange(offset, offICENABLER, offISPENDR):
		d.writeEnableSet(regIdx(offset, offICENABLER), uint32(value), false)

	case inRange(offset, offISPENDR, offICPENDR):
		d.writePendingSet(regIdx(offset, offISPENDR), uint32(value), true)
	case inRange(offset, offICPENDR, offISACTIVER):
		d.writePendingSet(regIdx(offset, offICPENDR), uint32(value), false)

	case inRange(offset, offISACTIVER, offICACTIVER), inRange(offset, offICACTIVER, offIPRIORITYR):
		// Active-set writes are accepted but not modeled beyond the
		// ack path; guests only use these for diagnostics.

	case inRange(offset, offIPRIORITYR, offITARGETSR):
		d.byteRegWrite(d.c.dist.priority, offset-offIPRIORITYR, byte(value))
	case inRange(offset, offITARGETSR, icfgrBase):
		d.byteRegWrite(d.c.dist.target, offset-offITARGETSR, byte(value))

	case offset == offSGIR:
		d.handleSGIR(uint32(value))

	default:
		log.Printf("vgic: write to unimplemented distributor offset %#x dropped", offset)
	}

	return nil
}

func inRange(offset, lo, hi uint64) bool { return offset >= lo && offset < hi }

func regIdx(offset, base uint64) int { return int((offset - base) / 4) }

// readEnableSet/readPendingSet/readActiveSet consolidate the banked
// (IRQ 0-31) and shared (SPI) words into one 32-bit readback value,
// per "ISENABLER/ICENABLER ... readback reflects the consolidated
// enable state" (spec §4.4).
func (d *Distributor) readEnableSet(wordIdx int) uint64 {
	return d.consolidate(wordIdx, func(irq int) bool { return d.c.dist.isEnabled(irq, d.forVCPU) })
}

func (d *Distributor) readPendingSet(wordIdx int) uint64 {
	return d.consolidate(wordIdx, func(irq int) bool { return d.c.dist.isPending(irq, d.forVCPU) })
}

func (d *Distributor) readActiveSet(wordIdx int) uint64 {
	return d.consolidate(wordIdx, func(irq int) bool { return d.c.dist.isActive(irq, d.forVCPU) })
}

func (d *Distributor) consolidate(wordIdx int, get func(irq int) bool) uint64 {
	var v uint32

	base := wordIdx * 32

	for b := 0; b < 32; b++ {
		irq := base + b
		if irq >= numBanked+d.c.nSPI {
			break
		}

		if get(irq) {
			v |= 1 << uint(b)
		}
	}

	return uint64(v)
}

func (d *Distributor) writeEnableSet(wordIdx int, value uint32, set bool) {
	d.forEachSetBit(wordIdx, value, func(irq int) {
		d.c.dist.setEnabled(irq, d.forVCPU, set)
	})
}

func (d *Distributor) writePendingSet(wordIdx int, value uint32, set bool) {
	d.forEachSetBit(wordIdx, value, func(irq int) {
		if set {
			_ = d.c.InjectIRQ(d.forVCPU, irq)
		} else {
			d.c.dist.setPending(irq, d.forVCPU, false)
		}
	})
}

func (d *Distributor) forEachSetBit(wordIdx int, value uint32, fn func(irq int)) {
	base := wordIdx * 32

	for b := 0; b < 32; b++ {
		if value&(1<<uint(b)) == 0 {
			continue
		}

		irq := base + b
		if irq >= numBanked+d.c.nSPI {
			continue
		}

		fn(irq)
	}
}

func (d *Distributor) byteRegRead(reg []uint8, offset uint64) uint8 {
	if int(offset) >= len(reg) {
		return 0
	}

	return reg[offset]
}

func (d *Distributor) byteRegWrite(reg []uint8, offset uint64, v uint8) {
	if int(offset) >= len(reg) {
		return
	}

	reg[offset] = v
}

// handleSGIR implements GICD_SGIR (v2) dispatch: bits[3:0] are the
// SGI ID, bits[25:24] the target-list-filter, bits[23:16] the CPU
// target list.
func (d *Distributor) handleSGIR(value uint32) {
	irq := int(value & 0xf)
	targetFilter := value >> 24 & 0x3
	targetList := uint8(value >> 16 & 0xff)

	var targets []int

	switch targetFilter {
	case 0: // forward to CPUs in target list
		for i := 0; i < 8; i++ {
			if targetList&(1<<uint(i)) != 0 {
				targets = append(targets, i)
			}
		}
	case 1: // forward to all but self
		for i := range d.c.vcpus {
			if i != d.forVCPU {
				targets = append(targets, i)
			}
		}
	case 2: // forward only to self
		targets = []int{d.forVCPU}
	}

	d.c.SendSGI(irq, targets)
}
