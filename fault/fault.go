// Package fault implements the Fault Decoder (FD): it turns a raw
// trap IPC into a self-describing Fault, decodes the faulting
// load/store instruction across A32/T16/T32/A64 encodings, and
// commits the result back to the vCPU's register file and PC.
//
// Grounded on machine.Inst/machine.Pointer/machine.GetReg (fetch the
// instruction at the faulting PC, decode it, resolve its memory
// operand against the live register file) and on the original seL4
// vmm's fault.h state machine (fault_handled/new_fault/restart_fault/
// ignore_fault/advance_fault), made into an explicit Go enum per the
// design note in spec.md §9.
package fault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/capvisor/vmm/hostif"
)

// Width is the access size of a load/store.
type Width int

const (
	WidthByte Width = iota
	WidthHalfword
	WidthWord
	WidthDoubleword
)

// Bytes returns the width in bytes.
func (w Width) Bytes() uint64 {
	switch w {
	case WidthByte:
		return 1
	case WidthHalfword:
		return 2
	case WidthWord:
		return 4
	case WidthDoubleword:
		return 8
	default:
		return 0
	}
}

// State is the fault's lifecycle stage:
// Empty -> Raw -> Fetched -> Decoded -> Committed -> Empty. Decode
// fetches on demand when the fault has not been fetched yet; Advance
// on a fault that has not been decoded returns ErrNotDecoded.
type State int

const (
	StateEmpty State = iota
	StateRaw
	StateFetched
	StateDecoded
	StateCommitted
)

// ISA names the instruction set a fault's IP was executing in.
type ISA int

const (
	ISAUnknown ISA = iota
	ISAA32
	ISAThumb
	ISAA64
)

var (
	ErrDecodeFail   = errors.New("fault: unknown instruction encoding")
	ErrUnfetchable  = errors.New("fault: guest IP not backed by memory")
	ErrMisaligned   = errors.New("fault: misaligned doubleword access not supported")
	ErrNotDecoded   = errors.New("fault: commit attempted before decode")
)

// MemTouch is the subset of GMM's "touch" primitive FD needs to
// demand-fetch guest instruction bytes. Satisfied by gmm.Map.
type MemTouch interface {
	Touch(ipa uint64, b []byte) error
}

// decoded holds the output of Decode: direction, operand width, the
// target register, sign extension and writeback. For stores, Decode
// copies the source register's value into Fault.Data; the data field
// here is not filled in.
type decoded struct {
	isRead     bool
	width      Width
	targetReg  hostif.RegID
	signExtend bool
	baseReg    hostif.RegID
	writeback  bool
	data       uint64
}

// Fault is mutated in place by FD and by device handlers; it is
// created fresh on every trap and discarded (or recycled) on reply.
type Fault struct {
	VCPU int
	ISA  ISA

	state State

	IPA      uint64
	IP       uint64
	Syndrome uint32 // ISS in low bits, IL in bit 25, matches ARM HSR/ESR layout
	IsPrefetch bool
	IsWrite    bool
	Width      Width
	Data       uint64 // host-order, right-justified

	Stage int // remaining sub-accesses for LDM/STM or 64-bit-on-32-bit splits

	instruction uint32
	dec         decoded
}

// IL reports the syndrome's instruction-length bit: true for a 4-byte
// instruction, false for 2-byte (Thumb16).
func (f *Fault) IL() bool {
	return f.Syndrome&(1<<25) != 0
}

// New populates a fresh Fault from a trap IPC's address/IP/syndrome
// triple (Empty -> Raw). Width/IsWrite come directly off the syndrome
// for MMIO data aborts, as ARM's HSR already encodes them; callers
// that need the decoded register contents trigger Fetch/Decode later.
func New(vcpu int, isa ISA, ipa, ip uint64, syndrome uint32, isPrefetch, isWrite bool, width Width) *Fault {
	return &Fault{
		VCPU:       vcpu,
		ISA:        isa,
		state:      StateRaw,
		IPA:        ipa,
		IP:         ip,
		Syndrome:   syndrome,
		IsPrefetch: isPrefetch,
		IsWrite:    isWrite,
		Width:      width,
	}
}

// State returns the fault's current lifecycle stage.
func (f *Fault) State() State { return f.state }

// Handled reports whether the fault's multi-stage counter has reached
// zero (fault_handled in the original fault.h).
func (f *Fault) Handled() bool { return f.Stage == 0 }

// Fetch demand-reads the instruction word at f.IP through mem. Thumb32
// instructions are reassembled from two little-endian halfwords, per
// spec §4.2.
func (f *Fault) Fetch(mem MemTouch) error {
	if f.state >= StateFetched {
		return nil
	}

	var buf [4]byte
	if err := mem.Touch(f.IP, buf[:4]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnfetchable, err)
	}

	if f.ISA == ISAThumb {
		lo := binary.LittleEndian.Uint16(buf[0:2])
		if isThumb32FirstHalfword(lo) {
			f.instruction = uint32(lo)<<16 | uint32(binary.LittleEndian.Uint16(buf[2:4]))
		} else {
			f.instruction = uint32(lo)
		}
	} else {
		f.instruction = binary.LittleEndian.Uint32(buf[:4])
	}

	f.state = StateFetched

	return nil
}

// isThumb32FirstHalfword reports whether a halfword opens a 32-bit
// Thumb-2 instruction: bits [15:11] of 0b11101, 0b11110 or 0b11111.
func isThumb32FirstHalfword(hw uint16) bool {
	top5 := hw >> 11
	return top5 == 0b11101 || top5 == 0b11110 || top5 == 0b11111
}

// Decode parses the fetched instruction into direction/width/target
// register/writeback, reading any source register (for stores) out of
// regs. Lazily fetches first if needed.
func (f *Fault) Decode(mem MemTouch, regs *hostif.Regs) error {
	if f.state < StateFetched {
		if err := f.Fetch(mem); err != nil {
			return err
		}
	}

	if f.state >= StateDecoded {
		return nil
	}

	var (
		d   decoded
		err error
	)

	switch f.ISA {
	case ISAA32:
		d, err = decodeA32(f.instruction)
	case ISAThumb:
		if isThumb32FirstHalfword(uint16(f.instruction >> 16)) {
			d, err = decodeThumb32(f.instruction)
		} else {
			d, err = decodeThumb16(uint16(f.instruction))
		}
	case ISAA64:
		d, err = decodeA64(f.instruction)
	default:
		err = fmt.Errorf("%w: unknown ISA", ErrDecodeFail)
	}

	if err != nil {
		return err
	}

	f.dec = d
	f.Width = d.width
	f.IsWrite = !d.isRead

	if !d.isRead {
		if p := regs.Get(d.targetReg); p != nil {
			f.Data = uint64(*p)
		}
	}

	f.state = StateDecoded

	return nil
}

// TargetReg returns the decoded destination (for loads) or source
// (for stores) register. Only valid once Decoded.
func (f *Fault) TargetReg() hostif.RegID { return f.dec.targetReg }

// ByteLaneMask computes the mask m and shift s FD uses to present an
// emulated device with a right-justified value, per spec §4.2:
// s = (ipa & 0x3) * 8, m covers width bytes from s. Doubleword accesses
// at a misaligned offset are an explicit open question (§9b); we clamp
// to the aligned case and fail otherwise rather than guess.
func ByteLaneMask(ipa uint64, width Width) (mask uint64, shift uint, err error) {
	if width == WidthDoubleword {
		if ipa&0x7 != 0 {
			return 0, 0, ErrMisaligned
		}

		return ^uint64(0), 0, nil
	}

	shift = uint(ipa&0x3) * 8
	mask = (uint64(1)<<(width.Bytes()*8) - 1) << shift

	return mask, shift, nil
}

// Emulate merges the fault's write data into current using the fault's
// byte-lane mask: read-faults clear-then-or the low bits of current
// with the decoded bits already in f.Data (so a device that maintains
// a register-sized value can hand Emulate its live value and get back
// what the guest should observe); write-faults overwrite the masked
// lane with the source-register data. Idempotent under repeated
// application, satisfying the round-trip law in spec §8.
func (f *Fault) Emulate(current uint64) (uint64, error) {
	mask, shift, err := ByteLaneMask(f.IPA, f.Width)
	if err != nil {
		return 0, err
	}

	if !f.IsWrite {
		// Read-faults clear the low bits of current and OR in the lane
		// of f.Data, shifted down to bit 0.
		return (current &^ (mask >> shift)) | ((f.Data & mask) >> shift), nil
	}

	// Write-faults overwrite the masked lane with the source data.
	return (current &^ mask) | (f.Data << shift & mask), nil
}

// LaneValue extracts the right-justified value a device handler
// should see for this access. On a read, registerSizedValue is the
// device's register-sized value and the result is (value & m) >> s.
// On a write, registerSizedValue is the source register (f.Data, see
// Decode), which already holds the stored bytes right-justified, so
// the result is value & (m >> s).
func (f *Fault) LaneValue(registerSizedValue uint64) (uint64, error) {
	mask, shift, err := ByteLaneMask(f.IPA, f.Width)
	if err != nil {
		return 0, err
	}

	if f.IsWrite {
		return registerSizedValue & (mask >> shift), nil
	}

	return (registerSizedValue & mask) >> shift, nil
}

// Advance writes the target register (on read) and advances PC by 4
// or 2 depending on the syndrome's instruction-length bit, per spec
// §4.2 and the PC-delta invariant in spec §8.
func (f *Fault) Advance(h hostif.Host, readValue uint64) error {
	if f.state < StateDecoded {
		return ErrNotDecoded
	}

	regs, err := h.TCBReadRegs(f.VCPU)
	if err != nil {
		return err
	}

	if !f.IsWrite {
		lane, err := f.LaneValue(readValue)
		if err != nil {
			return err
		}

		if p := regs.Get(f.dec.targetReg); p != nil {
			if f.dec.signExtend {
				lane = signExtend(lane, f.Width)
			}

			*p = hostif.Word(lane)
		}
	}

	delta := uint64(2)
	if f.IL() {
		delta = 4
	}

	regs.PC += hostif.Word(delta)

	if err := h.TCBWriteRegs(f.VCPU, regs); err != nil {
		return err
	}

	f.state = StateCommitted

	return nil
}

// Ignore advances PC without any register side effects.
func (f *Fault) Ignore(h hostif.Host) error {
	regs, err := h.TCBReadRegs(f.VCPU)
	if err != nil {
		return err
	}

	delta := uint64(2)
	if f.IL() {
		delta = 4
	}

	regs.PC += hostif.Word(delta)

	if err := h.TCBWriteRegs(f.VCPU, regs); err != nil {
		return err
	}

	f.state = StateCommitted

	return nil
}

// Restart returns without touching PC or registers: used after
// installing a mapping so the guest re-executes the faulting
// instruction.
func (f *Fault) Restart(h hostif.Host) error {
	f.state = StateCommitted

	return nil
}

// Abandon releases the reply capability without resuming the guest
// (fatal fault path). The caller is responsible for halting the VM.
func (f *Fault) Abandon(h hostif.Host) error {
	f.state = StateEmpty

	return nil
}

func signExtend(v uint64, w Width) uint64 {
	bits := w.Bytes() * 8
	if bits >= 64 {
		return v
	}

	signBit := uint64(1) << (bits - 1)
	if v&signBit != 0 {
		return v | (^uint64(0) << bits)
	}

	return v
}

// Dump renders a human-readable fault record for the fatal-fault log
// path (§7): address, IP, syndrome, and a register-file summary.
func Dump(w io.Writer, f *Fault, regs hostif.Regs) {
	fmt.Fprintf(w, "fault: vcpu=%d ipa=%#x ip=%#x syndrome=%#x write=%v width=%v stage=%d\n",
		f.VCPU, f.IPA, f.IP, f.Syndrome, f.IsWrite, f.Width, f.Stage)
	fmt.Fprintf(w, "  pc=%#x sp=%#x cpsr=%#x\n", regs.PC, regs.SP, regs.CPSR)
}
