// Package hostif is the only component allowed to talk to the
// microkernel. Everything above it goes through this narrow,
// capability-mediated surface (spec §4.1, §6.5); no kernel
// identifiers leak past this package boundary.
package hostif

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostError wraps a raw kernel status code returned by a capability
// invocation. The numeric code is opaque to every caller above hostif.
type HostError struct {
	Op   string
	Code int32
}

func (e *HostError) Error() string {
	return fmt.Sprintf("hostif: %s: kernel error %d", e.Op, e.Code)
}

// ErrRetryNotAllowed marks operations §7 forbids retrying.
var ErrRetryNotAllowed = errors.New("hostif: retry not permitted for this operation")

// Word is a single machine register's worth of guest state.
type Word uint64

// RegID names one entry of the per-vCPU register file. The low values
// alias X0..X30 (AArch64) / R0..R12 (AArch32, banked into the first 13
// slots); the named constants cover PC/SP/CPSR and their AArch64
// equivalents.
type RegID int

const (
	RegX0 RegID = iota
	// ... RegX1..RegX29 implied contiguous
	RegLR RegID = 30
	RegSP RegID = 31
	RegPC RegID = 32
	// RegCPSR / PSTATE — AArch32 CPSR and AArch64 SPSR share a slot
	// since only one ISA is active for a given vCPU at a time.
	RegCPSR RegID = 33

	numRegs = 34
)

// CPSR mode bits used by runtime.Configure when seeding the boot vCPU.
const (
	CPSRModeSVC = 0x13
	SPSRModeEL1h = 0x05
)

// Regs is the full general-purpose register file for one vCPu,
// banked so that the same struct serves AArch32 (R0-R12, SP, LR, PC,
// CPSR) and AArch64 (X0-X30, SP, PC, PSTATE) guests.
type Regs struct {
	X    [31]Word
	SP   Word
	PC   Word
	CPSR Word
}

// Get returns a pointer to the register named by id, or nil if id
// does not name an addressable register. Mirrors the teacher's
// machine.GetReg pattern: a flat table instead of a type switch.
func (r *Regs) Get(id RegID) *Word {
	switch {
	case id >= RegX0 && id < RegLR:
		return &r.X[id]
	case id == RegLR:
		return &r.X[30]
	case id == RegSP:
		return &r.SP
	case id == RegPC:
		return &r.PC
	case id == RegCPSR:
		return &r.CPSR
	default:
		return nil
	}
}

// Rights describes the access permissions granted to a mapped frame.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
)

// CapSlot addresses an entry in a cspace. Entirely opaque above hostif.
type CapSlot struct {
	Root  uintptr
	Index uint32
	Depth uint8
}

// MessageTag is the IPC tag word exchanged with the kernel: a label
// plus the number of message registers that follow it.
type MessageTag struct {
	Label  uint64
	Length uint
	Words  [8]uint64
}

// Host is the abstract capability-invocation surface (§6.5). All
// operations fail with *HostError; none may be retried except where
// §7 explicitly allows it (none currently do).
type Host interface {
	TCBReadRegs(vcpu int) (Regs, error)
	TCBWriteRegs(vcpu int, r Regs) error
	VCPUReadReg(vcpu int, reg RegID) (Word, error)
	VCPUWriteReg(vcpu int, reg RegID, val Word) error
	SMCCall(vcpu int, args [8]Word) ([8]Word, error)
	MapFrame(vspace int, cap CapSlot, ipa uint64, sizeBits uint, rights Rights, cacheable bool) error
	UnmapFrame(vspace int, ipa uint64) error
	IPCRecv(ep int) (badge uint64, tag MessageTag, err error)
	IPCReply(tag MessageTag) error
	CNodeMint(src, dst CapSlot, rights Rights, badge uint64) error
}

// invocation opcodes for the capability-invocation character device.
// These are internal to hostif; nothing above this package ever sees
// them, matching gokvm's kvm package keeping its ioctl numbers private
// to the kvm package.
const (
	opTCBReadRegs  = 0x01
	opTCBWriteRegs = 0x02
	opVCPUReadReg  = 0x03
	opVCPUWriteReg = 0x04
	opSMCCall      = 0x05
	opMapFrame     = 0x06
	opUnmapFrame   = 0x07
	opIPCRecv      = 0x08
	opIPCReply     = 0x09
	opCNodeMint    = 0x0a
)

// invokeMsg is the fixed-size struct marshalled across the
// capability-invocation fd for every opcode above; unused fields are
// simply left zero, the same "one big struct, many ioctls" shape as
// kvm.RunData.
type invokeMsg struct {
	VCPU     int32
	Reg      int32
	VSpace   int32
	IPA      uint64
	SizeBits uint32
	Rights   uint8
	Cacheable uint8
	_        [2]uint8
	Badge    uint64
	Regs     Regs
	Args     [8]Word
	Tag      MessageTag
	Cap      CapSlot
	Status   int32
}

// Endpoint is the concrete Host backend: a single file descriptor to
// the kernel-provided invocation channel, exactly as kvm.Machine holds
// a single kvmFd/vmFd pair and issues numbered ioctls against it.
type Endpoint struct {
	fd uintptr
}

// Open binds an Endpoint to an already-opened capability-invocation
// file descriptor (the platform/CLI layer is responsible for obtaining
// it; hostif never opens device nodes itself).
func Open(fd uintptr) *Endpoint {
	return &Endpoint{fd: fd}
}

func (e *Endpoint) invoke(op uintptr, msg *invokeMsg) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, e.fd, op, uintptr(unsafe.Pointer(msg)))
	if errno != 0 {
		return &HostError{Op: opName(op), Code: int32(errno)}
	}

	if msg.Status != 0 {
		return &HostError{Op: opName(op), Code: msg.Status}
	}

	return nil
}

func opName(op uintptr) string {
	switch op {
	case opTCBReadRegs:
		return "tcb_read_regs"
	case opTCBWriteRegs:
		return "tcb_write_regs"
	case opVCPUReadReg:
		return "vcpu_read_reg"
	case opVCPUWriteReg:
		return "vcpu_write_reg"
	case opSMCCall:
		return "smc_call"
	case opMapFrame:
		return "map_frame"
	case opUnmapFrame:
		return "unmap_frame"
	case opIPCRecv:
		return "ipc_recv"
	case opIPCReply:
		return "ipc_reply"
	case opCNodeMint:
		return "cnode_mint"
	default:
		return "unknown"
	}
}

func (e *Endpoint) TCBReadRegs(vcpu int) (Regs, error) {
	msg := &invokeMsg{VCPU: int32(vcpu)}
	if err := e.invoke(opTCBReadRegs, msg); err != nil {
		return Regs{}, err
	}

	return msg.Regs, nil
}

func (e *Endpoint) TCBWriteRegs(vcpu int, r Regs) error {
	msg := &invokeMsg{VCPU: int32(vcpu), Regs: r}

	return e.invoke(opTCBWriteRegs, msg)
}

func (e *Endpoint) VCPUReadReg(vcpu int, reg RegID) (Word, error) {
	msg := &invokeMsg{VCPU: int32(vcpu), Reg: int32(reg)}
	if err := e.invoke(opVCPUReadReg, msg); err != nil {
		return 0, err
	}

	return msg.Args[0], nil
}

func (e *Endpoint) VCPUWriteReg(vcpu int, reg RegID, val Word) error {
	msg := &invokeMsg{VCPU: int32(vcpu), Reg: int32(reg), Args: [8]Word{val}}

	return e.invoke(opVCPUWriteReg, msg)
}

func (e *Endpoint) SMCCall(vcpu int, args [8]Word) ([8]Word, error) {
	msg := &invokeMsg{VCPU: int32(vcpu), Args: args}
	if err := e.invoke(opSMCCall, msg); err != nil {
		return [8]Word{}, err
	}

	return msg.Args, nil
}

func (e *Endpoint) MapFrame(vspace int, cap CapSlot, ipa uint64, sizeBits uint, rights Rights, cacheable bool) error {
	msg := &invokeMsg{VSpace: int32(vspace), Cap: cap, IPA: ipa, SizeBits: uint32(sizeBits), Rights: uint8(rights)}
	if cacheable {
		msg.Cacheable = 1
	}

	return e.invoke(opMapFrame, msg)
}

func (e *Endpoint) UnmapFrame(vspace int, ipa uint64) error {
	msg := &invokeMsg{VSpace: int32(vspace), IPA: ipa}

	return e.invoke(opUnmapFrame, msg)
}

func (e *Endpoint) IPCRecv(ep int) (uint64, MessageTag, error) {
	msg := &invokeMsg{VSpace: int32(ep)}
	if err := e.invoke(opIPCRecv, msg); err != nil {
		return 0, MessageTag{}, err
	}

	return msg.Badge, msg.Tag, nil
}

func (e *Endpoint) IPCReply(tag MessageTag) error {
	msg := &invokeMsg{Tag: tag}

	return e.invoke(opIPCReply, msg)
}

func (e *Endpoint) CNodeMint(src, dst CapSlot, rights Rights, badge uint64) error {
	msg := &invokeMsg{Cap: src, Badge: badge, Rights: uint8(rights)}
	msg.Tag.Words[0] = uint64(dst.Index)

	return e.invoke(opCNodeMint, msg)
}
