// Package runtime implements the vCPU / VM Runtime (RT): VM and vCPU
// lifecycle, the per-VM recv-classify-dispatch-reply IPC loop, exit
// classification, and the reboot-hook list.
//
// Grounded on machine.RunInfiniteLoop/RunOnce's poll-classify-dispatch
// shape and vmm.Boot's per-vCPU goroutine fan-out, generalized from
// KVM's ExitReason switch to the IPC tag classification of spec §4.5;
// sync.WaitGroup is replaced with golang.org/x/sync/errgroup (see
// SPEC_FULL.md domain stack) so the first vCPU goroutine's error wins
// and cancels its siblings, matching the "halt the VM" escape in §4.3.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/capvisor/vmm/fault"
	"github.com/capvisor/vmm/gmm"
	"github.com/capvisor/vmm/hostif"
	"github.com/capvisor/vmm/vgic"
)

// MaxVCPUs bounds the vCPU set per spec §3 ("vCPU set (≤ MAX_NUM_VCPUS)").
const MaxVCPUs = 8

// State is the VM lifecycle (spec §4.5).
type State int

const (
	StateInit State = iota
	StateConfigured
	StateRunning
	StateStopped
	StateHalted
)

var (
	ErrTooManyVCPUs  = errors.New("runtime: vcpu count exceeds MaxVCPUs")
	ErrUnsupported   = errors.New("runtime: PSCI/SMC function not implemented")
	ErrNoSuchVCPU    = errors.New("runtime: no such vcpu")
)

// IPC tag classes the kernel delivers on the badged fault endpoint
// (spec §4.5's classification table). The concrete numeric values are
// a Host Interface convention, not architectural.
const (
	TagVMFault uint64 = iota
	TagUnknownSyscall
	TagVGICMaintenance
	TagUserNotification
	TagVCPUFault
)

// PlatformCallbacks are the VM-level hooks spec §3 lists alongside the
// VM's core fields: get_interrupt, has_interrupt, do_async, async_notif.
type PlatformCallbacks struct {
	GetInterrupt func(vcpu int) (irq int, ok bool)
	HasInterrupt func(vcpu int) bool
	DoAsync      func(badge uint64, label uint64)
	AsyncNotif   func(badge uint64)
}

// RebootHook is one entry of the ordered reboot-hook list (spec
// §4.5). Hooks must be idempotent; vm_reboot aborts on the first
// failure.
type RebootHook struct {
	Name string
	Fn   func() error
}

// VCPU is the runtime's view of one guest vCPU: online state,
// suspended flag, and the unhandled-fault/SMC callbacks a device
// layer can register.
type VCPU struct {
	Index     int
	Online    bool
	Suspended bool

	lastFault *fault.Fault

	UnhandledFault func(f *fault.Fault) error
	SMCHandler     func(vcpu int, args [8]hostif.Word) ([8]hostif.Word, bool, error)
}

// VM is one guest instance: identity, its vCPU set, GMM and vGIC
// instances, reboot hooks, and the platform callbacks (spec §3).
type VM struct {
	ID       uint64
	Name     string
	Priority int

	BootVCPU int
	VCPUs    []*VCPU

	GMM  *gmm.Map
	VGIC *vgic.Controller

	Host hostif.Host

	MachineID uint64
	EntryPC   uint64
	AtagsIPA  uint64
	DTBIPA    uint64
	AArch64   bool

	Callbacks   PlatformCallbacks
	RebootHooks []RebootHook

	// UnhandledMMIO is the VM's optional global unhandled-fault
	// callback (spec §4.3 "Unhandled escape"): invoked when no
	// reservation covers a faulting address. Returning true means the
	// fault was dealt with out of band and the guest should resume.
	UnhandledMMIO func(f *fault.Fault) bool

	state State
}

// New allocates a VM in StateInit with nVCPU offline vCPUs (only the
// boot vCPU, index 0, is brought online by Configure).
func New(id uint64, name string, nVCPU int, host hostif.Host, g *gmm.Map, v *vgic.Controller) (*VM, error) {
	if nVCPU > MaxVCPUs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyVCPUs, nVCPU)
	}

	vm := &VM{
		ID:    id,
		Name:  name,
		GMM:   g,
		VGIC:  v,
		Host:  host,
		state: StateInit,
	}

	vm.VCPUs = make([]*VCPU, nVCPU)
	for i := range vm.VCPUs {
		vm.VCPUs[i] = &VCPU{Index: i}
	}

	return vm, nil
}

// State returns the VM's current lifecycle stage.
func (vm *VM) State() State { return vm.state }

// Configure seeds the boot vCPU's registers per the Linux boot
// protocol and transitions init -> configured (spec §4.5).
func (vm *VM) Configure(entryPC, machineID, atagsIPA, dtbIPA uint64, aarch64 bool) error {
	vm.EntryPC, vm.MachineID, vm.AtagsIPA, vm.DTBIPA, vm.AArch64 = entryPC, machineID, atagsIPA, dtbIPA, aarch64

	boot := vm.VCPUs[vm.BootVCPU]
	boot.Online = true

	var regs hostif.Regs
	if aarch64 {
		regs.X[0] = hostif.Word(dtbIPA)
		regs.X[1], regs.X[2], regs.X[3] = 0, 0, 0
		regs.PC = hostif.Word(entryPC)
		regs.CPSR = hostif.SPSRModeEL1h
	} else {
		regs.X[0] = 0
		regs.X[1] = hostif.Word(machineID)
		regs.X[2] = hostif.Word(atagsIPA)
		regs.PC = hostif.Word(entryPC)
		regs.CPSR = hostif.CPSRModeSVC
	}

	if err := vm.Host.TCBWriteRegs(vm.BootVCPU, regs); err != nil {
		return err
	}

	vm.state = StateConfigured

	return nil
}

// Run starts the VM's IPC loop. Per spec §5 each VM runs on one host
// thread; Run itself blocks the calling goroutine until every vCPU's
// loop exits (a halt, a fatal error, or ctx cancellation), using
// errgroup so the first error cancels its siblings instead of each
// vCPU thread failing independently and racing VM teardown.
func (vm *VM) Run(ctx context.Context) error {
	vm.state = StateRunning

	g, ctx := errgroup.WithContext(ctx)

	for _, vcpu := range vm.VCPUs {
		vcpu := vcpu

		g.Go(func() error {
			return vm.vcpuLoop(ctx, vcpu)
		})
	}

	err := g.Wait()
	if vm.state == StateRunning {
		vm.state = StateStopped
	}

	return err
}

// vcpuLoop is the per-vCPU recv -> classify -> dispatch -> reply loop
// (spec §4.5). The loop ends as soon as its vCPU is offline or
// suspended, including a vCPU that is offline when Run starts; Run
// starts no loop for a vCPU that PSCI CPU_ON brings online later.
func (vm *VM) vcpuLoop(ctx context.Context, vcpu *VCPU) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !vcpu.Online {
			return nil
		}

		badge, tag, err := vm.Host.IPCRecv(vcpu.Index)
		if err != nil {
			return fmt.Errorf("runtime: ipc_recv vcpu %d: %w", vcpu.Index, err)
		}

		if err := vm.dispatch(vcpu, badge, tag); err != nil {
			if errors.Is(err, errHalt) {
				vm.state = StateHalted

				return nil
			}

			return err
		}

		if vcpu.Suspended {
			return nil
		}
	}
}

var errHalt = errors.New("runtime: vm halted")

func (vm *VM) dispatch(vcpu *VCPU, badge uint64, tag hostif.MessageTag) error {
	switch tag.Label {
	case TagVMFault:
		return vm.dispatchVMFault(vcpu, tag)

	case TagUnknownSyscall:
		return vm.dispatchSMC(vcpu, tag)

	case TagVGICMaintenance:
		vm.VGIC.DrainPending(vcpu.Index)

		return vm.Host.IPCReply(tag)

	case TagUserNotification:
		if vm.Callbacks.DoAsync != nil {
			vm.Callbacks.DoAsync(badge, tag.Label)
		}

		return nil

	case TagVCPUFault:
		return vm.dispatchVCPUFault(vcpu, tag)

	default:
		log.Printf("runtime: vcpu %d unknown tag label %d", vcpu.Index, tag.Label)

		return vm.Host.IPCReply(tag)
	}
}

func (vm *VM) dispatchVMFault(vcpu *VCPU, tag hostif.MessageTag) error {
	ipa := uint64(tag.Words[0])
	ip := uint64(tag.Words[1])
	syndrome := uint32(tag.Words[2])
	isPrefetch := tag.Words[3] != 0

	isa := fault.ISAA32
	if vm.AArch64 {
		isa = fault.ISAA64
	}

	isWrite := syndrome&(1<<6) != 0
	width := fault.Width((syndrome >> 22) & 0x3)

	f := fault.New(vcpu.Index, isa, ipa, ip, syndrome, isPrefetch, isWrite, width)
	vcpu.lastFault = f

	// Decode must run before GMM dispatch: for a store, f.Data only
	// gets the source register's value inside Decode (it reads the
	// live register file), and DD's write handlers consume f.Data.
	// Dispatching first would hand every device a zero write (spec §2's
	// RT -> FD decode -> GMM lookup -> DD emulate -> FD commit order).
	regs, err := vm.Host.TCBReadRegs(vcpu.Index)
	if err != nil {
		return err
	}

	if err := f.Decode(vm.GMM, &regs); err != nil {
		vm.dumpFault(vcpu, f)

		return err
	}

	res, err := vm.GMM.HandleMMIO(f, ipa, width.Bytes())
	if err != nil {
		return fmt.Errorf("runtime: gmm dispatch: %w", err)
	}

	switch res {
	case gmm.ResultHandled:
		if err := f.Advance(vm.Host, f.Data); err != nil {
			vm.dumpFault(vcpu, f)

			return err
		}

	case gmm.ResultIgnore:
		if err := f.Ignore(vm.Host); err != nil {
			return err
		}

	case gmm.ResultRestart:
		if err := f.Restart(vm.Host); err != nil {
			return err
		}

	case gmm.ResultUnhandled:
		if vm.UnhandledMMIO == nil || !vm.UnhandledMMIO(f) {
			vm.dumpFault(vcpu, f)

			return errHalt
		}

	case gmm.ResultError:
		vm.dumpFault(vcpu, f)

		return errHalt
	}

	return vm.Host.IPCReply(tag)
}

func (vm *VM) dumpFault(vcpu *VCPU, f *fault.Fault) {
	regs, err := vm.Host.TCBReadRegs(vcpu.Index)
	if err != nil {
		regs = hostif.Regs{}
	}

	fault.Dump(logWriter{}, f, regs)
}

func (vm *VM) dispatchVCPUFault(vcpu *VCPU, tag hostif.MessageTag) error {
	hsr := uint32(tag.Words[0])

	if vcpu.UnhandledFault != nil {
		f := &fault.Fault{VCPU: vcpu.Index, Syndrome: hsr}
		if err := vcpu.UnhandledFault(f); err == nil {
			return vm.Host.IPCReply(tag)
		}
	}

	return errHalt
}

// logWriter adapts the standard logger as an io.Writer for fault.Dump.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Print(string(p))

	return len(p), nil
}

// AddRebootHook appends a hook to the ordered reboot list.
func (vm *VM) AddRebootHook(h RebootHook) { vm.RebootHooks = append(vm.RebootHooks, h) }

// Reboot walks the reboot-hook list in registration order, aborting
// on the first failure, then re-enters configured (spec §4.5).
func (vm *VM) Reboot() error {
	for _, h := range vm.RebootHooks {
		if err := h.Fn(); err != nil {
			return fmt.Errorf("runtime: reboot hook %q: %w", h.Name, err)
		}
	}

	vm.state = StateConfigured

	return nil
}

// Halt stops every online vCPU and releases any in-flight fault reply
// capability via abandon, per the cancellation model of spec §5.
func (vm *VM) Halt() {
	for _, vcpu := range vm.VCPUs {
		if vcpu.lastFault != nil {
			_ = vcpu.lastFault.Abandon(vm.Host)
		}

		vcpu.Online = false
	}

	vm.state = StateHalted
}
