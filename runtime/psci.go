package runtime

import (
	"fmt"
	"log"

	"github.com/capvisor/vmm/hostif"
)

// PSCI function IDs (ARM DEN0022), both the 32-bit and 64-bit SMC64
// conventions the default handler recognises (spec §4.5).
const (
	psciCPUSuspend32  = 0x84000001
	psciCPUOff32      = 0x84000002
	psciCPUOn32       = 0x84000003
	psciSystemOff32   = 0x84000008
	psciSystemReset32 = 0x84000009

	psciCPUSuspend64  = 0xC4000001
	psciCPUOn64       = 0xC4000003

	psciNotSupported = ^uint64(0) // -1 as an unsigned 64-bit value
	psciSuccess      = 0
)

// dispatchSMC implements the default PSCI/SMC handler. A VM-installed
// custom handler (vcpu.SMCHandler) runs first and pre-empts the
// default when it reports the call handled; otherwise the
// unknown-syscall tag's function ID is classified and acted on here.
func (vm *VM) dispatchSMC(vcpu *VCPU, tag hostif.MessageTag) error {
	var args [8]hostif.Word
	for i, w := range tag.Words {
		args[i] = hostif.Word(w)
	}

	if vcpu.SMCHandler != nil {
		result, handled, err := vcpu.SMCHandler(vcpu.Index, args)
		if err != nil {
			return err
		}

		if handled {
			return vm.replySMC(vcpu, tag, result)
		}
	}

	funcID := uint64(args[0])

	switch funcID {
	case psciCPUOn32, psciCPUOn64:
		return vm.handleCPUOn(vcpu, tag, args)

	case psciCPUOff32:
		return vm.handleCPUOff(vcpu, tag)

	case psciSystemReset32:
		return vm.handleSystemReset(vcpu, tag)

	case psciSystemOff32:
		vm.Halt()

		return nil

	case psciCPUSuspend32, psciCPUSuspend64:
		return vm.replySMC(vcpu, tag, [8]hostif.Word{psciSuccess})

	default:
		log.Printf("runtime: vcpu %d unsupported smc function %#x", vcpu.Index, funcID)

		return vm.replySMC(vcpu, tag, [8]hostif.Word{hostif.Word(psciNotSupported)})
	}
}

func (vm *VM) replySMC(vcpu *VCPU, tag hostif.MessageTag, result [8]hostif.Word) error {
	regs, err := vm.Host.TCBReadRegs(vcpu.Index)
	if err != nil {
		return err
	}

	for i, v := range result {
		if p := regs.Get(hostif.RegID(i)); p != nil {
			*p = v
		}
	}

	if err := vm.Host.TCBWriteRegs(vcpu.Index, regs); err != nil {
		return err
	}

	return vm.Host.IPCReply(tag)
}

// handleCPUOn brings vcpuID (arg1) online at entry point arg2,
// requiring the target to have been created already (spec §4.5:
// "requires a prior create_vcpu" — modelled here as the target index
// already existing in vm.VCPUs).
func (vm *VM) handleCPUOn(vcpu *VCPU, tag hostif.MessageTag, args [8]hostif.Word) error {
	target := int(args[1])
	entry := uint64(args[2])

	if target < 0 || target >= len(vm.VCPUs) {
		return vm.replySMC(vcpu, tag, [8]hostif.Word{hostif.Word(psciNotSupported)})
	}

	tv := vm.VCPUs[target]
	if tv.Online {
		return vm.replySMC(vcpu, tag, [8]hostif.Word{hostif.Word(psciNotSupported)})
	}

	var regs hostif.Regs
	regs.PC = hostif.Word(entry)

	if err := vm.Host.TCBWriteRegs(target, regs); err != nil {
		return err
	}

	tv.Online = true
	tv.Suspended = false

	return vm.replySMC(vcpu, tag, [8]hostif.Word{psciSuccess})
}

// handleCPUOff marks the calling vCPU offline and stops its thread
// (spec §4.5).
func (vm *VM) handleCPUOff(vcpu *VCPU, tag hostif.MessageTag) error {
	if err := vm.replySMC(vcpu, tag, [8]hostif.Word{psciSuccess}); err != nil {
		return err
	}

	vcpu.Online = false
	vcpu.Suspended = true

	// Pending IRQs drain into the distributor but are not delivered,
	// per the cancellation model in spec §5.
	vm.VGIC.DrainPending(vcpu.Index)

	return nil
}

// handleSystemReset walks the reboot-hook list and re-enters
// configured (spec §4.5).
func (vm *VM) handleSystemReset(vcpu *VCPU, tag hostif.MessageTag) error {
	if err := vm.Reboot(); err != nil {
		return fmt.Errorf("runtime: system reset: %w", err)
	}

	return vm.replySMC(vcpu, tag, [8]hostif.Word{psciSuccess})
}
