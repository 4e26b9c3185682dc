package runtime

import (
	"context"
	"testing"

	"github.com/capvisor/vmm/gmm"
	"github.com/capvisor/vmm/hostif"
	"github.com/capvisor/vmm/vgic"
)

type noopAllocator struct{ next uint32 }

func (a *noopAllocator) AllocateFrame(sizeBits uint) (hostif.CapSlot, error) {
	a.next++

	return hostif.CapSlot{Index: a.next}, nil
}

func newTestVM(t *testing.T, nCPU int) (*VM, *hostif.Fake) {
	t.Helper()

	h := hostif.NewFake(1<<20, nCPU)
	g := gmm.New(&noopAllocator{}, h)
	v := vgic.New(vgic.VersionV2, nCPU, 4, 64)

	vm, err := New(1, "test", nCPU, h, g, v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return vm, h
}

func TestConfigureSeedsAArch32BootRegisters(t *testing.T) {
	vm, h := newTestVM(t, 1)

	if err := vm.Configure(0x80000000, 42, 0x81000000, 0, false); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if vm.State() != StateConfigured {
		t.Fatalf("state = %v, want StateConfigured", vm.State())
	}

	regs, err := h.TCBReadRegs(0)
	if err != nil {
		t.Fatalf("TCBReadRegs: %v", err)
	}

	if regs.PC != 0x80000000 {
		t.Fatalf("PC = %#x, want entry point", regs.PC)
	}

	if regs.X[1] != 42 {
		t.Fatalf("r1 (machine id) = %#x, want 42", regs.X[1])
	}

	if regs.X[2] != 0x81000000 {
		t.Fatalf("r2 (atags) = %#x, want 0x81000000", regs.X[2])
	}

	if regs.CPSR != hostif.CPSRModeSVC {
		t.Fatalf("cpsr = %#x, want SVC mode", regs.CPSR)
	}
}

func TestConfigureSeedsAArch64BootRegisters(t *testing.T) {
	vm, h := newTestVM(t, 1)

	if err := vm.Configure(0x40080000, 0, 0, 0x40000000, true); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	regs, err := h.TCBReadRegs(0)
	if err != nil {
		t.Fatalf("TCBReadRegs: %v", err)
	}

	if regs.X[0] != 0x40000000 {
		t.Fatalf("x0 (dtb) = %#x, want 0x40000000", regs.X[0])
	}

	if regs.CPSR != hostif.SPSRModeEL1h {
		t.Fatalf("spsr = %#x, want EL1h", regs.CPSR)
	}
}

func TestRebootAbortsOnFirstFailure(t *testing.T) {
	vm, _ := newTestVM(t, 1)

	var calledSecond bool

	vm.AddRebootHook(RebootHook{Name: "fails", Fn: func() error { return errHalt }})
	vm.AddRebootHook(RebootHook{Name: "second", Fn: func() error { calledSecond = true; return nil }})

	if err := vm.Reboot(); err == nil {
		t.Fatalf("expected reboot to fail on first hook")
	}

	if calledSecond {
		t.Fatalf("second hook ran despite first hook's failure")
	}
}

func TestHaltTakesAllVCPUsOffline(t *testing.T) {
	vm, _ := newTestVM(t, 2)
	vm.VCPUs[0].Online = true
	vm.VCPUs[1].Online = true

	vm.Halt()

	for _, vcpu := range vm.VCPUs {
		if vcpu.Online {
			t.Fatalf("vcpu %d still online after Halt", vcpu.Index)
		}
	}

	if vm.State() != StateHalted {
		t.Fatalf("state = %v, want StateHalted", vm.State())
	}
}

func TestRunExitsWhenNoVCPUOnline(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	// Boot vCPU never brought online (Configure not called): the loop
	// should return immediately rather than blocking on IPCRecv.
	if err := vm.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
