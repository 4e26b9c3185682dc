// Command vmm boots one ARM guest under a capability-based
// microkernel: it parses CLI/config input, wires GMM, the vGIC, the
// console/virtio/PCI devices, and the host interface together, then
// hands control to the runtime's IPC loop.
//
// Grounded on gokvm's main.go + vmm.VMM (Init/Setup/Boot), generalized
// from direct KVM ioctls to the hostif/gmm/vgic/runtime/bootimage
// stack this module builds.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/capvisor/vmm/bootimage"
	"github.com/capvisor/vmm/config"
	"github.com/capvisor/vmm/console"
	"github.com/capvisor/vmm/gmm"
	"github.com/capvisor/vmm/hostif"
	"github.com/capvisor/vmm/internal/vmmlog"
	"github.com/capvisor/vmm/netdev"
	"github.com/capvisor/vmm/pci"
	"github.com/capvisor/vmm/runtime"
	"github.com/capvisor/vmm/vgic"
	"github.com/capvisor/vmm/virtio"
)

var log = vmmlog.New("vmm")

func main() {
	boot, probe, err := config.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if probe != nil {
		runProbe(probe)

		return
	}

	if err := runBoot(boot); err != nil {
		log.Fatal(err)
	}
}

// ARM-guest boot constants: the destination addresses LoadKernel,
// Place and Configure agree on. Matches the conventional QEMU
// "virt" machine layout closely enough for a single-region guest.
const (
	ramBase      = 0x40000000
	machineID    = 0 // device-tree boot ignores this; ATAGS boot wants a real machine number
	atagsOffset  = 0x100
	dtbOffset    = 0x8000000
	initrdOffset = 0x9000000

	consoleMMIOBase = 0x09000000
	consoleMMIOSize = 0x1000

	netMMIOBase = 0x0a000000
	netMMIOSize = virtio.IOPortSize

	pciECAMBase = 0x0b000000

	consoleIRQ = 33
	netIRQ     = 34
)

func runBoot(b *config.Boot) error {
	hostFD, err := os.OpenFile(b.HostDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vmm: open host device %q: %w", b.HostDevice, err)
	}
	defer hostFD.Close()

	host := hostif.Open(hostFD.Fd())
	alloc := hostif.NewBumpFrameAllocator()

	g := gmm.New(alloc, host)
	if _, err := g.RAMRegisterAt(ramBase, uint64(b.MemSize)); err != nil {
		return fmt.Errorf("vmm: reserve guest RAM: %w", err)
	}

	vg := vgic.CreateDefaultIRQController(true, b.NCPUs, 4, 64)
	vg.SetKernelAck(func(irq, vcpu int) error {
		log.Printf("vgic: kernel ack requested for irq %d on vcpu %d (no host ack invocation modelled)", irq, vcpu)

		return nil
	})

	vm, err := runtime.New(1, "vmm0", b.NCPUs, host, g, vg)
	if err != nil {
		return fmt.Errorf("vmm: new vm: %w", err)
	}

	if err := attachConsole(vm, g, vg); err != nil {
		return err
	}

	if err := attachPCI(g); err != nil {
		return err
	}

	ifaces := b.Nets
	if b.TapIfName != "" {
		ifaces = append([]config.NetIface{{TapName: b.TapIfName}}, ifaces...)
	}

	var taps []*netdev.Tap

	defer func() {
		for _, tap := range taps {
			tap.Close()
		}
	}()

	for i, iface := range ifaces {
		tap, err := attachNet(vm, g, vg, iface, netMMIOBase+uint64(i)*netMMIOSize, netIRQ+i)
		if err != nil {
			return err
		}

		taps = append(taps, tap)
	}

	img, atagsIPA, dtbIPA, err := loadGuestImage(g, b)
	if err != nil {
		return err
	}

	if err := vm.Configure(img.EntryPC, machineID, atagsIPA, dtbIPA, img.AArch64); err != nil {
		return fmt.Errorf("vmm: configure: %w", err)
	}

	log.Printf("booting %q: entry=%#x aarch64=%v cpus=%d mem=%d", b.Kernel, img.EntryPC, img.AArch64, b.NCPUs, b.MemSize)

	return vm.Run(context.Background())
}

func loadGuestImage(g *gmm.Map, b *config.Boot) (bootimage.Image, uint64, uint64, error) {
	kernel, err := os.Open(b.Kernel)
	if err != nil {
		return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: open kernel %q: %w", b.Kernel, err)
	}
	defer kernel.Close()

	img, err := bootimage.LoadKernel(g, kernel, ramBase, ramBase+0x8000)
	if err != nil {
		return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: load kernel: %w", err)
	}

	if b.Initrd != "" {
		data, err := os.ReadFile(b.Initrd)
		if err != nil {
			return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: read initrd %q: %w", b.Initrd, err)
		}

		if err := bootimage.Place(g, data, ramBase+initrdOffset); err != nil {
			return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: place initrd: %w", err)
		}
	}

	var atagsIPA, dtbIPA uint64

	if b.DTB != "" {
		data, err := os.ReadFile(b.DTB)
		if err != nil {
			return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: read dtb %q: %w", b.DTB, err)
		}

		if err := bootimage.Place(g, data, ramBase+dtbOffset); err != nil {
			return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: place dtb: %w", err)
		}

		dtbIPA = ramBase + dtbOffset
	} else {
		builder := bootimage.NewATAGBuilder(0, 0x1000, 0)
		builder.AddMem(uint32(b.MemSize), ramBase)
		builder.AddCmdline(b.Cmdline)

		if err := bootimage.Place(g, builder.Bytes(), ramBase+atagsOffset); err != nil {
			return bootimage.Image{}, 0, 0, fmt.Errorf("vmm: place atags: %w", err)
		}

		atagsIPA = ramBase + atagsOffset
	}

	return img, atagsIPA, dtbIPA, nil
}

// vgicLine adapts one SPI line to both console.IRQInjector and
// virtio.IRQInjector; both interfaces name a single no-argument,
// error-returning method, just spelled differently per device class.
type vgicLine struct {
	vg  *vgic.Controller
	irq int
}

func (l vgicLine) InjectConsoleIRQ() error { return l.vg.InjectIRQ(0, l.irq) }
func (l vgicLine) InjectDeviceIRQ() error  { return l.vg.InjectIRQ(0, l.irq) }

func attachConsole(vm *runtime.VM, g *gmm.Map, vg *vgic.Controller) error {
	uart := console.New(vgicLine{vg: vg, irq: consoleIRQ})
	uart.SetOutput(console.NewDebugMirror(os.Stdout))

	if _, err := g.ReserveMemoryAt(consoleMMIOBase, consoleMMIOSize, gmm.KindMMIOEmulated, uart); err != nil {
		return fmt.Errorf("vmm: reserve console MMIO: %w", err)
	}

	go pumpStdinToConsole(uart)

	_ = vm

	return nil
}

func pumpStdinToConsole(uart *console.UART) {
	buf := make([]byte, 1)

	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}

		if n == 0 {
			continue
		}

		if err := uart.Push(buf[0]); err != nil {
			log.Printf("console: push: %v", err)
		}
	}
}

// attachNet creates iface's TAP device inside its own network
// namespace (one per interface, named after the TAP itself) so the
// bridge/address plumbing netdev.Configure performs never touches the
// host's root namespace, then registers a virtio-net device for it at
// mmioBase on irq.
func attachNet(vm *runtime.VM, g *gmm.Map, vg *vgic.Controller, iface config.NetIface, mmioBase uint64, irq int) (*netdev.Tap, error) {
	ns, err := netdev.NewNamedNamespace("vmm-" + iface.TapName)
	if err != nil {
		return nil, fmt.Errorf("vmm: create namespace for tap %q: %w", iface.TapName, err)
	}
	defer ns.Close()

	var tap *netdev.Tap

	err = netdev.InNamespace(ns, func() error {
		var tapErr error

		tap, tapErr = netdev.NewTap(iface.TapName)
		if tapErr != nil {
			return tapErr
		}

		return netdev.Configure(tap, iface.CIDR, iface.Bridge)
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: configure tap %q: %w", iface.TapName, err)
	}

	mac, err := netdev.HardwareAddr(tap)
	if err != nil {
		mac = nil
	}

	var macArr [6]byte
	copy(macArr[:], mac)

	dev := virtio.NewNet(macArr, uint8(irq), vgicLine{vg: vg, irq: irq})

	if _, err := g.ReserveMemoryAt(mmioBase, netMMIOSize, gmm.KindMMIOEmulated, dev); err != nil {
		tap.Close()

		return nil, fmt.Errorf("vmm: reserve virtio-net MMIO: %w", err)
	}

	_ = vm

	return tap, nil
}

func attachPCI(g *gmm.Map) error {
	bus := pci.NewBus()
	bus.Attach(0, 0, pci.NewBridge())

	hb := pci.NewHostBridge(bus)
	if _, err := g.ReserveMemoryAt(pciECAMBase, 0x1000, gmm.KindMMIOEmulated, hb); err != nil {
		return fmt.Errorf("vmm: reserve pci host bridge MMIO: %w", err)
	}

	return nil
}

func runProbe(p *config.Probe) {
	fmt.Printf("capvisor vmm probe: reporting build-time capability surface only\r\n")
	fmt.Printf("host interface opcodes: tcb_read_regs tcb_write_regs vcpu_read_reg "+
		"vcpu_write_reg smc_call map_frame unmap_frame ipc_recv ipc_reply cnode_mint\r\n")

	if p.Decode != "" {
		s, err := decodeWord64(p.Decode)
		if err != nil {
			log.Printf("decode: %v", err)
		} else {
			fmt.Printf("a64 %s: %s\r\n", p.Decode, s)
		}
	}

	if p.Decode32 != "" {
		s, err := decodeWord32(p.Decode32)
		if err != nil {
			log.Printf("decode32: %v", err)
		} else {
			fmt.Printf("a32 %s: %s\r\n", p.Decode32, s)
		}
	}
}
