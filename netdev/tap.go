// Package netdev creates and configures the host-side TAP interface a
// virtio-net device's BAR is conceptually wired to. Since ring-buffer
// emulation is out of scope, this package's job ends at "the
// interface exists, is up, is enslaved to the bridge and carries the
// address the VM wiring layer asked for" — no packet ever crosses the TAP fd through
// this package.
//
// Grounded on tap.New's TUNSETIFF ioctl, generalized from raw
// syscall.Syscall calls into golang.org/x/sys/unix's Ifreq/IoctlIfreq
// helpers (the domain-stack convention every other host-facing package
// in this module follows).
package netdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Tap owns one /dev/net/tun file descriptor bound to a named TAP
// interface.
type Tap struct {
	file *os.File
	name string
}

// NewTap opens /dev/net/tun and binds it to a TAP interface named
// name, creating the interface if it does not already exist.
func NewTap(name string) (*Tap, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netdev: open /dev/net/tun: %w", err)
	}

	req, err := unix.NewIfreq(name)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("netdev: build ifreq for %q: %w", name, err)
	}

	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, req); err != nil {
		f.Close()

		return nil, fmt.Errorf("netdev: TUNSETIFF %q: %w", name, err)
	}

	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()

		return nil, fmt.Errorf("netdev: set nonblocking: %w", err)
	}

	return &Tap{file: f, name: name}, nil
}

// Name returns the interface name that was passed to NewTap.
func (t *Tap) Name() string { return t.name }

// Fd is the raw tun/tap file descriptor, for a caller that wants to
// poll it directly.
func (t *Tap) Fd() uintptr { return t.file.Fd() }

// Close releases the underlying file descriptor. The kernel tears
// down the interface once the last fd referencing it closes, unless
// IFF_PERSIST was set (it is not, here).
func (t *Tap) Close() error { return t.file.Close() }
