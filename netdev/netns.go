package netdev

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// InNamespace runs fn with the calling OS thread's network namespace
// switched to ns for its duration, restoring the original namespace
// before returning. The caller must not have called runtime.LockOSThread
// itself; InNamespace locks and unlocks the thread around fn.
//
// Grounded on nothing in the teacher; pulled in from the rest of the
// example pack's host-networking stack (github.com/vishvananda/netns)
// to let the VM wiring layer create a TAP interface inside a
// dedicated namespace instead of the host's root namespace.
func InNamespace(ns netns.NsHandle, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netdev: get current namespace: %w", err)
	}
	defer orig.Close()

	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("netdev: switch to target namespace: %w", err)
	}
	defer netns.Set(orig)

	return fn()
}

// NewNamedNamespace creates (or opens, if it already exists) a named
// network namespace under /var/run/netns, the convention `ip netns`
// uses.
func NewNamedNamespace(name string) (netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err == nil {
		return ns, nil
	}

	return netns.NewNamed(name)
}
