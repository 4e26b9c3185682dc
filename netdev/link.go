package netdev

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Configure brings the TAP interface up, assigns cidr (e.g.
// "192.168.30.1/24") to it if non-empty, and enslaves it to a bridge
// named bridgeName if non-empty.
//
// Grounded on nothing in the teacher (gokvm has no netlink dependency
// and leaves host-side bridge/address setup to an external shell
// script); generalized from that script into library calls using
// github.com/vishvananda/netlink, the host-network configuration
// library already present in the example pack's dependency graph.
func Configure(t *Tap, cidr, bridgeName string) error {
	link, err := netlink.LinkByName(t.Name())
	if err != nil {
		return fmt.Errorf("netdev: look up link %q: %w", t.Name(), err)
	}

	if bridgeName != "" {
		br, err := netlink.LinkByName(bridgeName)
		if err != nil {
			return fmt.Errorf("netdev: look up bridge %q: %w", bridgeName, err)
		}

		if err := netlink.LinkSetMaster(link, br.(*netlink.Bridge)); err != nil {
			return fmt.Errorf("netdev: enslave %q to %q: %w", t.Name(), bridgeName, err)
		}
	}

	if cidr != "" {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return fmt.Errorf("netdev: parse address %q: %w", cidr, err)
		}

		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("netdev: assign address %q to %q: %w", cidr, t.Name(), err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netdev: bring up %q: %w", t.Name(), err)
	}

	return nil
}

// HardwareAddr returns the TAP interface's MAC address, the value a
// virtio-net device advertises in its configuration space.
func HardwareAddr(t *Tap) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(t.Name())
	if err != nil {
		return nil, fmt.Errorf("netdev: look up link %q: %w", t.Name(), err)
	}

	return link.Attrs().HardwareAddr, nil
}
