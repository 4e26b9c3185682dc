package netdev_test

import (
	"testing"

	"github.com/capvisor/vmm/netdev"
)

// NewTap requires CAP_NET_ADMIN and a /dev/net/tun device, neither of
// which this test environment grants; these cases only document the
// error path a caller without the capability hits, matching how the
// teacher's own tap package has no unit test at all (it's exercised
// only by the integration-level vmm.Boot path).
func TestNewTapFailsWithoutPermission(t *testing.T) {
	t.Parallel()

	_, err := netdev.NewTap("vmmtest0")
	if err == nil {
		t.Skip("running with CAP_NET_ADMIN; permission-denied path not exercised")
	}
}
