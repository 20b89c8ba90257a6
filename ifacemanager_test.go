package netrepeater

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDryRunAddRemove(t *testing.T) {
	iface := "dryrun_test0"
	require.Empty(t, DryRunInterfaceAddrs(iface))

	m, err := NewIPManager(IfaceModeLinuxDryRun, netip.MustParsePrefix("10.20.0.1/16"), iface)
	require.NoError(t, err)

	ok, err := m.HasIP()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.AddIP(true))
	ok, err = m.HasIP()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.20.0.1")}, DryRunInterfaceAddrs(iface))

	// Adding an address that is already present succeeds.
	require.NoError(t, m.AddIP(true))
	require.Len(t, DryRunInterfaceAddrs(iface), 1)

	// Add followed by remove restores the initial state.
	require.NoError(t, m.RemoveIP(true))
	ok, err = m.HasIP()
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, DryRunInterfaceAddrs(iface))

	// Removing an absent address succeeds.
	require.NoError(t, m.RemoveIP(true))
}

func TestDryRunSeparateInterfaces(t *testing.T) {
	m1, err := NewIPManager(IfaceModeLinuxDryRun, netip.MustParsePrefix("10.21.0.1/16"), "dryrun_test1")
	require.NoError(t, err)
	m2, err := NewIPManager(IfaceModeLinuxDryRun, netip.MustParsePrefix("10.21.0.1/16"), "dryrun_test2")
	require.NoError(t, err)

	require.NoError(t, m1.AddIP(true))
	ok, err := m2.HasIP()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, m1.RemoveIP(true))
}

func TestIPManagerUnknownMode(t *testing.T) {
	_, err := NewIPManager("windows", netip.MustParsePrefix("10.0.0.1/8"), "eth0")
	require.Error(t, err)
}
