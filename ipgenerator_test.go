package netrepeater

import (
	"math/big"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateFromInt(t *testing.T) {
	tests := []struct {
		subnet string
		seed   string // hex
		want   string
	}{
		{"192.168.1.0/24", "1000000001", "192.168.1.1"},
		{"192.168.1.0/24", "1FFFFFFFFF", "192.168.1.255"},
		{"192.168.1.0/24", "AAAAAAA", "192.168.1.170"},
		{"192.168.1.0/24", "5555555", "192.168.1.85"},
		{"192.168.0.0/16", "1000000001", "192.168.0.1"},
		{"192.168.0.0/16", "1FFFFFFFFF", "192.168.255.255"},
		{"192.168.0.0/16", "AAAAAAA", "192.168.170.170"},
		{"192.168.0.0/16", "5555555", "192.168.85.85"},
		{"fe80::/112", "1000000001", "fe80::1"},
		{"fe80::/112", "1FFFFFFFFF", "fe80::ffff"},
		{"fe80::/112", "AAAAAAAAAA", "fe80::aaaa"},
		{"fe80::/112", "5555555555", "fe80::5555"},
		{"fe80::/96", "1000000001", "fe80::1"},
		{"fe80::/96", "1FFFFFFFFF", "fe80::ffff:ffff"},
		{"fe80::/96", "AAAAAAAAAA", "fe80::aaaa:aaaa"},
		{"fe80::/96", "5555555555", "fe80::5555:5555"},
	}
	for _, tc := range tests {
		g := NewRandIPGenerator(netip.MustParsePrefix(tc.subnet))
		seed, ok := new(big.Int).SetString(tc.seed, 16)
		require.True(t, ok)
		addr, err := g.generateFromInt(seed)
		require.NoError(t, err)
		require.Equal(t, netip.MustParseAddr(tc.want), addr, "subnet %s seed %s", tc.subnet, tc.seed)
	}
}

func TestGenerateFromSmallInt(t *testing.T) {
	for _, subnet := range []string{"192.168.1.0/24", "192.168.0.0/16", "fe80::/112", "fe80::/96"} {
		g := NewRandIPGenerator(netip.MustParsePrefix(subnet))
		_, err := g.generateFromInt(big.NewInt(0x01))
		require.ErrorIs(t, err, ErrInsufficientEntropy, "subnet %s", subnet)
	}
}

func TestGenerateByName(t *testing.T) {
	g := NewRandIPGenerator(netip.MustParsePrefix("fe80::/64"))

	var taken []netip.Addr
	isTaken := func(a netip.Addr) bool {
		for _, s := range taken {
			if s == a {
				return true
			}
		}
		return false
	}

	want := []string{
		"fe80::d15d:6c15:b0f0:a08",
		"fe80::8527:d1bf:f591:b7a7",
		"fe80::9455:c9f2:5234:10e6",
	}
	for _, w := range want {
		addr, err := g.GenerateByName("test", isTaken, 3)
		require.NoError(t, err)
		require.Equal(t, netip.MustParseAddr(w), addr)
		taken = append(taken, addr)
	}

	_, err := g.GenerateByName("test", isTaken, 3)
	require.ErrorIs(t, err, ErrExhaustedIPSpace)
}

func TestGenerateDeterministic(t *testing.T) {
	g := NewRandIPGenerator(netip.MustParsePrefix("10.11.0.0/16"))

	a1, err := g.GenerateByName("some-host.example.com", nil, 0)
	require.NoError(t, err)
	a2, err := g.GenerateByName("some-host.example.com", nil, 0)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.True(t, netip.MustParsePrefix("10.11.0.0/16").Contains(a1))
}

func TestGenerateSingleAddressSubnet(t *testing.T) {
	g := NewRandIPGenerator(netip.MustParsePrefix("::1/128"))

	addr, err := g.GenerateByName("first", nil, 0)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("::1"), addr)

	// The only address is taken, any other name must fail.
	isTaken := func(a netip.Addr) bool { return a == addr }
	_, err = g.GenerateByName("second", isTaken, 0)
	require.ErrorIs(t, err, ErrExhaustedIPSpace)
}
