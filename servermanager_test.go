package netrepeater

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testHosts() *StaticHosts {
	h := NewStaticHosts()
	h.AddAddr("localhostV6", netip.MustParseAddr("::1"))
	h.AddAddr("localhostV4", netip.MustParseAddr("127.0.0.1"))
	h.AddCNAME("localhostCNameV6", "localhostV6.")
	h.AddName("noAddrRec")
	return h
}

func sendAndCheck(t *testing.T, addr netip.Addr, port int, upstream *mockUpstream) {
	t.Helper()
	conn, err := net.Dial("tcp", netip.AddrPortFrom(addr, uint16(port)).String())
	require.NoError(t, err)
	defer conn.Close()

	testData := []byte("Hello, World!")
	_, err = conn.Write(testData)
	require.NoError(t, err)
	waitReceived(t, upstream, testData)
	upstream.Reset()
}

func TestServerItem(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)

	item, err := NewServerItem(
		netip.MustParsePrefix("::1/128"),
		"localhostV6",
		ServerItemOptions{
			Iface:      "test_lo",
			IfaceMode:  IfaceModeLinuxDryRun,
			ProtoPorts: []ProtoPort{{Proto: "tcp", LocalPort: 0, RemotePort: upstream.Port()}},
			Lookup:     testHosts(),
		},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"localhostV6", "::1"}, item.Keys())
	require.Len(t, DryRunInterfaceAddrs("test_lo"), 1)

	sendAndCheck(t, item.IP(), item.Port(0), upstream)

	item.Terminate()
	require.Empty(t, DryRunInterfaceAddrs("test_lo"))

	// Terminating twice is equivalent to terminating once.
	item.Terminate()
	require.Empty(t, DryRunInterfaceAddrs("test_lo"))
}

func newTestManager(t *testing.T, localNet string, remotePort uint16) *ServerManager {
	t.Helper()
	mgr, err := NewServerManager(ServerManagerOptions{
		LocalNet:   netip.MustParsePrefix(localNet),
		Iface:      "test_" + t.Name(),
		IfaceMode:  IfaceModeLinuxDryRun,
		ProtoPorts: []ProtoPort{{Proto: "tcp", LocalPort: 0, RemotePort: remotePort}},
		Lookup:     testHosts(),
		ServerTTL:  TTL{10, "s"},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Terminate)
	return mgr
}

func TestServerManager(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)
	mgr := newTestManager(t, "::1/128", upstream.Port())

	ip, err := mgr.LookupOrCreateServer("localhostV6")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("::1"), ip)
	require.Equal(t, 1, mgr.Len())

	mgr.mu.Lock()
	item := mgr.cache.Get("localhostV6").(*ServerItem)
	mgr.mu.Unlock()
	sendAndCheck(t, ip, item.Port(0), upstream)

	// A second lookup within the TTL hits the same server; nothing new is
	// created.
	ip2, err := mgr.LookupOrCreateServer("localhostV6")
	require.NoError(t, err)
	require.Equal(t, ip, ip2)
	require.Equal(t, 1, mgr.Len())

	// The server is also reachable under its allocated address.
	mgr.mu.Lock()
	require.Equal(t, item, mgr.cache.Get(ip.String()))
	mgr.mu.Unlock()
}

func TestServerManagerCName(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)
	mgr := newTestManager(t, "::1/128", upstream.Port())

	ip, err := mgr.LookupOrCreateServer("localhostCNameV6")
	require.NoError(t, err)

	mgr.mu.Lock()
	item := mgr.cache.Get("localhostCNameV6").(*ServerItem)
	mgr.mu.Unlock()
	sendAndCheck(t, ip, item.Port(0), upstream)
}

func TestServerManagerInvalidDomain(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)
	mgr := newTestManager(t, "::1/128", upstream.Port())

	// Neither error leaves anything behind in the cache.
	_, err := mgr.LookupOrCreateServer("invalidDomain")
	require.ErrorIs(t, err, ErrNameNotFound)
	require.Equal(t, 0, mgr.Len())

	_, err = mgr.LookupOrCreateServer("noAddrRec")
	require.ErrorIs(t, err, ErrZeroAnswer)
	require.Equal(t, 0, mgr.Len())
}

func TestServerManagerDistinctIPs(t *testing.T) {
	hosts := testHosts()
	hosts.AddAddr("h1.example.com", netip.MustParseAddr("127.0.0.1"))
	hosts.AddAddr("h2.example.com", netip.MustParseAddr("127.0.0.1"))

	upstream := newMockUpstream(t, "127.0.0.1", false)
	iface := "test_distinct0"
	mgr, err := NewServerManager(ServerManagerOptions{
		LocalNet:   netip.MustParsePrefix("127.0.0.0/8"),
		Iface:      iface,
		IfaceMode:  IfaceModeLinuxDryRun,
		ProtoPorts: []ProtoPort{{Proto: "tcp", LocalPort: 0, RemotePort: upstream.Port()}},
		Lookup:     hosts,
		ServerTTL:  TTL{10, "s"},
	})
	require.NoError(t, err)

	ip1, err := mgr.LookupOrCreateServer("h1.example.com")
	require.NoError(t, err)
	ip2, err := mgr.LookupOrCreateServer("h2.example.com")
	require.NoError(t, err)

	// Distinct hostnames get distinct in-subnet addresses.
	require.NotEqual(t, ip1, ip2)
	require.True(t, netip.MustParsePrefix("127.0.0.0/8").Contains(ip1))
	require.True(t, netip.MustParsePrefix("127.0.0.0/8").Contains(ip2))
	require.Len(t, DryRunInterfaceAddrs(iface), 2)

	// Terminate removes every address added during the session and leaves
	// the cache empty.
	mgr.Terminate()
	require.Empty(t, DryRunInterfaceAddrs(iface))
	require.Equal(t, 0, mgr.Len())

	// Terminating twice is fine.
	mgr.Terminate()
}

func TestServerManagerExhaustedIPSpace(t *testing.T) {
	hosts := testHosts()
	hosts.AddCNAME("otherHostV6", "localhostV6")

	upstream := newMockUpstream(t, "::1", false)
	mgr, err := NewServerManager(ServerManagerOptions{
		LocalNet:   netip.MustParsePrefix("::1/128"),
		Iface:      "test_exhausted0",
		IfaceMode:  IfaceModeLinuxDryRun,
		ProtoPorts: []ProtoPort{{Proto: "tcp", LocalPort: 0, RemotePort: upstream.Port()}},
		Lookup:     hosts,
		ServerTTL:  TTL{10, "s"},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Terminate)

	// The /128 has exactly one allocatable address.
	_, err = mgr.LookupOrCreateServer("localhostV6")
	require.NoError(t, err)
	_, err = mgr.LookupOrCreateServer("otherHostV6")
	require.ErrorIs(t, err, ErrExhaustedIPSpace)
	require.Equal(t, 1, mgr.Len())
}

func TestServerManagerResolve(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)
	mgr := newTestManager(t, "::1/128", upstream.Port())

	// A query of the matching type returns the allocated address with the
	// short answer TTL.
	q := new(dns.Msg)
	q.SetQuestion("localhostV6.", dns.TypeAAAA)
	a, err := mgr.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, a.Rcode)
	require.Len(t, a.Answer, 1)
	aaaa := a.Answer[0].(*dns.AAAA)
	require.Equal(t, net.IP(netip.MustParseAddr("::1").AsSlice()), aaaa.AAAA)
	require.Equal(t, uint32(60), aaaa.Hdr.Ttl)
	require.Equal(t, 1, mgr.Len())
}

func TestServerManagerResolveUnsupported(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)
	mgr := newTestManager(t, "::1/128", upstream.Port())

	// Record type of the wrong family on a v6 subnet.
	q := new(dns.Msg)
	q.SetQuestion("localhostV6.", dns.TypeA)
	a, err := mgr.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, a.Rcode)
	require.Equal(t, 0, mgr.Len())

	// Class other than IN.
	q = new(dns.Msg)
	q.SetQuestion("localhostV6.", dns.TypeAAAA)
	q.Question[0].Qclass = dns.ClassCHAOS
	a, err = mgr.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, a.Rcode)
	require.Equal(t, 0, mgr.Len())

	// Unresolvable name.
	q = new(dns.Msg)
	q.SetQuestion("invalidDomain.", dns.TypeAAAA)
	a, err = mgr.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, a.Rcode)
	require.Equal(t, 0, mgr.Len())
}

func TestServerManagerSlidingTTL(t *testing.T) {
	upstream := newMockUpstream(t, "::1", false)
	iface := "test_sliding0"
	mgr, err := NewServerManager(ServerManagerOptions{
		LocalNet:   netip.MustParsePrefix("::1/128"),
		Iface:      iface,
		IfaceMode:  IfaceModeLinuxDryRun,
		ProtoPorts: []ProtoPort{{Proto: "tcp", LocalPort: 0, RemotePort: upstream.Port()}},
		Lookup:     testHosts(),
		ServerTTL:  TTL{1, "s"},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Terminate)

	_, err = mgr.LookupOrCreateServer("localhostV6")
	require.NoError(t, err)

	// Lookups keep the server alive past its TTL.
	for i := 0; i < 4; i++ {
		time.Sleep(500 * time.Millisecond)
		_, err = mgr.LookupOrCreateServer("localhostV6")
		require.NoError(t, err)
		require.Equal(t, 1, mgr.Len())
	}

	// Idle, the server expires and its address is removed.
	require.Eventually(t, func() bool {
		return mgr.Len() == 0
	}, 5*time.Second, 100*time.Millisecond)
	require.Empty(t, DryRunInterfaceAddrs(iface))
}
