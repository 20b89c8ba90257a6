package netrepeater

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Dialer opens a fresh bidirectional byte stream to an upstream endpoint.
// Forwarders dial once per accepted connection.
type Dialer interface {
	Dial() (net.Conn, error)
	fmt.Stringer
}

const dialTimeout = 5 * time.Second

// dialTCP opens a TCP connection with Nagle's algorithm disabled.
func dialTCP(addr netip.AddrPort) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// StaticDialer connects to a fixed address.
type StaticDialer struct {
	addr netip.AddrPort
}

var _ Dialer = (*StaticDialer)(nil)

func NewStaticDialer(addr netip.AddrPort) *StaticDialer {
	return &StaticDialer{addr: addr}
}

func (d *StaticDialer) Dial() (net.Conn, error) {
	return dialTCP(d.addr)
}

func (d *StaticDialer) String() string {
	return fmt.Sprintf("TCP(%s)", d.addr)
}

// HostDialer connects to a named host, resolving its current address on
// every dial. DNS may change between connections; re-resolving keeps the
// forwarded traffic pointed at the live upstream.
type HostDialer struct {
	host       string
	port       uint16
	lookup     IPAddrLookup
	preferIPv6 bool
}

var _ Dialer = (*HostDialer)(nil)

func NewHostDialer(host string, port uint16, lookup IPAddrLookup, preferIPv6 bool) *HostDialer {
	return &HostDialer{
		host:       host,
		port:       port,
		lookup:     lookup,
		preferIPv6: preferIPv6,
	}
}

func (d *HostDialer) Dial() (net.Conn, error) {
	ip, err := d.lookup.LookupIPAddr(d.host, d.preferIPv6)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", d.host, err)
	}
	return dialTCP(netip.AddrPortFrom(ip, d.port))
}

func (d *HostDialer) String() string {
	return fmt.Sprintf("TCP(%s:%d)", d.host, d.port)
}

// TLSDialer wraps the stream obtained from another dialer in a client-side
// TLS session.
type TLSDialer struct {
	next Dialer
	cfg  *tls.Config
}

var _ Dialer = (*TLSDialer)(nil)

// NewTLSDialer returns a dialer that establishes a TLS session over every
// connection opened by next. The config must carry the server name used
// for SNI and certificate verification.
func NewTLSDialer(next Dialer, cfg *tls.Config) *TLSDialer {
	return &TLSDialer{next: next, cfg: cfg}
}

func (d *TLSDialer) Dial() (net.Conn, error) {
	raw, err := d.next.Dial()
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, d.cfg)
	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %s", ErrTLSHandshakeFailed, err)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *TLSDialer) String() string {
	return fmt.Sprintf("TLS(%s)", d.next)
}
