package netrepeater

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DefaultAnswerTTL is the TTL of DNS answers handed out by the manager.
// Kept short independently of the server TTL so clients re-ask often enough
// for the upstream address to stay fresh.
const DefaultAnswerTTL = 60

// ServerManagerOptions contains options for a server manager.
type ServerManagerOptions struct {
	// Subnet local addresses are drawn from.
	LocalNet netip.Prefix

	// Interface the allocated addresses are installed on, and how.
	Iface     string
	IfaceMode IfaceMode

	// Ports every repeater server listens on.
	ProtoPorts []ProtoPort

	// Upstream lookup used to validate hostnames and resolve them on
	// every dial.
	Lookup     IPAddrLookup
	PreferIPv6 bool

	// Lifetime of an idle repeater server. Sliding: every lookup hit
	// restarts the clock.
	ServerTTL TTL

	// TTL of DNS answers in seconds, default DefaultAnswerTTL.
	AnswerTTL uint32

	// Options applied to the forwarders of every repeater server.
	Forwarder ForwarderOptions

	// Base TLS client config for "tls" ports.
	TLSClientConfig *tls.Config
}

// ServerManager lazily provisions one repeater server per hostname: a DNS
// query for a new name allocates a local IP, installs it on the interface
// and binds forwarding listeners on it, all under one mutation lock. Every
// server is cached under both its hostname and its IP until its TTL runs
// out without hits.
type ServerManager struct {
	opt   ServerManagerOptions
	qtype uint16

	ipGen *RandIPGenerator

	mu    sync.Mutex
	cache *MultiKeyCache

	log *logrus.Entry
}

var _ Resolver = (*ServerManager)(nil)

// NewServerManager validates the options and returns a running manager.
func NewServerManager(opt ServerManagerOptions) (*ServerManager, error) {
	ttl, err := opt.ServerTTL.Duration()
	if err != nil {
		return nil, err
	}
	if opt.AnswerTTL == 0 {
		opt.AnswerTTL = DefaultAnswerTTL
	}
	if opt.IfaceMode == "" {
		mode, err := DetectIfaceMode()
		if err != nil {
			return nil, err
		}
		opt.IfaceMode = mode
	}

	qtype := uint16(dns.TypeA)
	if opt.LocalNet.Addr().Is6() {
		qtype = dns.TypeAAAA
	}

	m := &ServerManager{
		opt:   opt,
		qtype: qtype,
		ipGen: NewRandIPGenerator(opt.LocalNet),
		log: Log.WithFields(logrus.Fields{
			"subnet": opt.LocalNet.String(),
			"iface":  opt.Iface,
		}),
	}
	m.cache = NewMultiKeyCache(ttl, &m.mu)
	return m, nil
}

// LookupOrCreateServer returns the local address serving the hostname,
// provisioning a new repeater server on first sight of the name. The whole
// operation runs under the manager lock, including the slow interface and
// bind work, so no two allocations can ever interleave.
func (m *ServerManager) LookupOrCreateServer(hostname string) (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.lookupOrCreateLocked(hostname)
	if err != nil {
		return netip.Addr{}, err
	}
	return item.IP(), nil
}

func (m *ServerManager) lookupOrCreateLocked(hostname string) (*ServerItem, error) {
	if m.cache.Contains(hostname) {
		return m.cache.Get(hostname).(*ServerItem), nil
	}

	// Confirm the name resolves upstream before allocating anything.
	if _, err := m.opt.Lookup.LookupIPAddr(hostname, m.opt.PreferIPv6); err != nil {
		return nil, err
	}

	ip, err := m.ipGen.GenerateByName(hostname, func(a netip.Addr) bool {
		return m.cache.Contains(a.String())
	}, DefaultGenerateMaxRetries)
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"host": hostname,
		"addr": ip,
	}).Debug("creating a new server")

	item, err := NewServerItem(
		netip.PrefixFrom(ip, m.opt.LocalNet.Bits()),
		hostname,
		ServerItemOptions{
			Iface:           m.opt.Iface,
			IfaceMode:       m.opt.IfaceMode,
			ProtoPorts:      m.opt.ProtoPorts,
			Lookup:          m.opt.Lookup,
			PreferIPv6:      m.opt.PreferIPv6,
			Forwarder:       m.opt.Forwarder,
			TLSClientConfig: m.opt.TLSClientConfig,
		},
	)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Put(item); err != nil {
		item.Terminate()
		return nil, err
	}
	// The cache owns the item from here on.

	m.log.WithFields(logrus.Fields{
		"host": hostname,
		"addr": ip,
	}).Info("created a new server")
	return item, nil
}

// Resolve answers an address-record question with the local address
// allocated for the queried name. Questions of a class other than IN, or of
// a record type not matching the subnet family, are answered NXDOMAIN. A
// name the upstream can't resolve is answered NXDOMAIN too, without any
// server being created.
func (m *ServerManager) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	if len(q.Question) < 1 {
		return nil, fmt.Errorf("no question in query")
	}
	question := q.Question[0]
	log := m.log.WithFields(logrus.Fields{
		"client": ci.SourceIP,
		"qname":  question.Name,
	})

	if question.Qclass != dns.ClassINET {
		log.WithField("class", dns.Class(question.Qclass).String()).Debug("unsupported class")
		return nxdomain(q), nil
	}
	if question.Qtype != m.qtype {
		log.WithField("type", qType(q)).Debug("unsupported type")
		return nxdomain(q), nil
	}

	domain := strings.TrimSuffix(question.Name, ".")
	ip, err := m.LookupOrCreateServer(domain)
	if err != nil {
		if errors.Is(err, ErrNameNotFound) || errors.Is(err, ErrZeroAnswer) {
			log.WithError(err).Debug("upstream lookup failed")
			return nxdomain(q), nil
		}
		return nil, err
	}

	a := new(dns.Msg)
	a.SetReply(q)
	hdr := dns.RR_Header{
		Name:   question.Name,
		Rrtype: m.qtype,
		Class:  dns.ClassINET,
		Ttl:    m.opt.AnswerTTL,
	}
	if m.qtype == dns.TypeA {
		a.Answer = []dns.RR{&dns.A{Hdr: hdr, A: ip.AsSlice()}}
	} else {
		a.Answer = []dns.RR{&dns.AAAA{Hdr: hdr, AAAA: ip.AsSlice()}}
	}
	return a, nil
}

// Len returns the number of live repeater servers.
func (m *ServerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Terminate shuts down every repeater server, removing their interface
// addresses and stopping their listeners. Idempotent.
func (m *ServerManager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Terminate()
}

func (m *ServerManager) String() string {
	return fmt.Sprintf("ServerManager(%s)", m.opt.LocalNet)
}
