package netrepeater

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// IPAddrLookup resolves a domain name to one address. The preferred address
// family is tried first, the other one serves as fallback. Returns
// ErrNameNotFound when the domain does not exist and ErrZeroAnswer when it
// exists without address records.
type IPAddrLookup interface {
	LookupIPAddr(domain string, preferIPv6 bool) (netip.Addr, error)
}

// DNSLookup resolves names by querying an upstream DNS server.
type DNSLookup struct {
	client   *dns.Client
	endpoint string
}

var _ IPAddrLookup = (*DNSLookup)(nil)

// NewDNSLookup returns a lookup that queries the resolver at endpoint
// (host:port) over the given network, "udp" or "tcp".
func NewDNSLookup(endpoint, network string) *DNSLookup {
	if network == "" {
		network = "udp"
	}
	return &DNSLookup{
		client:   &dns.Client{Net: network, Timeout: 5 * time.Second},
		endpoint: endpoint,
	}
}

func (l *DNSLookup) LookupIPAddr(domain string, preferIPv6 bool) (netip.Addr, error) {
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	if preferIPv6 {
		qtypes = []uint16{dns.TypeAAAA, dns.TypeA}
	}

	for _, qtype := range qtypes {
		q := new(dns.Msg)
		q.SetQuestion(dns.Fqdn(domain), qtype)
		a, _, err := l.client.Exchange(q, l.endpoint)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("failed to query %s for %s: %w", l.endpoint, domain, err)
		}
		if a.Rcode == dns.RcodeNameError {
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrNameNotFound, domain)
		}
		for _, rr := range a.Answer {
			switch r := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(r.A.To4()); ok {
					return ip, nil
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(r.AAAA.To16()); ok {
					return ip, nil
				}
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrZeroAnswer, domain)
}

func (l *DNSLookup) String() string {
	return fmt.Sprintf("DNSLookup(%s)", l.endpoint)
}

// StaticHosts is an in-memory hosts table implementing IPAddrLookup.
// Besides address records it supports CNAME aliases and names that exist
// with non-address records only, which resolve to ErrZeroAnswer.
type StaticHosts struct {
	mu     sync.RWMutex
	addrs  map[string][]netip.Addr
	cnames map[string]string
	known  map[string]struct{}
}

var _ IPAddrLookup = (*StaticHosts)(nil)

func NewStaticHosts() *StaticHosts {
	return &StaticHosts{
		addrs:  make(map[string][]netip.Addr),
		cnames: make(map[string]string),
		known:  make(map[string]struct{}),
	}
}

// AddAddr registers an address record for a name.
func (h *StaticHosts) AddAddr(name string, addr netip.Addr) {
	name = strings.TrimSuffix(name, ".")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addrs[name] = append(h.addrs[name], addr)
	h.known[name] = struct{}{}
}

// AddCNAME registers an alias pointing at another name.
func (h *StaticHosts) AddCNAME(alias, target string) {
	alias = strings.TrimSuffix(alias, ".")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cnames[alias] = strings.TrimSuffix(target, ".")
	h.known[alias] = struct{}{}
}

// AddName registers a name that exists without address records, e.g. one
// that only carries TXT data.
func (h *StaticHosts) AddName(name string) {
	name = strings.TrimSuffix(name, ".")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.known[name] = struct{}{}
}

const maxCNAMEDepth = 10

func (h *StaticHosts) LookupIPAddr(domain string, preferIPv6 bool) (netip.Addr, error) {
	domain = strings.TrimSuffix(domain, ".")
	h.mu.RLock()
	defer h.mu.RUnlock()

	name := domain
	for i := 0; i < maxCNAMEDepth; i++ {
		if target, ok := h.cnames[name]; ok {
			name = target
			continue
		}
		break
	}

	if _, ok := h.known[name]; !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNameNotFound, domain)
	}

	addrs := h.addrs[name]
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrZeroAnswer, domain)
	}
	for _, a := range addrs {
		if a.Is6() == preferIPv6 {
			return a, nil
		}
	}
	Log.WithFields(logrus.Fields{
		"domain": domain,
		"addr":   addrs[0],
	}).Debug("no address in preferred family, falling back")
	return addrs[0], nil
}

func (h *StaticHosts) String() string {
	return "StaticHosts()"
}
