package netrepeater

import (
	"fmt"
	"net"

	syslog "github.com/RackSec/srslog"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Syslog wraps the repeater's DNS handler and reports via syslog which
// hostname was asked for and which local repeater address it was mapped to.
// Queries pass through unmodified.
type Syslog struct {
	id       string
	writer   *syslog.Writer
	resolver Resolver
	opt      SyslogOptions
}

var _ Resolver = (*Syslog)(nil)

type SyslogOptions struct {
	// "udp", "tcp", "unix". Empty connects to the local syslog server.
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag
	Tag string

	// Log queries and/or the allocations answered for them
	LogRequest  bool
	LogResponse bool
}

// NewSyslog returns a new instance of a Syslog query logger.
func NewSyslog(id string, resolver Resolver, opt SyslogOptions) *Syslog {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		// Log any error but don't block if this fails
		Log.WithError(err).Error("failed to initialize syslog")
	}
	return &Syslog{
		id:       id,
		writer:   writer,
		resolver: resolver,
		opt:      opt,
	}
}

// Resolve passes a DNS query through to the repeater's handler. The query
// and the local address allocated for it are sent via syslog.
func (r *Syslog) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	if r.opt.LogRequest {
		r.send(fmt.Sprintf("type=query listener=%s client=%s qtype=%s qname=%s",
			ci.Listener, ci.SourceIP, qType(q), qName(q)))
	}

	a, err := r.resolver.Resolve(q, ci)
	if err != nil || a == nil || !r.opt.LogResponse {
		return a, err
	}

	if a.Rcode != dns.RcodeSuccess {
		r.send(fmt.Sprintf("type=answer qname=%s rcode=%s", qName(q), dns.RcodeToString[a.Rcode]))
		return a, err
	}
	for _, rr := range a.Answer {
		var local net.IP
		switch rec := rr.(type) {
		case *dns.A:
			local = rec.A
		case *dns.AAAA:
			local = rec.AAAA
		default:
			continue
		}
		r.send(fmt.Sprintf("type=answer qname=%s repeater=%s ttl=%d",
			qName(q), local, rr.Header().Ttl))
	}
	return a, err
}

func (r *Syslog) send(msg string) {
	if r.writer == nil {
		return
	}
	if _, err := r.writer.Write([]byte(msg)); err != nil {
		Log.WithFields(logrus.Fields{"id": r.id}).WithError(err).Error("failed to send syslog")
	}
}

func (r *Syslog) String() string {
	return r.id
}
