package netrepeater

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver is an interface to resolve DNS queries.
type Resolver interface {
	Resolve(*dns.Msg, ClientInfo) (*dns.Msg, error)
	fmt.Stringer
}

// ClientInfo carries information about the client sending a DNS query.
type ClientInfo struct {
	SourceIP net.IP

	// ID of the listener that received the query.
	Listener string
}
