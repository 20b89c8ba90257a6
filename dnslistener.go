package netrepeater

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNSListener is a standard DNS listener for UDP or TCP, feeding every
// received question to a resolver.
type DNSListener struct {
	*dns.Server
	id string
}

var _ Listener = (*DNSListener)(nil)

// NewDNSListener returns an instance of either a UDP or TCP DNS listener.
func NewDNSListener(id, addr, network string, resolver Resolver) *DNSListener {
	return &DNSListener{
		id: id,
		Server: &dns.Server{
			Addr:    addr,
			Net:     network,
			Handler: listenHandler(id, network, resolver),
		},
	}
}

// Start the DNS listener. Returns once the server is accepting queries.
func (s *DNSListener) Start() error {
	Log.WithFields(logrus.Fields{
		"id":       s.id,
		"protocol": s.Net,
		"addr":     s.Addr,
	}).Info("starting listener")

	started := make(chan struct{})
	s.NotifyStartedFunc = func() { close(started) }

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	select {
	case <-started:
		return nil
	case err := <-errCh:
		return fmt.Errorf("%w: %s: %s", ErrBindFailed, s.Addr, err)
	}
}

// Stop the DNS listener.
func (s *DNSListener) Stop() error {
	Log.WithFields(logrus.Fields{
		"id":       s.id,
		"protocol": s.Net,
		"addr":     s.Addr,
	}).Info("stopping listener")
	return s.Shutdown()
}

func (s *DNSListener) String() string {
	return fmt.Sprintf("DNS(%s)", s.Addr)
}

// DNS handler to forward all incoming requests to a given resolver.
func listenHandler(id, protocol string, r Resolver) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		ci := ClientInfo{Listener: id}
		switch addr := w.RemoteAddr().(type) {
		case *net.TCPAddr:
			ci.SourceIP = addr.IP
		case *net.UDPAddr:
			ci.SourceIP = addr.IP
		}

		log := Log.WithFields(logrus.Fields{
			"id":       id,
			"client":   ci.SourceIP,
			"qname":    qName(req),
			"protocol": protocol,
		})
		log.Debug("received query")

		a, err := r.Resolve(req, ci)
		if err != nil {
			log.WithError(err).Error("failed to resolve")
			a = servfail(req)
		}
		// A nil response from the resolver means "drop".
		if a == nil {
			w.Close()
			return
		}

		// Check the response fits if the query came in over UDP,
		// otherwise respond with the TC flag.
		if protocol == "udp" {
			maxSize := dns.MinMsgSize
			if edns0 := req.IsEdns0(); edns0 != nil {
				maxSize = int(edns0.UDPSize())
			}
			a.Truncate(maxSize)
		}
		_ = w.WriteMsg(a)
	}
}
