package netrepeater

import (
	"crypto/tls"
	"fmt"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ProtoPort binds one inbound port to one upstream port over a protocol.
// Proto "tcp" forwards bytes unchanged; "tls" wraps the upstream stream in
// a client TLS session. A LocalPort of 0 requests an ephemeral port.
type ProtoPort struct {
	Proto      string
	LocalPort  uint16
	RemotePort uint16
}

func (p ProtoPort) String() string {
	return fmt.Sprintf("%s:%d->%d", p.Proto, p.LocalPort, p.RemotePort)
}

// ServerItemOptions contains options for building a server item.
type ServerItemOptions struct {
	Iface      string
	IfaceMode  IfaceMode
	ProtoPorts []ProtoPort
	Lookup     IPAddrLookup
	PreferIPv6 bool

	// Options applied to every forwarder of the item.
	Forwarder ForwarderOptions

	// Base TLS client config for "tls" ports. The server name defaults to
	// the remote host when unset.
	TLSClientConfig *tls.Config
}

// ServerItem owns one local IP allocation: it installs the address on the
// interface and runs one inbound listener per configured port, all of them
// forwarding to the remote host. Construction is all-or-nothing; a failure
// at any step undoes the earlier steps in reverse order.
type ServerItem struct {
	localAddr netip.Prefix
	host      string
	ipMgr     IPManager
	listeners []*RepeatListener

	termOnce sync.Once
}

var _ CacheItem = (*ServerItem)(nil)

// NewServerItem installs localAddr on the configured interface and starts
// the item's listeners. localAddr carries the allocated IP and the subnet's
// prefix length.
func NewServerItem(localAddr netip.Prefix, remoteHost string, opt ServerItemOptions) (*ServerItem, error) {
	ipMgr, err := NewIPManager(opt.IfaceMode, localAddr, opt.Iface)
	if err != nil {
		return nil, err
	}
	if err := ipMgr.AddIP(true); err != nil {
		return nil, errors.Wrapf(err, "failed to install %s on %s", localAddr, opt.Iface)
	}

	item := &ServerItem{
		localAddr: localAddr,
		host:      remoteHost,
		ipMgr:     ipMgr,
	}

	for _, pp := range opt.ProtoPorts {
		dialer, err := item.upstreamDialer(pp, opt)
		if err != nil {
			item.unwind()
			return nil, err
		}
		ln := NewRepeatListener(
			netip.AddrPortFrom(localAddr.Addr(), pp.LocalPort),
			NewForwarder(dialer, opt.Forwarder),
			RepeatListenerOptions{},
		)
		if err := ln.Start(); err != nil {
			item.unwind()
			return nil, errors.Wrapf(err, "failed to start service %s for %s", pp, remoteHost)
		}
		item.listeners = append(item.listeners, ln)
	}

	Log.WithFields(logrus.Fields{
		"host": remoteHost,
		"addr": localAddr.Addr(),
	}).Info("created repeater server")
	return item, nil
}

func (s *ServerItem) upstreamDialer(pp ProtoPort, opt ServerItemOptions) (Dialer, error) {
	var dialer Dialer = NewHostDialer(s.host, pp.RemotePort, opt.Lookup, opt.PreferIPv6)
	switch pp.Proto {
	case "tcp":
	case "tls":
		cfg := opt.TLSClientConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = s.host
		}
		dialer = NewTLSDialer(dialer, cfg)
	default:
		return nil, fmt.Errorf("unknown protocol: %q", pp.Proto)
	}
	return dialer, nil
}

// unwind reverts a partially built item: listeners stopped in reverse
// order, then the interface address removed.
func (s *ServerItem) unwind() {
	for i := len(s.listeners) - 1; i >= 0; i-- {
		s.listeners[i].Stop()
	}
	s.listeners = nil
	if err := s.ipMgr.RemoveIP(true); err != nil {
		Log.WithError(err).Error("failed to remove interface address")
	}
}

// Keys returns the cache keys of the item: the remote hostname and the
// allocated local IP.
func (s *ServerItem) Keys() []string {
	return []string{s.host, s.localAddr.Addr().String()}
}

// IP returns the allocated local address.
func (s *ServerItem) IP() netip.Addr {
	return s.localAddr.Addr()
}

// Port returns the bound port of the i-th service.
func (s *ServerItem) Port(i int) int {
	return s.listeners[i].Port()
}

// Terminate stops every service and removes the interface address.
// Idempotent.
func (s *ServerItem) Terminate() {
	s.termOnce.Do(func() {
		Log.WithFields(logrus.Fields{
			"host": s.host,
			"addr": s.localAddr.Addr(),
		}).Info("terminating repeater server")
		s.unwind()
	})
}
