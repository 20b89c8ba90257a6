//go:build linux

package netrepeater

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// netlinkIPManager manages one address on a kernel interface through
// netlink, the native form of "ip addr add/del <addr>/<plen> dev <iface>".
type netlinkIPManager struct {
	addr  netip.Prefix
	iface string
	log   *logrus.Entry
}

var _ IPManager = (*netlinkIPManager)(nil)

func newNetlinkIPManager(addr netip.Prefix, iface string) (IPManager, error) {
	return &netlinkIPManager{
		addr:  addr,
		iface: iface,
		log: Log.WithFields(logrus.Fields{
			"addr":  addr.String(),
			"iface": iface,
			"mode":  IfaceModeLinux,
		}),
	}, nil
}

func (m *netlinkIPManager) nlAddr() *netlink.Addr {
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   m.addr.Addr().AsSlice(),
			Mask: net.CIDRMask(m.addr.Bits(), m.addr.Addr().BitLen()),
		},
	}
}

func (m *netlinkIPManager) HasIP() (bool, error) {
	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		return false, errors.Wrapf(err, "failed to find interface %s", m.iface)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return false, errors.Wrapf(err, "failed to list addresses on %s", m.iface)
	}
	want := m.addr.Addr().AsSlice()
	for _, a := range addrs {
		if net.IP(want).Equal(a.IP) {
			return true, nil
		}
	}
	return false, nil
}

func (m *netlinkIPManager) AddIP(waitConfirm bool) error {
	m.log.Info("adding address to interface")
	ok, err := m.HasIP()
	if err != nil {
		return errors.Wrap(ErrInterfaceOpFailed, err.Error())
	}
	if ok {
		m.log.Warn("address already exists on interface")
		return nil
	}

	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		return errors.Wrap(ErrInterfaceOpFailed, err.Error())
	}
	if err := netlink.AddrAdd(link, m.nlAddr()); err != nil {
		return errors.Wrap(ErrInterfaceOpFailed, err.Error())
	}

	if waitConfirm {
		if err := waitFor(m.HasIP, ifaceConfirmTimeout, ifacePresencePoll); err != nil {
			return err
		}
		return waitBindable(m.addr.Addr())
	}
	return nil
}

func (m *netlinkIPManager) RemoveIP(waitConfirm bool) error {
	m.log.Info("removing address from interface")
	ok, err := m.HasIP()
	if err != nil {
		return errors.Wrap(ErrInterfaceOpFailed, err.Error())
	}
	if !ok {
		m.log.Warn("address does not exist on interface")
		return nil
	}

	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		return errors.Wrap(ErrInterfaceOpFailed, err.Error())
	}
	if err := netlink.AddrDel(link, m.nlAddr()); err != nil {
		return errors.Wrap(ErrInterfaceOpFailed, err.Error())
	}

	if waitConfirm {
		return waitFor(func() (bool, error) {
			ok, err := m.HasIP()
			return !ok, err
		}, ifaceConfirmTimeout, ifacePresencePoll)
	}
	return nil
}
