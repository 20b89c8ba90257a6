package netrepeater

import (
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IfaceMode selects how interface addresses are managed.
type IfaceMode string

const (
	// IfaceModeLinux mutates the kernel through netlink.
	IfaceModeLinux IfaceMode = "linux"

	// IfaceModeLinuxDryRun records addresses in a process-local table
	// instead of touching the kernel. Used in tests.
	IfaceModeLinuxDryRun IfaceMode = "linux-dry-run"
)

const (
	ifaceConfirmTimeout = 5 * time.Second
	ifacePresencePoll   = 100 * time.Millisecond
	ifaceBindPoll       = 500 * time.Millisecond
)

// IPManager adds and removes one local address on a network interface.
// Both operations are idempotent: applying an address that is already
// present (or removing one that is absent) logs a warning and succeeds.
type IPManager interface {
	AddIP(waitConfirm bool) error
	RemoveIP(waitConfirm bool) error
	HasIP() (bool, error)
}

// NewIPManager returns an address manager for the given mode. The addr
// carries both the address to manage and the subnet prefix length it is
// announced with.
func NewIPManager(mode IfaceMode, addr netip.Prefix, iface string) (IPManager, error) {
	switch mode {
	case IfaceModeLinux:
		return newNetlinkIPManager(addr, iface)
	case IfaceModeLinuxDryRun:
		return newDryRunIPManager(addr, iface), nil
	}
	return nil, fmt.Errorf("unknown interface mode: %q", mode)
}

// DetectIfaceMode returns the live interface mode for the current platform.
func DetectIfaceMode() (IfaceMode, error) {
	if runtime.GOOS == "linux" {
		return IfaceModeLinux, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(cond func() (bool, error), timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: confirmation timed out after %s", ErrInterfaceOpFailed, timeout)
		}
		time.Sleep(interval)
	}
}

// waitBindable polls until a fresh socket can bind (addr, 0). Address
// assignment is asynchronous in the kernel; binding a listener before the
// address has propagated fails in confusing ways, so installation gates on
// bindability.
func waitBindable(addr netip.Addr) error {
	return waitFor(func() (bool, error) {
		ln, err := net.Listen("tcp", netip.AddrPortFrom(addr, 0).String())
		if err != nil {
			return false, nil
		}
		ln.Close()
		return true, nil
	}, ifaceConfirmTimeout, ifaceBindPoll)
}

// dryRunTable is the process-local address table shared by all dry-run
// managers, mirroring what the kernel would hold per interface.
var dryRunTable = struct {
	sync.Mutex
	addrs map[string][]netip.Addr
}{addrs: make(map[string][]netip.Addr)}

type dryRunIPManager struct {
	addr  netip.Prefix
	iface string
	log   *logrus.Entry
}

var _ IPManager = (*dryRunIPManager)(nil)

func newDryRunIPManager(addr netip.Prefix, iface string) *dryRunIPManager {
	return &dryRunIPManager{
		addr:  addr,
		iface: iface,
		log: Log.WithFields(logrus.Fields{
			"addr":  addr.String(),
			"iface": iface,
			"mode":  IfaceModeLinuxDryRun,
		}),
	}
}

func (m *dryRunIPManager) HasIP() (bool, error) {
	dryRunTable.Lock()
	defer dryRunTable.Unlock()
	for _, a := range dryRunTable.addrs[m.iface] {
		if a == m.addr.Addr() {
			return true, nil
		}
	}
	return false, nil
}

func (m *dryRunIPManager) AddIP(waitConfirm bool) error {
	m.log.Info("adding address to interface")
	if ok, _ := m.HasIP(); ok {
		m.log.Warn("address already exists on interface")
		return nil
	}
	dryRunTable.Lock()
	dryRunTable.addrs[m.iface] = append(dryRunTable.addrs[m.iface], m.addr.Addr())
	dryRunTable.Unlock()
	if waitConfirm {
		return waitFor(m.HasIP, ifaceConfirmTimeout, ifacePresencePoll)
	}
	return nil
}

func (m *dryRunIPManager) RemoveIP(waitConfirm bool) error {
	m.log.Info("removing address from interface")
	if ok, _ := m.HasIP(); !ok {
		m.log.Warn("address does not exist on interface")
		return nil
	}
	dryRunTable.Lock()
	addrs := dryRunTable.addrs[m.iface]
	for i, a := range addrs {
		if a == m.addr.Addr() {
			dryRunTable.addrs[m.iface] = append(addrs[:i], addrs[i+1:]...)
			break
		}
	}
	dryRunTable.Unlock()
	if waitConfirm {
		return waitFor(func() (bool, error) {
			ok, err := m.HasIP()
			return !ok, err
		}, ifaceConfirmTimeout, ifacePresencePoll)
	}
	return nil
}

// DryRunInterfaceAddrs returns the addresses recorded for an interface in
// dry-run mode. Intended for tests.
func DryRunInterfaceAddrs(iface string) []netip.Addr {
	dryRunTable.Lock()
	defer dryRunTable.Unlock()
	out := make([]netip.Addr, len(dryRunTable.addrs[iface]))
	copy(out, dryRunTable.addrs[iface])
	return out
}
