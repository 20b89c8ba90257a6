//go:build !linux

package netrepeater

import (
	"fmt"
	"net/netip"
	"runtime"
)

func newNetlinkIPManager(addr netip.Prefix, iface string) (IPManager, error) {
	return nil, fmt.Errorf("%w: live interface management requires linux, running on %s",
		ErrUnsupportedPlatform, runtime.GOOS)
}
