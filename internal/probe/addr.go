//go:build linux

package probe

import (
	"fmt"
	"net"
)

// ResolveDeviceIPv4 returns the first IPv4 address currently configured on
// device, the SIOCGIFADDR-equivalent lookup used when a connection gives a
// device but no explicit source address.
func ResolveDeviceIPv4(device string) (net.IP, error) {
	ifi, err := net.InterfaceByName(device)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("no IPv4 address on %s", device)
}

// ResolveDeviceIPv6 returns a usable IPv6 source address on device,
// preferring a global unicast address over a link-local one so replies are
// not constrained to the local link unless that is all the device has.
func ResolveDeviceIPv6(device string) (net.IP, error) {
	ifi, err := net.InterfaceByName(device)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	var linkLocal net.IP
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() != nil {
			continue
		}
		if ipn.IP.IsLinkLocalUnicast() {
			if linkLocal == nil {
				linkLocal = ipn.IP
			}
			continue
		}
		return ipn.IP, nil
	}
	if linkLocal != nil {
		return linkLocal, nil
	}
	return nil, fmt.Errorf("no IPv6 address on %s", device)
}

// SourceCache remembers the last successfully resolved source address for a
// device so a socket does not re-walk interface addresses on every send.
// Per the daemon's source-address handling, a resolution error is never
// cached: the next call retries from scratch rather than latching onto a
// stale failure, since the usual cause (interface flapping, DHCP renewal)
// is transient.
type SourceCache struct {
	addr net.IP
}

// Resolve returns the cached address if present, otherwise calls resolve
// and caches a successful result.
func (c *SourceCache) Resolve(resolve func() (net.IP, error)) (net.IP, error) {
	if c.addr != nil {
		return c.addr, nil
	}
	addr, err := resolve()
	if err != nil {
		return nil, err
	}
	c.addr = addr
	return addr, nil
}

// Invalidate clears the cached address, forcing the next Resolve to re-probe.
func (c *SourceCache) Invalidate() {
	c.addr = nil
}
