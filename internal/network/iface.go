// Package network discovers the LAN topology the interceptor operates
// on and owns the nftables rules that steer intercepted traffic into
// the proxy.
package network

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

// Info describes the interface the interceptor binds to and the
// gateway it impersonates.
type Info struct {
	Iface     *net.Interface
	IP        net.IP     // our address on the LAN
	Network   *net.IPNet // the LAN subnet
	GatewayIP net.IP
}

// Discover resolves the named interface, its IPv4 address, and the
// default gateway reachable through it. An empty gatewayOverride means
// read the gateway from the routing table.
func Discover(ifaceName, gatewayOverride string) (*Info, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", ifaceName, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to read addresses of %s: %w", ifaceName, err)
	}

	var ip net.IP
	var network *net.IPNet
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ip = v4
			network = &net.IPNet{IP: ipNet.IP.Mask(ipNet.Mask), Mask: ipNet.Mask}
			break
		}
	}
	if ip == nil {
		return nil, fmt.Errorf("interface %s has no IPv4 address", ifaceName)
	}

	info := &Info{Iface: iface, IP: ip, Network: network}

	if gatewayOverride != "" {
		gw := net.ParseIP(gatewayOverride)
		if gw == nil {
			return nil, fmt.Errorf("invalid gateway address %q", gatewayOverride)
		}
		info.GatewayIP = gw.To4()
		return info, nil
	}

	gw, err := defaultGateway(iface.Index)
	if err != nil {
		return nil, err
	}
	info.GatewayIP = gw
	return info, nil
}

// defaultGateway reads the default route for the interface from the
// kernel routing table.
func defaultGateway(linkIndex int) (net.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil || r.Gw == nil {
			continue
		}
		if r.LinkIndex == linkIndex {
			return r.Gw.To4(), nil
		}
	}
	// Fall back to any default route if none is bound to our link.
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			return r.Gw.To4(), nil
		}
	}
	return nil, fmt.Errorf("no default gateway found")
}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// EnableIPForwarding turns on kernel forwarding so traffic from
// impersonated devices still reaches the real gateway. Returns a
// restore function that puts the previous value back.
func EnableIPForwarding() (func() error, error) {
	prev, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ip_forward: %w", err)
	}

	if strings.TrimSpace(string(prev)) == "1" {
		return func() error { return nil }, nil
	}

	if err := os.WriteFile(ipForwardPath, []byte("1\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to enable ip forwarding: %w", err)
	}
	return func() error {
		return os.WriteFile(ipForwardPath, prev, 0644)
	}, nil
}
