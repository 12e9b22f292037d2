package config

import (
	"net"
	"strings"
)

// cgnatBlock is the shared address space used by carrier-grade NAT, Tailscale
// and Cloudflare WARP (100.64.0.0/10).
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// tunnelNameHints are interface name fragments of VPN and virtual adapters.
var tunnelNameHints = []string{"tun", "tap", "wg", "ppp", "warp"}

// netInterface is the subset of an interface the relay heuristic looks at.
type netInterface struct {
	Name  string
	Flags net.Flags
	IPs   []net.IP
}

// UseRelay reports whether ICE should be limited to TURN candidates: either
// relay was forced or the host looks like it sits behind a VPN or CGNAT where
// direct paths rarely work. A TURN server is required in both cases.
func (c *Config) UseRelay() bool {
	if c.GetTURNServers() == nil {
		return false
	}
	return c.ForceRelay || behindRestrictiveNetwork(localInterfaces())
}

func localInterfaces() []netInterface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	out := make([]netInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := netInterface{Name: iface.Name, Flags: iface.Flags}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					ni.IPs = append(ni.IPs, v.IP)
				case *net.IPAddr:
					ni.IPs = append(ni.IPs, v.IP)
				}
			}
		}
		out = append(out, ni)
	}
	return out
}

func behindRestrictiveNetwork(ifaces []netInterface) bool {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, hint := range tunnelNameHints {
			if strings.Contains(name, hint) {
				return true
			}
		}

		for _, ip := range iface.IPs {
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}
