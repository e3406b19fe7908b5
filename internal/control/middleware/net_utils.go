// SPDX-License-Identifier: MIT

package middleware

import (
	"fmt"
	"net"
)

// ParseCIDRs parses a list of CIDR strings (e.g. "10.0.0.1/32") into
// *net.IPNet values for use as a trusted-proxy allow-list.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy CIDR %q: %w", c, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// IsIPAllowed reports whether ip falls within any of nets.
func IsIPAllowed(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
