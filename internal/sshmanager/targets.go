package sshmanager

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

// ParseAllowedTargets parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 (IPv4) or /128 (IPv6) networks. Empty input returns
// nil, which allows every target.
func ParseAllowedTargets(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// checkTarget resolves host and verifies every address it maps to lies in
// one of the allowed networks. An empty allow list permits everything.
func checkTarget(ctx context.Context, resolver *net.Resolver, host string, allowed []*net.IPNet) error {
	if len(allowed) == 0 {
		return nil
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return fmt.Errorf("%w: cannot resolve %s: %v", ErrTargetNotAllowed, logutil.SanitizeForLog(host), err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}

	for _, ip := range ips {
		if !ipAllowed(ip, allowed) {
			return fmt.Errorf("%w: %s (%s) is not in the allowed list",
				ErrTargetNotAllowed, logutil.SanitizeForLog(host), ip)
		}
	}
	return nil
}

func ipAllowed(ip net.IP, allowed []*net.IPNet) bool {
	for _, network := range allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
