package main

import (
	"context"
	"fmt"
	"net"
)

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"100.64.0.0/10",  // RFC6598 carrier-grade NAT
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// dialGuard refuses connections to private and local addresses. tvnet URLs
// come straight from user input, so the fetchers must not be usable to
// reach into the host's own network.
type dialGuard struct {
	dialer       *net.Dialer
	allowPrivate bool // set for tests and local mirrors
	resolver     *net.Resolver
}

func newDialGuard(dialer *net.Dialer, allowPrivate bool) *dialGuard {
	return &dialGuard{dialer: dialer, allowPrivate: allowPrivate, resolver: net.DefaultResolver}
}

// DialContext resolves the host, picks the first public address and dials
// that address directly so the name cannot be re-resolved in between.
func (g *dialGuard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if g.allowPrivate {
		return g.dialer.DialContext(ctx, network, addr)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := g.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	var safeIP net.IP
	for _, ip := range ips {
		if !isPrivateIP(ip) {
			safeIP = ip
			break
		}
	}
	if safeIP == nil {
		return nil, fmt.Errorf("blocked connection to private/local IP for %s", host)
	}

	// For TLS the caller still sends SNI for the original hostname.
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(safeIP.String(), port))
}
