// Package ssrf rejects outbound URLs that point at loopback, private or
// link-local networks, including cloud metadata endpoints.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"syscall"
)

var (
	ErrInvalidURL     = errors.New("invalid URL")
	ErrScheme         = errors.New("URL scheme not allowed")
	ErrPrivateAddress = errors.New("URL resolves to private/internal IP address")
	ErrResolve        = errors.New("DNS resolution failed")
)

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",       // current network
	"10.0.0.0/8",      // RFC 1918
	"100.64.0.0/10",   // carrier-grade NAT
	"127.0.0.0/8",     // loopback
	"169.254.0.0/16",  // link-local, cloud metadata
	"172.16.0.0/12",   // RFC 1918
	"192.168.0.0/16",  // RFC 1918
	"192.0.2.0/24",    // documentation
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // documentation
	"203.0.113.0/24",  // documentation
	"224.0.0.0/3",     // multicast and reserved
	"::/128",          // unspecified
	"::1/128",         // loopback
	"fe80::/10",       // link-local
	"fc00::/7",        // unique local
	"ff00::/8",        // multicast
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsBlocked reports whether addr is in a loopback, private, link-local or
// otherwise non-routable range. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates URLs before they are stored or fetched.
type Guard struct {
	resolver     Resolver
	allowPrivate bool
}

// New returns a Guard using r for DNS lookups, or net.DefaultResolver if r is nil.
func New(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r}
}

// NewPermissive returns a Guard that checks URL shape and scheme only.
// Used for local development and tests against loopback origins.
func NewPermissive() *Guard {
	return &Guard{resolver: net.DefaultResolver, allowPrivate: true}
}

// Check validates scheme and host and ensures every resolved address is public.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host in URL", ErrInvalidURL)
	}
	if g.allowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlocked(addr) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
		}
		return nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no addresses for %s", ErrResolve, host)
	}
	for _, addr := range addrs {
		if IsBlocked(addr) {
			return fmt.Errorf("%w: %s resolves to %s", ErrPrivateAddress, host, addr)
		}
	}
	return nil
}

// IsFetchable is Check as a predicate.
func (g *Guard) IsFetchable(ctx context.Context, rawURL string) bool {
	return g.Check(ctx, rawURL) == nil
}

// Control is a net.Dialer Control hook that refuses connections to blocked
// addresses after DNS resolution, closing the rebinding window between
// Check and the actual dial.
func (g *Guard) Control(network, address string, _ syscall.RawConn) error {
	if g.allowPrivate {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if IsBlocked(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ap.Addr())
	}
	return nil
}
