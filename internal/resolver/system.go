package resolver

import (
	"context"
	"net"
)

// System resolves with the operating system resolver.
type System struct {
	r net.Resolver
}

func (s *System) LookupIPv4(ctx context.Context, domain string) ([]net.IP, error) {
	return s.r.LookupIP(ctx, "ip4", domain)
}

func (s *System) LookupIPv6(ctx context.Context, domain string) ([]net.IP, error) {
	return s.r.LookupIP(ctx, "ip6", domain)
}
