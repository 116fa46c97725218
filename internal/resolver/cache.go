package resolver

import (
	"context"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached wraps a Resolver with a positive-answer TTL cache. Failures are
// not cached.
type Cached struct {
	next Resolver
	c    *cache.Cache
}

// NewCached caches next's answers for ttl.
func NewCached(next Resolver, ttl time.Duration) *Cached {
	return &Cached{next: next, c: cache.New(ttl, 2*ttl)}
}

func (r *Cached) LookupIPv4(ctx context.Context, domain string) ([]net.IP, error) {
	return r.lookup(ctx, "4:"+domain, domain, r.next.LookupIPv4)
}

func (r *Cached) LookupIPv6(ctx context.Context, domain string) ([]net.IP, error) {
	return r.lookup(ctx, "6:"+domain, domain, r.next.LookupIPv6)
}

func (r *Cached) lookup(ctx context.Context, key, domain string, next func(context.Context, string) ([]net.IP, error)) ([]net.IP, error) {
	if v, ok := r.c.Get(key); ok {
		return v.([]net.IP), nil
	}
	ips, err := next(ctx, domain)
	if err != nil {
		return nil, err
	}
	r.c.Set(key, ips, cache.DefaultExpiration)
	return ips, nil
}
