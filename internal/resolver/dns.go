package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNS resolves against a single wire-format DNS server ("host:53").
type DNS struct {
	server string
	client *dns.Client
}

// NewDNS builds a resolver querying server over UDP with the given
// per-exchange timeout.
func NewDNS(server string, timeout time.Duration) *DNS {
	c := new(dns.Client)
	c.Timeout = timeout
	return &DNS{server: server, client: c}
}

func (d *DNS) LookupIPv4(ctx context.Context, domain string) ([]net.IP, error) {
	return d.lookup(ctx, domain, dns.TypeA)
}

func (d *DNS) LookupIPv6(ctx context.Context, domain string) ([]net.IP, error) {
	return d.lookup(ctx, domain, dns.TypeAAAA)
}

func (d *DNS) lookup(ctx context.Context, domain string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("dns exchange with %s: %w", d.server, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query %s %q: %s", dns.TypeToString[qtype], domain, dns.RcodeToString[r.Rcode])
	}

	var ips []net.IP
	for _, a := range r.Answer {
		switch rr := a.(type) {
		case *dns.A:
			ips = append(ips, rr.A)
		case *dns.AAAA:
			ips = append(ips, rr.AAAA)
		}
	}
	return ips, nil
}
