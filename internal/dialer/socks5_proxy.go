package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/strait-net/strait/internal/socks5"
)

// ProxyAddress locates an upstream SOCKS5 proxy.
type ProxyAddress struct {
	Protocol   string // "socks5" or "socks5h"
	Authority  socks5.Authority
	Credential Credential
}

// Credential carries proxy credentials. Only basic username/password works
// with SOCKS5; a bearer token is rejected at construction.
type Credential struct {
	Username string
	Password string
	Token    string
}

// SOCKS5ProxyDialer establishes outbound connections tunnelled through an
// upstream SOCKS5 proxy. With no proxy configured it either fails every
// dial (required) or passes the direct connection through (optional).
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxy     *ProxyAddress
	required  bool
	transport Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxy *ProxyAddress, required bool) (*SOCKS5ProxyDialer, error) {
	if proxy != nil {
		switch proxy.Protocol {
		case "", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("socks5 proxy dialer cannot serve %q upstreams", proxy.Protocol)
		}
		if proxy.Credential.Token != "" {
			return nil, errors.New("socks5 does not support bearer credentials")
		}
	}
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxy:     proxy,
		required:  required,
		transport: NewDirectDialer(cfg),
	}, nil
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	if f.proxy == nil {
		c, err := f.transport.DialContext(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("establish connection to target: %w", err)
		}
		if f.required {
			c.Close()
			return nil, errors.New("socks5 proxy required but none is defined")
		}
		return c, nil
	}

	proxyAddr := f.proxyAuthority(ctx)
	c, err := f.transport.DialContext(ctx, "tcp", proxyAddr.String())
	if err != nil {
		return nil, fmt.Errorf("establish connection to proxy %s (protocol %s): %w", proxyAddr, f.proxy.Protocol, err)
	}

	destination, err := socks5.ParseAuthority(address)
	if err != nil {
		c.Close()
		return nil, err
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	client := socks5.Client{Auth: socks5.Auth{
		Username: f.proxy.Credential.Username,
		Password: f.proxy.Credential.Password,
	}}
	if _, err := client.HandshakeConnect(c, destination); err != nil {
		c.Close()
		return nil, fmt.Errorf("socks5 handshake with proxy %s: %w", proxyAddr, err)
	}
	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}

	return c, nil
}

// proxyAuthority picks the authority the transport should dial. For
// protocol "socks5" exactly, a domain proxy host is resolved locally
// best-effort; any resolution failure keeps the domain and lets the
// transport resolve it. "socks5h" always passes the domain through,
// delegating resolution to the remote proxy.
func (f *SOCKS5ProxyDialer) proxyAuthority(ctx context.Context) socks5.Authority {
	authority := f.proxy.Authority
	if f.proxy.Protocol != "socks5" || f.cfg.Resolve.Resolver == nil {
		return authority
	}
	if authority.IP() != nil {
		return authority
	}

	ip, err := f.cfg.Resolve.ResolveAddr(ctx, authority.Host)
	if err != nil {
		f.cfg.Logger.Debug().Err(err).Str("proxy", authority.Host).
			Msg("keeping proxy domain: resolution failed")
		return authority
	}
	return socks5.Authority{Host: ip.String(), Port: authority.Port}
}
