package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/strait-net/strait/internal/socks5"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://[user:pass@]host:port (proxy host resolved locally)
//   - socks5h://[user:pass@]host:port (proxy host resolved by the proxy)
//
// For schemes that require a host, a default port is applied if the URL host
// is missing a port.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5", "socks5h":
		if host := u.Hostname(); host != "" && u.Port() == "" {
			u.Host = net.JoinHostPort(host, "1080")
		}

		authority, err := socks5.ParseAuthority(u.Host)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address: %w", err)
		}
		proxy := &ProxyAddress{Protocol: u.Scheme, Authority: authority}
		if u.User != nil {
			pass, _ := u.User.Password()
			proxy.Credential = Credential{Username: u.User.Username(), Password: pass}
		}

		return NewSOCKS5ProxyDialer(cfg, proxy, true)
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}
