package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/strait-net/strait/internal/conn"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer dials destinations without any upstream proxy.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.cfg.DialTimeout}

	c, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	conn.ApplyKeepAlive(c, f.cfg.KeepAlive)
	return c, nil
}
