package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/strait-net/strait/internal/proxy"
)

// Server forwards intercepted TCP connections to their original destination
// through the configured dialer chain.
type Server struct {
	cfg proxy.Config
}

func NewServer(cfg proxy.Config) *Server {
	return &Server{cfg: cfg}
}

// Serve accepts redirected connections on ln until ln fails. ctx bounds every
// forwarded connection started from it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := s.handle(ctx, c); err != nil {
				s.cfg.Logger.Debug().Err(err).Stringer("client", c.RemoteAddr()).
					Msg("tproxy connection failed")
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn) error {
	defer c.Close()

	dst, ok := OriginalDst(c)
	if !ok {
		return errors.New("original destination unavailable")
	}

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", dst, err)
	}
	defer up.Close()

	return proxy.CopyBidirectional(ctx, c, up, s.cfg.IOTimeout)
}
