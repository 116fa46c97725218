package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strait-net/strait/internal/conn"
	"github.com/strait-net/strait/internal/socks5"
)

// SOCKS5Server accepts SOCKS5 clients and serves CONNECT tunnels and,
// when enabled, UDP ASSOCIATE relay sessions.
type SOCKS5Server struct {
	cfg      Config
	sessions *xsync.MapOf[string, *UDPRelay]
}

func NewSOCKS5Server(cfg Config) *SOCKS5Server {
	cfg.UDP = cfg.UDP.withDefaults()
	return &SOCKS5Server{
		cfg:      cfg,
		sessions: xsync.NewMapOf[string, *UDPRelay](),
	}
}

// Serve accepts connections on ln until ln fails. ctx bounds every session
// started from it.
func (s *SOCKS5Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(ctx, c)
	}
}

// Close tears down every active UDP association. Connections are unaffected;
// close the listener and cancel the serve context to stop those.
func (s *SOCKS5Server) Close() error {
	s.sessions.Range(func(_ string, relay *UDPRelay) bool {
		_ = relay.Close()
		return true
	})
	return nil
}

// ActiveAssociations reports how many UDP relay sessions are running.
func (s *SOCKS5Server) ActiveAssociations() int {
	return s.sessions.Size()
}

func (s *SOCKS5Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(s.cfg.KeepAlive)
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.ServerNegotiate(c, s.cfg.Auth); err != nil {
		s.cfg.Logger.Debug().Err(err).Stringer("client", c.RemoteAddr()).
			Msg("socks5 negotiation failed")
		return
	}

	cmd, destination, err := socks5.ReadRequest(c)
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Stringer("client", c.RemoteAddr()).
			Msg("socks5 request failed")
		return
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}

	switch cmd {
	case socks5.CmdConnect:
		s.handleConnect(ctx, c, destination)
	case socks5.CmdUDPAssociate:
		if !s.cfg.UDP.Enabled {
			_ = socks5.WriteErrorReply(c, socks5.ReplyCommandNotSupported)
			return
		}
		s.handleAssociate(ctx, c, destination)
	default:
		s.cfg.Logger.Debug().Stringer("client", c.RemoteAddr()).Stringer("command", cmd).
			Msg("socks5 command not supported")
		_ = socks5.WriteErrorReply(c, socks5.ReplyCommandNotSupported)
	}
}

func (s *SOCKS5Server) handleConnect(ctx context.Context, c net.Conn, destination socks5.Authority) {
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", destination.String())
	if err != nil {
		// A failed handshake on the upstream leg already names the
		// reply the far server gave; pass it on to our client.
		reply := socks5.ReplyHostUnreachable
		var he *socks5.HandshakeError
		if errors.As(err, &he) {
			reply = he.Reply()
		}
		s.cfg.Logger.Debug().Err(err).Str("destination", destination.String()).
			Stringer("reply", reply).Msg("socks5 connect failed")
		_ = socks5.WriteErrorReply(c, reply)
		return
	}
	defer up.Close()

	if err := socks5.WriteSuccessReply(c, up.LocalAddr()); err != nil {
		return
	}

	_ = CopyBidirectional(ctx, c, up, s.cfg.IOTimeout)
}

func (s *SOCKS5Server) handleAssociate(ctx context.Context, ctrl net.Conn, destination socks5.Authority) {
	clientIP := destination.IP()
	if clientIP == nil {
		s.cfg.Logger.Debug().Str("destination", destination.Host).
			Msg("udp associate: domain client addresses are not accepted")
		_ = socks5.WriteErrorReply(ctrl, socks5.ReplyAddressTypeNotSupported)
		return
	}
	clientAddr := &net.UDPAddr{IP: clientIP, Port: int(destination.Port)}

	relay, err := s.bindRelay(ctx, ctrl, clientAddr)
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Msg("udp associate: relay socket bind failed")
		_ = socks5.WriteErrorReply(ctrl, socks5.ReplyGeneralServerFailure)
		return
	}
	defer relay.Close()

	key := ctrl.RemoteAddr().String()
	s.sessions.Store(key, relay)
	defer s.sessions.Delete(key)

	if err := socks5.WriteSuccessReply(ctrl, relay.LocalAddr()); err != nil {
		return
	}

	relayErr := make(chan error, 1)
	go func() { relayErr <- relay.Run(ctx, s.cfg.UDP.Inspector) }()

	// The control connection carries no further data; its EOF ends the
	// association.
	ctrlDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, ctrl)
		close(ctrlDone)
	}()

	var timeout <-chan time.Time
	if s.cfg.UDP.RelayTimeout > 0 {
		timer := time.NewTimer(s.cfg.UDP.RelayTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctrlDone:
		s.cfg.Logger.Debug().Stringer("client", clientAddr).
			Msg("udp associate: control connection closed, dropping relay")
	case <-timeout:
		s.cfg.Logger.Debug().Stringer("client", clientAddr).
			Msg("udp associate: relay timeout reached, dropping relay")
	case err := <-relayErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.cfg.Logger.Debug().Err(err).Stringer("client", clientAddr).
				Msg("udp associate: relay failed")
		}
	}
}

func (s *SOCKS5Server) bindRelay(ctx context.Context, ctrl net.Conn, clientAddr *net.UDPAddr) (*UDPRelay, error) {
	bindCtx := ctx
	if s.cfg.UDP.BindTimeout > 0 {
		var cancel context.CancelFunc
		bindCtx, cancel = context.WithTimeout(ctx, s.cfg.UDP.BindTimeout)
		defer cancel()
	}

	// An unset bind host follows the interface the client reached us on,
	// so the advertised relay address is routable from the client.
	bindHost := s.cfg.UDP.BindHost
	if bindHost == "" {
		if la, ok := ctrl.LocalAddr().(*net.TCPAddr); ok {
			bindHost = la.IP.String()
		}
	}
	bindAddr := net.JoinHostPort(bindHost, "0")

	north, err := conn.ListenUDP(bindCtx, bindAddr)
	if err != nil {
		return nil, err
	}
	south, err := conn.ListenUDP(bindCtx, bindAddr)
	if err != nil {
		_ = north.Close()
		return nil, err
	}

	return NewUDPRelay(UDPRelayConfig{
		ClientAddr:      clientAddr,
		North:           north,
		South:           south,
		NorthBufferSize: s.cfg.UDP.NorthBufferSize,
		SouthBufferSize: s.cfg.UDP.SouthBufferSize,
		Resolve:         s.cfg.UDP.Resolve,
		Logger:          s.cfg.Logger,
	}), nil
}
