package proxy

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/strait-net/strait/internal/dialer"
	"github.com/strait-net/strait/internal/resolver"
	"github.com/strait-net/strait/internal/socks5"
)

type Config struct {
	// NegotiationTimeout bounds the SOCKS5 negotiation on an accepted
	// connection, from the method header through the request. Zero
	// disables the deadline.
	NegotiationTimeout time.Duration

	// IOTimeout, when set, is an absolute deadline on an established
	// CONNECT tunnel.
	IOTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Dialer establishes the upstream leg of CONNECT tunnels.
	Dialer dialer.Dialer

	// Auth, when set, requires username/password sub-negotiation from
	// every client. Unset means no-auth.
	Auth socks5.Auth

	Logger zerolog.Logger

	UDP UDPConfig
}

// UDPConfig controls the UDP ASSOCIATE command. The zero value leaves it
// disabled.
type UDPConfig struct {
	Enabled bool

	// BindHost is the local host relay sockets bind to. Empty binds on
	// the interface the control connection arrived on.
	BindHost string

	// Read buffer sizes per direction, in bytes. Zero means
	// DefaultUDPBufferSize. The limits cross directions: the largest
	// datagram accepted toward the client is SouthBufferSize and the
	// largest toward a backend is NorthBufferSize.
	NorthBufferSize int
	SouthBufferSize int

	// BindTimeout bounds binding the relay socket pair.
	BindTimeout time.Duration

	// RelayTimeout, when set, ends an association after a fixed
	// lifetime regardless of activity. Zero keeps it open until the
	// control connection closes.
	RelayTimeout time.Duration

	// Resolve handles domain destinations in client datagrams. Without
	// a resolver such datagrams are dropped.
	Resolve resolver.Config

	// Inspector, when set, sees every relayed datagram. Nil forwards
	// everything.
	Inspector PacketInspector
}

func (c UDPConfig) withDefaults() UDPConfig {
	if c.NorthBufferSize <= 0 {
		c.NorthBufferSize = DefaultUDPBufferSize
	}
	if c.SouthBufferSize <= 0 {
		c.SouthBufferSize = DefaultUDPBufferSize
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = 30 * time.Second
	}
	return c
}
