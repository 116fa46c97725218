package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/strait-net/strait/internal/resolver"
	"github.com/strait-net/strait/internal/socks5"
)

// DefaultUDPBufferSize is the per-direction read buffer size when the
// configuration leaves it zero.
const DefaultUDPBufferSize = 2048

// Direction is where a relayed datagram is headed.
type Direction int

const (
	// DirectionSouth is client to backend.
	DirectionSouth Direction = iota
	// DirectionNorth is backend to client.
	DirectionNorth
)

func (d Direction) String() string {
	switch d {
	case DirectionSouth:
		return "south"
	case DirectionNorth:
		return "north"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// UDPRelayConfig assembles a relay for one UDP ASSOCIATE session.
type UDPRelayConfig struct {
	// ClientAddr is the only source the north socket accepts. Immutable
	// for the relay's lifetime.
	ClientAddr *net.UDPAddr

	North *net.UDPConn
	South *net.UDPConn

	NorthBufferSize int
	SouthBufferSize int

	Resolve resolver.Config
	Logger  zerolog.Logger
}

// UDPRelay shuttles datagrams between a client-facing north socket and a
// backend-facing south socket. North datagrams carry a SOCKS5 UDP header
// naming their true destination; south datagrams gain one naming their
// true source on the way back.
//
// A relay must be driven by exactly one goroutine: the payload returned by
// Recv aliases an internal buffer that is reused on the next call.
type UDPRelay struct {
	clientAddr *net.UDPAddr
	north      *net.UDPConn
	south      *net.UDPConn

	// Size limits cross directions: northMax caps what may be sent to
	// the client and equals the south read buffer size, southMax caps
	// what may be sent to a backend and equals the north read buffer
	// size.
	northMax int
	southMax int

	northBuf []byte
	southBuf []byte
	wbuf     []byte

	northPayload []byte
	southPayload []byte

	resolve resolver.Config
	logger  zerolog.Logger

	startOnce   sync.Once
	northEvents chan readEvent
	southEvents chan readEvent
	northAck    chan struct{}
	southAck    chan struct{}
	ackNorth    bool
	ackSouth    bool

	closeOnce sync.Once
	done      chan struct{}
}

type readEvent struct {
	n   int
	src *net.UDPAddr
	err error
}

func NewUDPRelay(cfg UDPRelayConfig) *UDPRelay {
	if cfg.NorthBufferSize <= 0 {
		cfg.NorthBufferSize = DefaultUDPBufferSize
	}
	if cfg.SouthBufferSize <= 0 {
		cfg.SouthBufferSize = DefaultUDPBufferSize
	}

	return &UDPRelay{
		clientAddr: cfg.ClientAddr,
		north:      cfg.North,
		south:      cfg.South,

		northMax: cfg.SouthBufferSize,
		southMax: cfg.NorthBufferSize,

		northBuf: make([]byte, cfg.SouthBufferSize),
		southBuf: make([]byte, cfg.NorthBufferSize),

		resolve: cfg.Resolve,
		logger:  cfg.Logger,

		northEvents: make(chan readEvent),
		southEvents: make(chan readEvent),
		northAck:    make(chan struct{}, 1),
		southAck:    make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// RelayRead is one datagram ready to forward. For DirectionSouth reads the
// header has been stripped and Addr is the resolved destination; for
// DirectionNorth reads Addr is the datagram's source. Payload is only
// valid until the next Recv call.
type RelayRead struct {
	Direction Direction
	Addr      *net.UDPAddr
	Payload   []byte
}

// Recv waits for the next datagram on either socket and returns it, or
// (nil, nil) when a datagram was silently dropped: a north datagram from a
// source other than the client, a fragmented or undecodable header, an
// unresolvable destination, or a non-fatal socket error. A datagram held
// on the unconsumed socket stays queued for the next call.
func (r *UDPRelay) Recv(ctx context.Context) (*RelayRead, error) {
	r.startOnce.Do(func() {
		go r.readLoop(r.north, r.northBuf, r.northEvents, r.northAck)
		go r.readLoop(r.south, r.southBuf, r.southEvents, r.southAck)
	})

	// Hand the buffer consumed by the previous call back to its reader.
	if r.ackNorth {
		r.ackNorth = false
		r.northAck <- struct{}{}
	}
	if r.ackSouth {
		r.ackSouth = false
		r.southAck <- struct{}{}
	}

	select {
	case ev := <-r.northEvents:
		r.ackNorth = true
		return r.recvNorth(ctx, ev)
	case ev := <-r.southEvents:
		r.ackSouth = true
		return r.recvSouth(ev)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, net.ErrClosed
	}
}

func (r *UDPRelay) readLoop(c *net.UDPConn, buf []byte, events chan<- readEvent, ack <-chan struct{}) {
	for {
		n, src, err := c.ReadFromUDP(buf)
		select {
		case events <- readEvent{n: n, src: src, err: err}:
		case <-r.done:
			return
		}
		// The consumer owns buf until it acknowledges.
		select {
		case <-ack:
		case <-r.done:
			return
		}
	}
}

func (r *UDPRelay) recvNorth(ctx context.Context, ev readEvent) (*RelayRead, error) {
	if ev.err != nil {
		if !isFatalIOError(ev.err) {
			r.logger.Debug().Err(ev.err).Msg("north socket: non-fatal read error")
			return nil, nil
		}
		return nil, fmt.Errorf("north socket: %w", ev.err)
	}

	if !ev.src.IP.Equal(r.clientAddr.IP) || ev.src.Port != r.clientAddr.Port {
		r.logger.Debug().Stringer("src", ev.src).Stringer("client", r.clientAddr).Int("len", ev.n).
			Msg("north socket: dropped datagram from foreign source")
		return nil, nil
	}

	destination, header, err := socks5.ParseUDPHeader(r.northBuf[:ev.n])
	if err != nil {
		if errors.Is(err, socks5.ErrFragmentedDatagram) {
			r.logger.Debug().Int("len", ev.n).
				Msg("north socket: dropped fragmented datagram")
		} else {
			r.logger.Debug().Err(err).Int("len", ev.n).
				Msg("north socket: dropped undecodable datagram")
		}
		return nil, nil
	}

	ip := destination.IP()
	if ip == nil {
		resolved, err := r.resolve.ResolveAddr(ctx, destination.Host)
		if err != nil {
			r.logger.Debug().Err(err).Str("destination", destination.String()).
				Msg("north socket: dropped datagram with unresolvable destination")
			return nil, nil
		}
		ip = resolved
	}

	n := copy(r.northBuf, r.northBuf[header:ev.n])
	r.northPayload = r.northBuf[:n]

	r.logger.Trace().Int("len", n).Str("destination", destination.String()).
		Msg("north socket: datagram ready to relay south")

	return &RelayRead{
		Direction: DirectionSouth,
		Addr:      &net.UDPAddr{IP: ip, Port: int(destination.Port)},
		Payload:   r.northPayload,
	}, nil
}

func (r *UDPRelay) recvSouth(ev readEvent) (*RelayRead, error) {
	if ev.err != nil {
		if !isFatalIOError(ev.err) {
			r.logger.Debug().Err(ev.err).Msg("south socket: non-fatal read error")
			return nil, nil
		}
		return nil, fmt.Errorf("south socket: %w", ev.err)
	}

	r.southPayload = r.southBuf[:ev.n]

	r.logger.Trace().Int("len", ev.n).Stringer("src", ev.src).
		Msg("south socket: datagram ready to relay north")

	return &RelayRead{
		Direction: DirectionNorth,
		Addr:      ev.src,
		Payload:   r.southPayload,
	}, nil
}

// SendToSouth forwards data to the backend at addr. Nil data forwards the
// most recent north read. Explicit data beyond the south limit is dropped,
// not an error.
func (r *UDPRelay) SendToSouth(data []byte, addr *net.UDPAddr) error {
	if data != nil && len(data) > r.southMax {
		r.logger.Debug().Int("len", len(data)).Int("max", r.southMax).
			Msg("south socket: dropped oversized datagram")
		return nil
	}
	if data == nil {
		data = r.northPayload
	}

	if _, err := r.south.WriteToUDP(data, addr); err != nil {
		if !isFatalIOError(err) {
			r.logger.Debug().Err(err).Msg("south socket: non-fatal write error, datagram lost")
			return nil
		}
		return fmt.Errorf("south socket: %w", err)
	}
	return nil
}

// SendToNorth forwards data to the client, prepending a header that names
// from as the datagram's source. Nil data forwards the most recent south
// read. Explicit data beyond the north limit is dropped, not an error.
func (r *UDPRelay) SendToNorth(data []byte, from *net.UDPAddr) error {
	if data != nil && len(data) > r.northMax {
		r.logger.Debug().Int("len", len(data)).Int("max", r.northMax).
			Msg("north socket: dropped oversized datagram")
		return nil
	}
	if data == nil {
		data = r.southPayload
	}

	source := socks5.Authority{Host: from.IP.String(), Port: uint16(from.Port)}
	pkt, err := socks5.AppendUDPHeader(r.wbuf[:0], source)
	if err != nil {
		return fmt.Errorf("encode datagram header: %w", err)
	}
	r.wbuf = append(pkt, data...)

	if _, err := r.north.WriteToUDP(r.wbuf, r.clientAddr); err != nil {
		if !isFatalIOError(err) {
			r.logger.Debug().Err(err).Msg("north socket: non-fatal write error, datagram lost")
			return nil
		}
		return fmt.Errorf("north socket: %w", err)
	}
	return nil
}

// Close releases both sockets and stops the reader goroutines. Safe to
// call more than once.
func (r *UDPRelay) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.north.Close()
		_ = r.south.Close()
	})
	return nil
}

// LocalAddr is the north socket's bound address, advertised to the client
// in the ASSOCIATE reply.
func (r *UDPRelay) LocalAddr() net.Addr {
	return r.north.LocalAddr()
}

// isFatalIOError splits datagram socket errors into those that lose one
// datagram while the relay keeps running, and those that end the relay.
// The split applies uniformly to reads and writes on both sockets.
func isFatalIOError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	switch {
	case errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EWOULDBLOCK),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EADDRNOTAVAIL),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM):
		return false
	}
	return true
}
