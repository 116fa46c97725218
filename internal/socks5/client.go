package socks5

import (
	"io"
	"net"
)

// Auth is a username/password credential (RFC 1929). The zero value means
// no authentication is requested.
type Auth struct {
	Username string
	Password string
}

func (a Auth) isSet() bool { return a.Username != "" }

// Client runs the client side of the SOCKS5 handshake. It is pure
// configuration: stateless across calls, safe to reuse concurrently on
// independent streams. Each handshake borrows the stream for its duration;
// after a failure the stream position is indeterminate and the stream must
// be discarded.
type Client struct {
	Auth Auth
}

// HandshakeConnect negotiates with the server on rw and issues a CONNECT
// for destination. On success the stream carries the tunnelled bytes and
// the server's bound address is returned (informational for CONNECT).
func (c *Client) HandshakeConnect(rw io.ReadWriter, destination Authority) (Authority, error) {
	if err := c.negotiate(rw); err != nil {
		return Authority{}, err
	}
	return c.request(rw, CmdConnect, destination)
}

// HandshakeBind negotiates and issues a BIND for the requested listen
// address (zero value: any). The first reply carries the address the
// server is listening on; a domain there cannot direct a peer anywhere,
// so it is rejected back to the server as address-type-not-supported.
func (c *Client) HandshakeBind(rw io.ReadWriter, requested Authority) (*Binder, error) {
	if err := c.negotiate(rw); err != nil {
		return nil, err
	}
	bound, err := c.request(rw, CmdBind, requested)
	if err != nil {
		return nil, err
	}
	if bound.IP() == nil {
		if werr := writeErrorReply(rw, ReplyAddressTypeNotSupported); werr != nil {
			return nil, newIOErr("write bind rejection", werr)
		}
		return nil, newReplyErr(ReplyAddressTypeNotSupported)
	}
	return &Binder{rw: rw, bound: bound}, nil
}

// HandshakeUDP negotiates with the server on conn and returns a binder for
// the UDP ASSOCIATE flow. The ASSOCIATE request itself is deferred to
// UDPRelayBinder.Bind, which knows the local socket address to advertise.
func (c *Client) HandshakeUDP(conn net.Conn) (*UDPRelayBinder, error) {
	if err := c.negotiate(conn); err != nil {
		return nil, err
	}
	return &UDPRelayBinder{ctrl: conn}, nil
}

func (c *Client) negotiate(rw io.ReadWriter) error {
	methods := []Method{MethodNoAuth}
	if c.Auth.isSet() {
		methods = append(methods, MethodUserPass)
	}
	if _, err := rw.Write(appendMethodHeader(nil, methods...)); err != nil {
		return newIOErr("write method header", err)
	}
	selected, err := readMethodSelection(rw)
	if err != nil {
		return newProtocolErr("read method selection", err)
	}
	switch {
	case selected == MethodNoAuth:
		// Permitted downgrade: the server may decline auth we offered.
		return nil
	case selected == MethodUserPass && c.Auth.isSet():
		return c.subnegotiate(rw)
	default:
		return newMethodMismatchErr("negotiate method", selected)
	}
}

func (c *Client) subnegotiate(rw io.ReadWriter) error {
	buf, err := appendUserPassRequest(nil, c.Auth.Username, c.Auth.Password)
	if err != nil {
		return &HandshakeError{Op: "encode username/password request", Err: err}
	}
	if _, err := rw.Write(buf); err != nil {
		return newIOErr("write username/password request", err)
	}
	status, err := readUserPassReply(rw)
	if err != nil {
		return newProtocolErr("read username/password reply", err)
	}
	if status != userPassStatusSuccess {
		return newUnauthorizedErr(status)
	}
	return nil
}

func (c *Client) request(rw io.ReadWriter, cmd Command, dst Authority) (Authority, error) {
	buf, err := appendRequest(nil, cmd, dst)
	if err != nil {
		return Authority{}, &HandshakeError{Op: "encode request", Err: err}
	}
	if _, err := rw.Write(buf); err != nil {
		return Authority{}, newIOErr("write request", err)
	}
	kind, bound, err := readReply(rw)
	if err != nil {
		return Authority{}, newProtocolErr("read reply", err)
	}
	if kind != ReplySucceeded {
		return Authority{}, newReplyErr(kind)
	}
	return bound, nil
}

// Binder is an in-progress BIND handshake: the server listens at BoundAddr
// and sends a second reply once the expected peer connects.
type Binder struct {
	rw    io.ReadWriter
	bound Authority
}

// BoundAddr is the address the server listens on, to hand to the peer
// that should connect.
func (b *Binder) BoundAddr() Authority { return b.bound }

// Wait blocks for the second reply and returns the connected peer's
// address. The stream then carries the peer connection's bytes.
func (b *Binder) Wait() (Authority, error) {
	kind, peer, err := readReply(b.rw)
	if err != nil {
		return Authority{}, newProtocolErr("read second bind reply", err)
	}
	if kind != ReplySucceeded {
		return Authority{}, newReplyErr(kind)
	}
	return peer, nil
}
