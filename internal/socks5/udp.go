package socks5

import (
	"context"
	"fmt"
	"net"
	"time"
)

// UDPRelayBinder is a negotiated UDP ASSOCIATE session waiting for a local
// socket. Bind completes the association; until then the control stream
// stays open and idle.
type UDPRelayBinder struct {
	ctrl net.Conn
}

// Bind binds a local UDP socket on laddr (e.g. "0.0.0.0:0"), sends the
// ASSOCIATE request advertising that socket's address, and reads the reply.
// The reply's bound address is where datagrams must be sent; it has to be
// an IP literal because a name cannot select a datagram peer. On success
// the returned relay owns both the socket and the control stream; closing
// the relay tears down the association.
func (b *UDPRelayBinder) Bind(ctx context.Context, laddr string) (*UDPRelayConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", laddr)
	if err != nil {
		return nil, &HandshakeError{Op: "bind local udp socket", Err: err}
	}
	conn := pc.(*net.UDPConn)

	local, err := AuthorityFromAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, &HandshakeError{Op: "local udp address", Err: err}
	}

	buf, err := appendRequest(nil, CmdUDPAssociate, local)
	if err != nil {
		conn.Close()
		return nil, &HandshakeError{Op: "encode request", Err: err}
	}
	if _, err := b.ctrl.Write(buf); err != nil {
		conn.Close()
		return nil, newIOErr("write associate request", err)
	}
	kind, bound, err := readReply(b.ctrl)
	if err != nil {
		conn.Close()
		return nil, newProtocolErr("read associate reply", err)
	}
	if kind != ReplySucceeded {
		conn.Close()
		return nil, newReplyErr(kind)
	}
	relayAddr, err := bound.UDPAddr()
	if err != nil {
		conn.Close()
		return nil, newReplyErr(ReplyAddressTypeNotSupported)
	}

	return &UDPRelayConn{
		ctrl:  b.ctrl,
		conn:  conn,
		relay: relayAddr,
	}, nil
}

// UDPRelayConn relays datagrams through a SOCKS5 server. It owns the
// association's control stream and the local socket, and reuses its write
// buffer across sends, so it must not be used concurrently.
type UDPRelayConn struct {
	ctrl  net.Conn
	conn  *net.UDPConn
	relay *net.UDPAddr
	wbuf  []byte
}

// SendTo sends payload to destination through the relay as one datagram.
func (r *UDPRelayConn) SendTo(payload []byte, destination Authority) error {
	buf, err := AppendUDPHeader(r.wbuf[:0], destination)
	if err != nil {
		return err
	}
	r.wbuf = append(buf, payload...)
	if _, err := r.conn.WriteToUDP(r.wbuf, r.relay); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

// RecvFrom receives one relayed datagram into buf, strips the relay header
// in place, and returns the payload length plus the origin address echoed
// in that header. Datagrams from anyone but the server's relay endpoint
// are skipped. A fragmented datagram from the relay itself is an error.
func (r *UDPRelayConn) RecvFrom(buf []byte) (int, Authority, error) {
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, Authority{}, err
		}
		if !src.IP.Equal(r.relay.IP) || src.Port != r.relay.Port {
			continue
		}
		from, header, err := ParseUDPHeader(buf[:n])
		if err != nil {
			return 0, Authority{}, err
		}
		n = copy(buf, buf[header:n])
		return n, from, nil
	}
}

// LocalAddr is the local socket address, as advertised to the server.
func (r *UDPRelayConn) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// RelayAddr is the server's relay endpoint from the associate reply.
func (r *UDPRelayConn) RelayAddr() *net.UDPAddr { return r.relay }

// SetDeadline applies to both send and receive on the local socket.
func (r *UDPRelayConn) SetDeadline(t time.Time) error { return r.conn.SetDeadline(t) }

// SetReadDeadline applies to RecvFrom.
func (r *UDPRelayConn) SetReadDeadline(t time.Time) error { return r.conn.SetReadDeadline(t) }

// SetWriteDeadline applies to SendTo.
func (r *UDPRelayConn) SetWriteDeadline(t time.Time) error { return r.conn.SetWriteDeadline(t) }

// Close releases the local socket and the control stream; the server tears
// down the association when the control stream drops.
func (r *UDPRelayConn) Close() error {
	err := r.conn.Close()
	if cerr := r.ctrl.Close(); err == nil {
		err = cerr
	}
	return err
}
