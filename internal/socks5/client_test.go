package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

// step is one exchange of a scripted peer: read exact bytes, then write a
// canned response.
type step struct {
	read  []byte
	write []byte
}

func runScript(conn net.Conn, steps []step) error {
	for _, s := range steps {
		if len(s.read) > 0 {
			got := make([]byte, len(s.read))
			if _, err := io.ReadFull(conn, got); err != nil {
				return fmt.Errorf("script read: %w", err)
			}
			if !bytes.Equal(got, s.read) {
				return fmt.Errorf("script read %q, want %q", got, s.read)
			}
		}
		if len(s.write) > 0 {
			if _, err := conn.Write(s.write); err != nil {
				return fmt.Errorf("script write: %w", err)
			}
		}
	}
	return nil
}

func replyOf(t *testing.T, err error) ReplyKind {
	t.Helper()
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v (%T), want *HandshakeError", err, err)
	}
	return he.Reply()
}

func TestHandshakeConnectSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\x00")},
			{
				read:  []byte("\x05\x01\x00\x01\x00\x00\x00\x00\x00\x00"),
				write: []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x01},
			},
		})
	})

	client := &Client{}
	bound, err := client.HandshakeConnect(clientConn, Authority{})
	if err != nil {
		t.Fatal(err)
	}
	if bound.Host != "127.0.0.1" || bound.Port != 1 {
		t.Fatalf("bound = %v, want 127.0.0.1:1", bound)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectCommandNotSupported(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\x00")},
			{
				read:  []byte("\x05\x01\x00\x01\x00\x00\x00\x00\x00\x00"),
				write: []byte("\x05\x07\x00\x01\x00\x00\x00\x00\x00\x00"),
			},
		})
	})

	client := &Client{}
	_, err := client.HandshakeConnect(clientConn, Authority{})
	if got := replyOf(t, err); got != ReplyCommandNotSupported {
		t.Fatalf("Reply() = %v, want command not supported", got)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectNoAcceptableMethods(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\xff")},
		})
	})

	client := &Client{}
	_, err := client.HandshakeConnect(clientConn, Authority{})
	if got := replyOf(t, err); got != ReplyGeneralServerFailure {
		t.Fatalf("Reply() = %v, want general server failure", got)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectMethodMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\x02")},
		})
	})

	client := &Client{}
	_, err := client.HandshakeConnect(clientConn, Authority{})

	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HandshakeError", err)
	}
	if m, ok := he.SelectedMethod(); !ok || m != MethodUserPass {
		t.Fatalf("SelectedMethod() = %v/%v, want username/password", m, ok)
	}
	if he.Reply() != ReplyGeneralServerFailure {
		t.Fatalf("Reply() = %v, want general server failure", he.Reply())
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectUserPass(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x02\x00\x02"), write: []byte("\x05\x02")},
			{read: []byte("\x01\x04john\x06secret"), write: []byte("\x01\x00")},
			{
				read:  []byte("\x05\x01\x00\x01\x00\x00\x00\x00\x00\x00"),
				write: []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x01},
			},
		})
	})

	client := &Client{Auth: Auth{Username: "john", Password: "secret"}}
	bound, err := client.HandshakeConnect(clientConn, Authority{})
	if err != nil {
		t.Fatal(err)
	}
	if bound.Port != 1 {
		t.Fatalf("bound = %v, want port 1", bound)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectUserPassRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x02\x00\x02"), write: []byte("\x05\x02")},
			{read: []byte("\x01\x04john\x06secret"), write: []byte("\x01\x01")},
		})
	})

	client := &Client{Auth: Auth{Username: "john", Password: "secret"}}
	_, err := client.HandshakeConnect(clientConn, Authority{})

	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HandshakeError", err)
	}
	if he.Reply() != ReplyConnectionNotAllowed {
		t.Fatalf("Reply() = %v, want connection not allowed", he.Reply())
	}
	if status, ok := he.AuthStatus(); !ok || status != 0x01 {
		t.Fatalf("AuthStatus() = %#02x/%v, want 0x01", status, ok)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectAuthDowngrade(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			// The server may decline offered auth; no sub-negotiation follows.
			{read: []byte("\x05\x02\x00\x02"), write: []byte("\x05\x00")},
			{
				read:  []byte("\x05\x01\x00\x01\x00\x00\x00\x00\x00\x00"),
				write: []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x01},
			},
		})
	})

	client := &Client{Auth: Auth{Username: "john", Password: "secret"}}
	if _, err := client.HandshakeConnect(clientConn, Authority{}); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeConnectDomainDestination(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\x00")},
			{
				read:  []byte("\x05\x01\x00\x03\x0bexample.com\x00\x01"),
				write: []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x01},
			},
		})
	})

	client := &Client{}
	if _, err := client.HandshakeConnect(clientConn, Authority{Host: "example.com", Port: 1}); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeBind(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\x00")},
			{
				read:  []byte("\x05\x02\x00\x01\x00\x00\x00\x00\x00\x00"),
				write: []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x04, 0x38},
			},
			// Second reply once the peer connects.
			{write: []byte{0x05, 0x00, 0x00, 0x01, 10, 0, 0, 1, 0x07, 0xd0}},
		})
	})

	client := &Client{}
	binder, err := client.HandshakeBind(clientConn, Authority{})
	if err != nil {
		t.Fatal(err)
	}
	if got := binder.BoundAddr(); got.Host != "127.0.0.1" || got.Port != 1080 {
		t.Fatalf("BoundAddr() = %v, want 127.0.0.1:1080", got)
	}

	peer, err := binder.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if peer.Host != "10.0.0.1" || peer.Port != 2000 {
		t.Fatalf("peer = %v, want 10.0.0.1:2000", peer)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeBindRejectsDomainBound(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return runScript(serverConn, []step{
			{read: []byte("\x05\x01\x00"), write: []byte("\x05\x00")},
			{
				read:  []byte("\x05\x02\x00\x01\x00\x00\x00\x00\x00\x00"),
				write: []byte("\x05\x00\x00\x03\x0bbnd.example\x00\x50"),
			},
			// The client answers a domain bound address with a rejection.
			{read: []byte("\x05\x08\x00\x01\x00\x00\x00\x00\x00\x00")},
		})
	})

	client := &Client{}
	_, err := client.HandshakeBind(clientConn, Authority{})
	if got := replyOf(t, err); got != ReplyAddressTypeNotSupported {
		t.Fatalf("Reply() = %v, want address type not supported", got)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestClientAgainstServerNegotiate(t *testing.T) {
	tests := []struct {
		name string
		auth Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.auth); err != nil {
					return err
				}
				cmd, dst, err := ReadRequest(serverConn)
				if err != nil {
					return err
				}
				if cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %v", cmd)
				}
				if dst.String() != "127.0.0.1:80" {
					return fmt.Errorf("unexpected destination: %v", dst)
				}
				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			client := &Client{Auth: tt.auth}
			bound, err := client.HandshakeConnect(clientConn, Authority{Host: "127.0.0.1", Port: 80})
			if err != nil {
				t.Fatal(err)
			}
			if bound.Port != 12345 {
				t.Fatalf("bound = %v, want port 12345", bound)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestServerNegotiateRejectsWrongPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return ServerNegotiate(serverConn, Auth{Username: "user", Password: "right"})
	})

	client := &Client{Auth: Auth{Username: "user", Password: "wrong"}}
	_, err := client.HandshakeConnect(clientConn, Authority{})
	if got := replyOf(t, err); got != ReplyConnectionNotAllowed {
		t.Fatalf("Reply() = %v, want connection not allowed", got)
	}
	if err := g.Wait(); err == nil {
		t.Fatal("server accepted a wrong password")
	}
}

func TestServerNegotiateRequiresOfferedAuth(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		return ServerNegotiate(serverConn, Auth{Username: "user", Password: "pass"})
	})

	// Client offers only no-auth; the server answers 0xFF.
	client := &Client{}
	_, err := client.HandshakeConnect(clientConn, Authority{})
	if got := replyOf(t, err); got != ReplyGeneralServerFailure {
		t.Fatalf("Reply() = %v, want general server failure", got)
	}
	if err := g.Wait(); err == nil {
		t.Fatal("server negotiated without an acceptable method")
	}
}
