package socks5

import (
	"fmt"
	"io"
	"net"
)

// ServerNegotiate runs the server side of method negotiation on conn. With
// a configured auth it requires the username/password method and verifies
// the credential, reporting the outcome to the client; otherwise it
// requires the no-auth method. A client offering no acceptable method is
// told so (0xFF) before the error returns.
func ServerNegotiate(conn io.ReadWriter, auth Auth) error {
	methods, err := readMethodHeader(conn)
	if err != nil {
		return fmt.Errorf("read method header: %w", err)
	}

	if auth.isSet() {
		if !containsMethod(methods, MethodUserPass) {
			writeNoAcceptableMethods(conn)
			return fmt.Errorf("client offers no username/password method")
		}
		if _, err := conn.Write(appendMethodSelection(nil, MethodUserPass)); err != nil {
			return fmt.Errorf("write method selection: %w", err)
		}

		username, password, err := readUserPassRequest(conn)
		if err != nil {
			return fmt.Errorf("read username/password request: %w", err)
		}
		if username != auth.Username || password != auth.Password {
			_, _ = conn.Write(appendUserPassReply(nil, 0x01))
			return fmt.Errorf("username/password rejected for %q", username)
		}
		if _, err := conn.Write(appendUserPassReply(nil, userPassStatusSuccess)); err != nil {
			return fmt.Errorf("write username/password reply: %w", err)
		}
		return nil
	}

	if !containsMethod(methods, MethodNoAuth) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("client offers no no-auth method")
	}
	if _, err := conn.Write(appendMethodSelection(nil, MethodNoAuth)); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

// ReadRequest reads the client's command request after negotiation.
func ReadRequest(conn io.Reader) (Command, Authority, error) {
	cmd, dst, err := readRequest(conn)
	if err != nil {
		return 0, Authority{}, fmt.Errorf("read request: %w", err)
	}
	return cmd, dst, nil
}

// WriteReply writes a reply with the given bound address.
func WriteReply(w io.Writer, kind ReplyKind, bound Authority) error {
	buf, err := appendReply(nil, kind, bound)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a success reply using localAddr as the bound
// address.
func WriteSuccessReply(w io.Writer, localAddr net.Addr) error {
	bound, err := AuthorityFromAddr(localAddr)
	if err != nil {
		return fmt.Errorf("bound address: %w", err)
	}
	return WriteReply(w, ReplySucceeded, bound)
}

// WriteErrorReply writes a non-success reply with a zero bound address.
func WriteErrorReply(w io.Writer, kind ReplyKind) error {
	return writeErrorReply(w, kind)
}

func writeErrorReply(w io.Writer, kind ReplyKind) error {
	buf, err := appendReply(nil, kind, Authority{})
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF tells the client to close the connection.
	_, _ = w.Write(appendMethodSelection(nil, MethodNoAcceptable))
}

func containsMethod(methods []Method, want Method) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
