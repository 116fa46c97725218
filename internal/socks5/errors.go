package socks5

import (
	"errors"
	"fmt"
)

// ErrProtocol is wrapped by every decode failure: malformed or truncated
// messages, bad version bytes, nonzero reserved fields.
var ErrProtocol = errors.New("socks5: protocol violation")

// ErrFragmentedDatagram reports a UDP header with a nonzero fragment
// number. Fragmentation is unsupported engine-wide, so this is an error on
// the client path and a drop on the server relay path, but never accepted.
var ErrFragmentedDatagram = errors.New("socks5: fragmented datagram")

type handshakeErrorKind int

const (
	errKindOther handshakeErrorKind = iota
	errKindIO
	errKindProtocol
	errKindMethodMismatch
	errKindUnauthorized
	errKindReply
)

// HandshakeError is a failed SOCKS5 handshake. Reply translates the error
// into the ReplyKind a proxying caller should report to its own downstream
// client, so the reply vocabulary survives end to end no matter which layer
// failed.
type HandshakeError struct {
	Op  string
	Err error

	kind   handshakeErrorKind
	method Method
	reply  ReplyKind
	status byte
}

func newIOErr(op string, err error) *HandshakeError {
	return &HandshakeError{Op: op, Err: err, kind: errKindIO}
}

func newProtocolErr(op string, err error) *HandshakeError {
	return &HandshakeError{Op: op, Err: err, kind: errKindProtocol}
}

func newMethodMismatchErr(op string, m Method) *HandshakeError {
	return &HandshakeError{Op: op, kind: errKindMethodMismatch, method: m}
}

func newUnauthorizedErr(status byte) *HandshakeError {
	return &HandshakeError{kind: errKindUnauthorized, status: status}
}

func newReplyErr(kind ReplyKind) *HandshakeError {
	return &HandshakeError{kind: errKindReply, reply: kind}
}

func (e *HandshakeError) Error() string {
	switch e.kind {
	case errKindIO, errKindProtocol, errKindOther:
		return fmt.Sprintf("socks5: %s: %v", e.Op, e.Err)
	case errKindMethodMismatch:
		return fmt.Sprintf("socks5: %s: server selected %s, which was not offered", e.Op, e.method)
	case errKindUnauthorized:
		return fmt.Sprintf("socks5: username/password rejected with status %#02x", e.status)
	case errKindReply:
		return fmt.Sprintf("socks5: server replied: %s", e.reply)
	default:
		return fmt.Sprintf("socks5: %s: %v", e.Op, e.Err)
	}
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Reply maps the failure onto the reply a proxy should send downstream.
// I/O, protocol, and method mismatch failures all surface as a general
// server failure; a rejected credential is a ruleset decision; an explicit
// server reply passes through unchanged.
func (e *HandshakeError) Reply() ReplyKind {
	switch e.kind {
	case errKindReply:
		return e.reply
	case errKindUnauthorized:
		return ReplyConnectionNotAllowed
	default:
		return ReplyGeneralServerFailure
	}
}

// SelectedMethod reports the server-selected method on a method mismatch
// failure, and false otherwise.
func (e *HandshakeError) SelectedMethod() (Method, bool) {
	if e.kind != errKindMethodMismatch {
		return 0, false
	}
	return e.method, true
}

// AuthStatus reports the sub-negotiation status byte on an unauthorized
// failure, and false otherwise.
func (e *HandshakeError) AuthStatus() (byte, bool) {
	if e.kind != errKindUnauthorized {
		return 0, false
	}
	return e.status, true
}
