package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the SOCKS protocol version byte this package speaks.
const Version = 0x05

// userPassVersion is the sub-negotiation version byte (RFC 1929).
const userPassVersion = 0x01

// userPassStatusSuccess is the sub-negotiation status byte for success.
const userPassStatusSuccess = 0x00

// Method is a SOCKS5 authentication method.
type Method byte

const (
	MethodNoAuth       Method = 0x00
	MethodUserPass     Method = 0x02
	MethodNoAcceptable Method = 0xff
)

func (m Method) String() string {
	switch m {
	case MethodNoAuth:
		return "no authentication required"
	case MethodUserPass:
		return "username/password"
	case MethodNoAcceptable:
		return "no acceptable methods"
	default:
		return fmt.Sprintf("method(%#02x)", byte(m))
	}
}

// Command is a SOCKS5 request command.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP ASSOCIATE"
	default:
		return fmt.Sprintf("command(%#02x)", byte(c))
	}
}

// ReplyKind is the REP field of a SOCKS5 reply.
type ReplyKind byte

const (
	ReplySucceeded               ReplyKind = 0x00
	ReplyGeneralServerFailure    ReplyKind = 0x01
	ReplyConnectionNotAllowed    ReplyKind = 0x02
	ReplyNetworkUnreachable      ReplyKind = 0x03
	ReplyHostUnreachable         ReplyKind = 0x04
	ReplyConnectionRefused       ReplyKind = 0x05
	ReplyTTLExpired              ReplyKind = 0x06
	ReplyCommandNotSupported     ReplyKind = 0x07
	ReplyAddressTypeNotSupported ReplyKind = 0x08
)

func (k ReplyKind) String() string {
	switch k {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralServerFailure:
		return "general SOCKS server failure"
	case ReplyConnectionNotAllowed:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddressTypeNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply(%#02x)", byte(k))
	}
}

// Address type bytes (ATYP field).
const (
	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x03
	addrTypeIPv6   = 0x04
)

func appendMethodHeader(b []byte, methods ...Method) []byte {
	b = append(b, Version, byte(len(methods)))
	for _, m := range methods {
		b = append(b, byte(m))
	}
	return b
}

func readMethodHeader(r io.Reader) ([]Method, error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	if h[0] != Version {
		return nil, fmt.Errorf("%w: version %#02x in method header", ErrProtocol, h[0])
	}
	raw := make([]byte, int(h[1]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	methods := make([]Method, len(raw))
	for i, m := range raw {
		methods[i] = Method(m)
	}
	return methods, nil
}

func appendMethodSelection(b []byte, m Method) []byte {
	return append(b, Version, byte(m))
}

func readMethodSelection(r io.Reader) (Method, error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, err
	}
	if h[0] != Version {
		return 0, fmt.Errorf("%w: version %#02x in method selection", ErrProtocol, h[0])
	}
	return Method(h[1]), nil
}

func appendUserPassRequest(b []byte, username, password string) ([]byte, error) {
	if len(username) == 0 || len(username) > 255 {
		return nil, fmt.Errorf("username length %d out of range", len(username))
	}
	if len(password) > 255 {
		return nil, fmt.Errorf("password length %d out of range", len(password))
	}
	b = append(b, userPassVersion, byte(len(username)))
	b = append(b, username...)
	b = append(b, byte(len(password)))
	b = append(b, password...)
	return b, nil
}

func readUserPassRequest(r io.Reader) (username, password string, err error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return "", "", err
	}
	if h[0] != userPassVersion {
		return "", "", fmt.Errorf("%w: version %#02x in username/password request", ErrProtocol, h[0])
	}
	if h[1] == 0 {
		return "", "", fmt.Errorf("%w: empty username", ErrProtocol)
	}
	user := make([]byte, int(h[1])+1)
	if _, err := io.ReadFull(r, user); err != nil {
		return "", "", err
	}
	plen := int(user[len(user)-1])
	pass := make([]byte, plen)
	if _, err := io.ReadFull(r, pass); err != nil {
		return "", "", err
	}
	return string(user[:len(user)-1]), string(pass), nil
}

func appendUserPassReply(b []byte, status byte) []byte {
	return append(b, userPassVersion, status)
}

func readUserPassReply(r io.Reader) (byte, error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, err
	}
	if h[0] != userPassVersion {
		return 0, fmt.Errorf("%w: version %#02x in username/password reply", ErrProtocol, h[0])
	}
	return h[1], nil
}

func appendRequest(b []byte, cmd Command, dst Authority) ([]byte, error) {
	b = append(b, Version, byte(cmd), 0x00)
	return appendAuthority(b, dst)
}

func readRequest(r io.Reader) (Command, Authority, error) {
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, Authority{}, err
	}
	if h[0] != Version {
		return 0, Authority{}, fmt.Errorf("%w: version %#02x in request", ErrProtocol, h[0])
	}
	if h[2] != 0x00 {
		return 0, Authority{}, fmt.Errorf("%w: reserved byte %#02x in request", ErrProtocol, h[2])
	}
	dst, err := readAuthority(r, h[3])
	if err != nil {
		return 0, Authority{}, err
	}
	return Command(h[1]), dst, nil
}

func appendReply(b []byte, kind ReplyKind, bnd Authority) ([]byte, error) {
	b = append(b, Version, byte(kind), 0x00)
	return appendAuthority(b, bnd)
}

func readReply(r io.Reader) (ReplyKind, Authority, error) {
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, Authority{}, err
	}
	if h[0] != Version {
		return 0, Authority{}, fmt.Errorf("%w: version %#02x in reply", ErrProtocol, h[0])
	}
	if h[2] != 0x00 {
		return 0, Authority{}, fmt.Errorf("%w: reserved byte %#02x in reply", ErrProtocol, h[2])
	}
	bnd, err := readAuthority(r, h[3])
	if err != nil {
		return 0, Authority{}, err
	}
	return ReplyKind(h[1]), bnd, nil
}

// AppendUDPHeader appends the SOCKS5 UDP request header (RSV, FRAG=0,
// destination) for dst to b and returns the extended slice. Payload bytes
// follow the header in the same datagram.
func AppendUDPHeader(b []byte, dst Authority) ([]byte, error) {
	b = append(b, 0x00, 0x00, 0x00)
	return appendAuthority(b, dst)
}

// ParseUDPHeader decodes the UDP request header at the start of pkt,
// returning the destination authority and the header length. A nonzero
// fragment byte fails with ErrFragmentedDatagram; fragmentation is
// unsupported everywhere in this engine.
func ParseUDPHeader(pkt []byte) (Authority, int, error) {
	if len(pkt) < 4 {
		return Authority{}, 0, fmt.Errorf("%w: datagram header truncated", ErrProtocol)
	}
	if pkt[0] != 0x00 || pkt[1] != 0x00 {
		return Authority{}, 0, fmt.Errorf("%w: nonzero reserved bytes in datagram header", ErrProtocol)
	}
	if pkt[2] != 0x00 {
		return Authority{}, 0, fmt.Errorf("%w: fragment %d", ErrFragmentedDatagram, pkt[2])
	}
	dst, n, err := decodeAuthority(pkt[3:])
	if err != nil {
		return Authority{}, 0, err
	}
	return dst, 3 + n, nil
}

func readAuthority(r io.Reader, atyp byte) (Authority, error) {
	switch atyp {
	case addrTypeIPv4:
		var raw [4 + 2]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return Authority{}, err
		}
		return Authority{
			Host: ipString(raw[:4]),
			Port: binary.BigEndian.Uint16(raw[4:]),
		}, nil
	case addrTypeIPv6:
		var raw [16 + 2]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return Authority{}, err
		}
		return Authority{
			Host: ipString(raw[:16]),
			Port: binary.BigEndian.Uint16(raw[16:]),
		}, nil
	case addrTypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Authority{}, err
		}
		if l[0] == 0 {
			return Authority{}, fmt.Errorf("%w: empty domain", ErrProtocol)
		}
		raw := make([]byte, int(l[0])+2)
		if _, err := io.ReadFull(r, raw); err != nil {
			return Authority{}, err
		}
		return Authority{
			Host: string(raw[:l[0]]),
			Port: binary.BigEndian.Uint16(raw[l[0]:]),
		}, nil
	default:
		return Authority{}, fmt.Errorf("%w: address type %#02x", ErrProtocol, atyp)
	}
}

// decodeAuthority decodes an ATYP-tagged authority from the start of b and
// returns it with the number of bytes consumed.
func decodeAuthority(b []byte) (Authority, int, error) {
	if len(b) < 1 {
		return Authority{}, 0, fmt.Errorf("%w: address truncated", ErrProtocol)
	}
	switch b[0] {
	case addrTypeIPv4:
		if len(b) < 1+4+2 {
			return Authority{}, 0, fmt.Errorf("%w: address truncated", ErrProtocol)
		}
		a := Authority{
			Host: ipString(b[1:5]),
			Port: binary.BigEndian.Uint16(b[5:7]),
		}
		return a, 1 + 4 + 2, nil
	case addrTypeIPv6:
		if len(b) < 1+16+2 {
			return Authority{}, 0, fmt.Errorf("%w: address truncated", ErrProtocol)
		}
		a := Authority{
			Host: ipString(b[1:17]),
			Port: binary.BigEndian.Uint16(b[17:19]),
		}
		return a, 1 + 16 + 2, nil
	case addrTypeDomain:
		if len(b) < 2 {
			return Authority{}, 0, fmt.Errorf("%w: address truncated", ErrProtocol)
		}
		l := int(b[1])
		if l == 0 {
			return Authority{}, 0, fmt.Errorf("%w: empty domain", ErrProtocol)
		}
		if len(b) < 2+l+2 {
			return Authority{}, 0, fmt.Errorf("%w: address truncated", ErrProtocol)
		}
		a := Authority{
			Host: string(b[2 : 2+l]),
			Port: binary.BigEndian.Uint16(b[2+l : 2+l+2]),
		}
		return a, 2 + l + 2, nil
	default:
		return Authority{}, 0, fmt.Errorf("%w: address type %#02x", ErrProtocol, b[0])
	}
}

func appendAuthority(b []byte, a Authority) ([]byte, error) {
	if ip := a.IP(); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, addrTypeIPv4)
			b = append(b, ip4...)
		} else {
			b = append(b, addrTypeIPv6)
			b = append(b, ip.To16()...)
		}
	} else {
		if len(a.Host) == 0 || len(a.Host) > 255 {
			return nil, fmt.Errorf("%w: domain length %d out of range", ErrProtocol, len(a.Host))
		}
		b = append(b, addrTypeDomain, byte(len(a.Host)))
		b = append(b, a.Host...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}
