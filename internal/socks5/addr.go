package socks5

import (
	"fmt"
	"net"
	"strconv"
)

// Authority is a destination or bound address on the wire: a host (domain
// name or IP literal) plus a port. The zero value encodes as IPv4 0.0.0.0:0.
type Authority struct {
	Host string
	Port uint16
}

// ParseAuthority parses "host:port" with an IP literal or domain host.
func ParseAuthority(s string) (Authority, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Authority{}, fmt.Errorf("parse authority %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Authority{}, fmt.Errorf("parse authority %q: invalid port: %w", s, err)
	}
	return Authority{Host: host, Port: uint16(port)}, nil
}

// AuthorityFromAddr converts a TCP or UDP net.Addr.
func AuthorityFromAddr(addr net.Addr) (Authority, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return Authority{Host: a.IP.String(), Port: uint16(a.Port)}, nil
	case *net.UDPAddr:
		return Authority{Host: a.IP.String(), Port: uint16(a.Port)}, nil
	default:
		return ParseAuthority(addr.String())
	}
}

func (a Authority) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IP returns the host as an IP, or nil if it is a domain name. The zero
// Authority reports the unspecified IPv4 address.
func (a Authority) IP() net.IP {
	if a.Host == "" {
		return net.IPv4zero
	}
	return net.ParseIP(a.Host)
}

// UDPAddr converts the authority to a *net.UDPAddr. Domain hosts fail;
// resolve them first.
func (a Authority) UDPAddr() (*net.UDPAddr, error) {
	ip := a.IP()
	if ip == nil {
		return nil, fmt.Errorf("authority %s is not an IP address", a)
	}
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}, nil
}

// ipString renders a 4- or 16-byte wire address without keeping a reference
// to the input slice.
func ipString(b []byte) string {
	ip := make(net.IP, len(b))
	copy(ip, b)
	return ip.String()
}
