//go:build linux

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/strait-net/strait/internal/conn"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT enabled so the
// socket can accept connections redirected by iptables/nftables TPROXY or
// REDIRECT rules.
//
// This requires root or CAP_NET_ADMIN.
//
// Note: callers still need appropriate iptables/nft rules to redirect traffic
// to the listener.
func ListenTransparentTCP(addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the original destination for a TCP connection redirected
// to this listener.
//
// Connections rewritten by REDIRECT/DNAT rules carry the pre-rewrite address
// in the SO_ORIGINAL_DST conntrack entry. Connections diverted by TPROXY
// rules keep the original destination as the socket's local address, which is
// the fallback when no conntrack entry exists.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}

	if addr, ok := originalDstIPv4(tc); ok {
		return addr, true
	}

	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	return addr, ok
}

func originalDstIPv4(tc *net.TCPConn) (*net.TCPAddr, bool) {
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var (
		addr  *net.TCPAddr
		okRet bool
	)

	_ = rc.Control(func(fd uintptr) {
		// SO_ORIGINAL_DST yields a raw sockaddr_in for IPv4 sockets.
		var raw [128]byte
		sz := uint32(len(raw))
		_, _, e := syscall.Syscall6(
			syscall.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_IP),
			uintptr(unix.SO_ORIGINAL_DST),
			uintptr(unsafe.Pointer(&raw[0])),
			uintptr(unsafe.Pointer(&sz)),
			0,
		)
		if e != 0 {
			return
		}
		if sz < uint32(unsafe.Sizeof(syscall.RawSockaddrInet4{})) {
			return
		}
		sa := (*syscall.RawSockaddrInet4)(unsafe.Pointer(&raw[0]))
		if sa.Family != unix.AF_INET {
			return
		}
		port := int(sa.Port>>8)&0xff | (int(sa.Port&0xff) << 8)
		ip := net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])
		addr = &net.TCPAddr{IP: ip, Port: port}
		okRet = true
	})

	return addr, okRet
}
