package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/strait-net/strait/internal/resolver"
	"github.com/strait-net/strait/internal/socks5"
	"github.com/strait-net/strait/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()

			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				_ = handleSOCKS5Connect(ctx, c, tt.user, tt.pass)
			})

			f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, proxyAddress(t, upLn, tt.user, tt.pass), true)
			if err != nil {
				t.Fatal(err)
			}

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lc := net.ListenConfig{}
	upLn, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		select {}
	}()

	f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, proxyAddress(t, upLn, "", ""), true)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatalf("expected error")
	}

	_ = upLn.Close()
	<-acceptDone
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := txsocks5.NewNegotiationRequestFrom(c); err != nil {
			return
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
			return
		}
		req, err := txsocks5.NewRequestFrom(c)
		if err != nil {
			return
		}
		if req.Cmd != txsocks5.CmdConnect {
			return
		}
		_, _ = txsocks5.NewReply(txsocks5.RepConnectionRefused, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
	})

	f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, proxyAddress(t, upLn, "", ""), true)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatalf("expected error")
	}

	var he *socks5.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("expected a handshake error, got %v", err)
	}
	if got := he.Reply(); got != socks5.ReplyConnectionRefused {
		t.Fatalf("expected reply %v, got %v", socks5.ReplyConnectionRefused, got)
	}

	waitUp()
}

func TestSOCKS5ProxyDialerRequiredWithoutProxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "socks5 proxy required but none is defined"; err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestSOCKS5ProxyDialerOptionalWithoutProxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
}

func TestSOCKS5ProxyDialerRejectsBearerCredential(t *testing.T) {
	_, err := NewSOCKS5ProxyDialer(Config{}, &ProxyAddress{
		Protocol:   "socks5",
		Authority:  socks5.Authority{Host: "127.0.0.1", Port: 1080},
		Credential: Credential{Token: "opaque"},
	}, true)
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "socks5 does not support bearer credentials"; err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestSOCKS5ProxyDialerRejectsForeignProtocol(t *testing.T) {
	_, err := NewSOCKS5ProxyDialer(Config{}, &ProxyAddress{
		Protocol:  "http",
		Authority: socks5.Authority{Host: "127.0.0.1", Port: 8080},
	}, true)
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := `socks5 proxy dialer cannot serve "http" upstreams`; err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestProxyAuthority(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		host     string
		resolved net.IP
		fail     bool
		want     string
		lookups  int
	}{
		{name: "socks5_resolves_domain", protocol: "socks5", host: "proxy.example", resolved: net.IPv4(127, 0, 0, 9), want: "127.0.0.9:1080", lookups: 1},
		{name: "socks5h_keeps_domain", protocol: "socks5h", host: "proxy.example", resolved: net.IPv4(127, 0, 0, 9), want: "proxy.example:1080"},
		{name: "socks5_keeps_literal", protocol: "socks5", host: "127.0.0.2", resolved: net.IPv4(127, 0, 0, 9), want: "127.0.0.2:1080"},
		{name: "socks5_keeps_domain_on_failure", protocol: "socks5", host: "proxy.example", fail: true, want: "proxy.example:1080", lookups: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &staticResolver{ip: tt.resolved}
			if tt.fail {
				res.err = errors.New("lookup failed")
			}

			f, err := NewSOCKS5ProxyDialer(Config{
				Resolve: resolver.Config{Resolver: res, Mode: resolver.ModeIPv4},
			}, &ProxyAddress{
				Protocol:  tt.protocol,
				Authority: socks5.Authority{Host: tt.host, Port: 1080},
			}, true)
			if err != nil {
				t.Fatal(err)
			}

			got := f.proxyAuthority(context.Background())
			if got.String() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if res.lookups != tt.lookups {
				t.Fatalf("expected %d lookups, got %d", tt.lookups, res.lookups)
			}
		})
	}
}

func proxyAddress(t *testing.T, ln net.Listener, user, pass string) *ProxyAddress {
	t.Helper()

	authority, err := socks5.ParseAuthority(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return &ProxyAddress{
		Protocol:   "socks5",
		Authority:  authority,
		Credential: Credential{Username: user, Password: pass},
	}
}

type staticResolver struct {
	ip      net.IP
	err     error
	lookups int
}

func (r *staticResolver) LookupIPv4(ctx context.Context, domain string) ([]net.IP, error) {
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	return []net.IP{r.ip}, nil
}

func (r *staticResolver) LookupIPv6(ctx context.Context, domain string) ([]net.IP, error) {
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	return []net.IP{r.ip}, nil
}

func handleSOCKS5Connect(ctx context.Context, c net.Conn, user, pass string) error {
	if _, err := txsocks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}

	if user == "" && pass == "" {
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
	} else {
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return err
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != user || string(urq.Passwd) != pass {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return nil
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = txsocks5.NewReply(txsocks5.RepCommandNotSupported, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = txsocks5.NewReply(txsocks5.RepHostUnreachable, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := txsocks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}
