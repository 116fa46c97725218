package resolver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeResolver struct {
	v4, v6           []net.IP
	v4Err, v6Err     error
	v4Delay, v6Delay time.Duration
	v4Calls, v6Calls atomic.Int32
}

func (f *fakeResolver) LookupIPv4(ctx context.Context, domain string) ([]net.IP, error) {
	f.v4Calls.Add(1)
	time.Sleep(f.v4Delay)
	return f.v4, f.v4Err
}

func (f *fakeResolver) LookupIPv6(ctx context.Context, domain string) ([]net.IP, error) {
	f.v6Calls.Add(1)
	time.Sleep(f.v6Delay)
	return f.v6, f.v6Err
}

func TestResolveAddrLiteral(t *testing.T) {
	// No resolver configured: literals must still pass through.
	cfg := Config{Logger: zerolog.Nop()}

	ip, err := cfg.ResolveAddr(context.Background(), "192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "192.0.2.1" {
		t.Fatalf("ip = %v, want 192.0.2.1", ip)
	}

	ip, err = cfg.ResolveAddr(context.Background(), "2001:db8::1")
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "2001:db8::1" {
		t.Fatalf("ip = %v, want 2001:db8::1", ip)
	}
}

func TestResolveAddrDomainWithoutResolver(t *testing.T) {
	cfg := Config{Logger: zerolog.Nop()}
	if _, err := cfg.ResolveAddr(context.Background(), "example.com"); err == nil {
		t.Fatal("expected error for domain without resolver")
	}
}

func TestResolveAddrSingleModes(t *testing.T) {
	fake := &fakeResolver{
		v4: []net.IP{net.ParseIP("192.0.2.4")},
		v6: []net.IP{net.ParseIP("2001:db8::6")},
	}

	tests := []struct {
		name string
		mode Mode
		want string
	}{
		{name: "ipv4", mode: ModeIPv4, want: "192.0.2.4"},
		{name: "ipv6", mode: ModeIPv6, want: "2001:db8::6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Resolver: fake, Mode: tt.mode, Logger: zerolog.Nop()}
			ip, err := cfg.ResolveAddr(context.Background(), "example.com")
			if err != nil {
				t.Fatal(err)
			}
			if ip.String() != tt.want {
				t.Fatalf("ip = %v, want %s", ip, tt.want)
			}
		})
	}
}

func TestResolveAddrSingleModeEmptyAnswer(t *testing.T) {
	fake := &fakeResolver{}
	cfg := Config{Resolver: fake, Mode: ModeIPv4, Logger: zerolog.Nop()}
	if _, err := cfg.ResolveAddr(context.Background(), "example.com"); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestResolveAddrDualFirstWins(t *testing.T) {
	tests := []struct {
		name             string
		v4Delay, v6Delay time.Duration
		want             string
	}{
		{name: "ipv6_faster", v4Delay: 300 * time.Millisecond, want: "2001:db8::6"},
		{name: "ipv4_faster", v6Delay: 300 * time.Millisecond, want: "192.0.2.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeResolver{
				v4:      []net.IP{net.ParseIP("192.0.2.4")},
				v6:      []net.IP{net.ParseIP("2001:db8::6")},
				v4Delay: tt.v4Delay,
				v6Delay: tt.v6Delay,
			}
			for _, mode := range []Mode{ModeDual, ModeDualPreferIPv4} {
				cfg := Config{Resolver: fake, Mode: mode, Logger: zerolog.Nop()}
				ip, err := cfg.ResolveAddr(context.Background(), "example.com")
				if err != nil {
					t.Fatal(err)
				}
				if ip.String() != tt.want {
					t.Fatalf("mode %v: ip = %v, want %s", mode, ip, tt.want)
				}
			}
		})
	}
}

func TestResolveAddrDualOneFamilyFails(t *testing.T) {
	fake := &fakeResolver{
		v4Err:   errors.New("no A records"),
		v6:      []net.IP{net.ParseIP("2001:db8::6")},
		v6Delay: 50 * time.Millisecond,
	}
	cfg := Config{Resolver: fake, Logger: zerolog.Nop()}

	ip, err := cfg.ResolveAddr(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "2001:db8::6" {
		t.Fatalf("ip = %v, want 2001:db8::6", ip)
	}
}

func TestResolveAddrDualBothFail(t *testing.T) {
	fake := &fakeResolver{
		v4Err: errors.New("no A records"),
		v6Err: errors.New("no AAAA records"),
	}
	cfg := Config{Resolver: fake, Logger: zerolog.Nop()}

	if _, err := cfg.ResolveAddr(context.Background(), "example.com"); err == nil {
		t.Fatal("expected error when both lookups fail")
	}
	if got := fake.v4Calls.Load() + fake.v6Calls.Load(); got != 2 {
		t.Fatalf("lookup calls = %d, want 2", got)
	}
}
