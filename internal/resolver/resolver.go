package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Resolver answers address lookups for a domain name.
type Resolver interface {
	LookupIPv4(ctx context.Context, domain string) ([]net.IP, error)
	LookupIPv6(ctx context.Context, domain string) ([]net.IP, error)
}

// Mode selects which address families a domain may resolve to and how the
// answer is chosen.
type Mode int

const (
	// ModeDual and ModeDualPreferIPv4 behave identically today: both race
	// the A and AAAA lookups and take whichever answers first.
	ModeDual Mode = iota
	ModeDualPreferIPv4
	ModeIPv4
	ModeIPv6
)

// ParseMode parses a --dns-mode flag value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "dual":
		return ModeDual, nil
	case "dual-prefer-ipv4":
		return ModeDualPreferIPv4, nil
	case "ipv4":
		return ModeIPv4, nil
	case "ipv6":
		return ModeIPv6, nil
	default:
		return 0, fmt.Errorf("invalid dns mode: %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeDual:
		return "dual"
	case ModeDualPreferIPv4:
		return "dual-prefer-ipv4"
	case ModeIPv4:
		return "ipv4"
	case ModeIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Config couples a Resolver with the resolution policy. The zero value
// resolves IP literals only; domain hosts then fail.
type Config struct {
	Resolver Resolver
	Mode     Mode
	Logger   zerolog.Logger
}

// ResolveAddr turns host into a single IP. Literals pass through without a
// lookup. Domains require a Resolver; single-family modes look up once and
// pick randomly among the answers, dual modes run both lookups and return
// the first answer to arrive. The losing lookup is not cancelled; it runs
// to completion and its answer is discarded.
func (c Config) ResolveAddr(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if c.Resolver == nil {
		return nil, errors.New("domain cannot be resolved: no dns resolver defined")
	}

	switch c.Mode {
	case ModeIPv4:
		return lookupPick(ctx, c.Resolver.LookupIPv4, host)
	case ModeIPv6:
		return lookupPick(ctx, c.Resolver.LookupIPv6, host)
	default:
		return c.resolveDual(ctx, host)
	}
}

func (c Config) resolveDual(ctx context.Context, host string) (net.IP, error) {
	lookups := []struct {
		family string
		fn     func(context.Context, string) ([]net.IP, error)
	}{
		{"ipv4", c.Resolver.LookupIPv4},
		{"ipv6", c.Resolver.LookupIPv6},
	}

	results := make(chan net.IP, len(lookups))
	var wg sync.WaitGroup
	for _, l := range lookups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := lookupPick(ctx, l.fn, host)
			if err != nil {
				c.Logger.Debug().Err(err).Str("domain", host).Str("family", l.family).
					Msg("dns lookup failed")
				return
			}
			results <- ip
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	ip, ok := <-results
	if !ok {
		return nil, fmt.Errorf("resolve %q: no lookup succeeded", host)
	}
	return ip, nil
}

func lookupPick(ctx context.Context, lookup func(context.Context, string) ([]net.IP, error), host string) (net.IP, error) {
	ips, err := lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %q: empty answer", host)
	}
	return ips[rand.IntN(len(ips))], nil
}
