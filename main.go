package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/strait-net/strait/internal/conn"
	"github.com/strait-net/strait/internal/dialer"
	"github.com/strait-net/strait/internal/proxy"
	"github.com/strait-net/strait/internal/resolver"
	"github.com/strait-net/strait/internal/socks5"
	"github.com/strait-net/strait/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen  = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
		tproxyListen = pflag.String("tproxy-listen", "", "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | socks5://[user:pass@]host:port | socks5h://[user:pass@]host:port")
		auth     = pflag.String("auth", "", "Require username/password authentication from SOCKS5 clients (user:pass). Empty allows anonymous clients.")

		udpEnabled   = pflag.Bool("udp", false, "Enable the SOCKS5 UDP ASSOCIATE command")
		udpBind      = pflag.String("udp-bind", "", "Host to bind UDP relay sockets on. Empty uses the interface the client connected to.")
		udpBuffer    = pflag.Int("udp-buffer", proxy.DefaultUDPBufferSize, "Datagram buffer size in bytes, per relay direction")
		relayTimeout = pflag.Duration("relay-timeout", 0, "Tear down UDP relay sessions after this long. 0 keeps them until the control connection closes.")

		dnsServer   = pflag.String("dns-server", "", "DNS server (host[:port]) for resolving proxied destinations. Empty uses the system resolver.")
		dnsMode     = pflag.String("dns-mode", "dual", "Address family policy for DNS answers: dual | dual-prefer-ipv4 | ipv4 | ipv6")
		dnsCacheTTL = pflag.Duration("dns-cache-ttl", 5*time.Minute, "How long to cache DNS answers. 0 disables the cache.")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection and per-datagram debug logging")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger := newLogger(*verbose)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	serverAuth, err := parseAuth(*auth)
	if err != nil {
		return fmt.Errorf("invalid --auth: %w", err)
	}

	dnsPolicy, err := resolver.ParseMode(*dnsMode)
	if err != nil {
		return fmt.Errorf("invalid --dns-mode: %w", err)
	}

	if *socksListen == "" && *tproxyListen == "" {
		return errors.New("no listeners enabled (set at least one of --socks5-listen, --tproxy-listen)")
	}

	resolve := resolver.Config{
		Resolver: newResolver(*dnsServer, *dialTimeout, *dnsCacheTTL),
		Mode:     dnsPolicy,
		Logger:   logger,
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		Auth:               serverAuth,
		Logger:             logger,
		UDP: proxy.UDPConfig{
			Enabled:         *udpEnabled,
			BindHost:        *udpBind,
			NorthBufferSize: *udpBuffer,
			SouthBufferSize: *udpBuffer,
			RelayTimeout:    *relayTimeout,
			Resolve:         resolve,
		},
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
		Resolve:            resolve,
		Logger:             logger,
	}

	cfg.Dialer, err = dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	if *socksListen != "" {
		ln, err := conn.ListenTCP("tcp", *socksListen, cfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(cfg)
		context.AfterFunc(ctx, func() {
			_ = s5.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ctx, ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})

		logger.Info().Str("addr", *socksListen).Bool("udp", *udpEnabled).Msg("socks5 proxy listening")
	}

	if *tproxyListen != "" {
		ln, err := tproxy.ListenTransparentTCP(*tproxyListen, cfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		tsrv := tproxy.NewServer(cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := tsrv.Serve(ctx, ln); err != nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *tproxyListen).Msg("tproxy listening")
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	logger.Info().Msg("shutting down")
	return err
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.TraceLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// newResolver builds the destination resolver: a wire-format DNS client when
// a server is given, the OS resolver otherwise, either one behind a TTL cache
// when caching is enabled.
func newResolver(server string, timeout, cacheTTL time.Duration) resolver.Resolver {
	var r resolver.Resolver
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r = resolver.NewDNS(server, timeout)
	} else {
		r = &resolver.System{}
	}
	if cacheTTL > 0 {
		r = resolver.NewCached(r, cacheTTL)
	}
	return r
}

func parseAuth(s string) (socks5.Auth, error) {
	if s == "" {
		return socks5.Auth{}, nil
	}
	user, pass, ok := strings.Cut(s, ":")
	if !ok {
		return socks5.Auth{}, errors.New("expected user:pass")
	}
	if user == "" {
		return socks5.Auth{}, errors.New("username must not be empty")
	}
	return socks5.Auth{Username: user, Password: pass}, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
