package dialer

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/strait-net/strait/internal/resolver"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	Resolve            resolver.Config
	Logger             zerolog.Logger
}
