package transport

import (
	"time"

	"github.com/danmuck/edgewire/internal/protocol/frame"
)

// Config tunes every front end. Zero timeouts disable the matching deadline.
type Config struct {
	// PollInterval bounds how long the dispatch engine sleeps between passes.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the accept-side handshake round trip.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ConnectTimeout   time.Duration
	// DeadAfter drops a client whose server has been silent this long.
	DeadAfter      time.Duration
	ReadBufferSize int
	Limits         frame.Limits
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		ConnectTimeout:    5 * time.Second,
		DeadAfter:         15 * time.Second,
		ReadBufferSize:    4096,
		Limits:            frame.DefaultLimits(),
		Backoff:           DefaultBackoff(),
	}
}

// WithDefaults fills fields that have no meaningful zero value.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}
