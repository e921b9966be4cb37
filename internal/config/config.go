package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgewire/internal/logging"
	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/transport"
)

// Mode selects which transport front end a node runs.
type Mode string

const (
	ModeServer   Mode = "server"
	ModeClient   Mode = "client"
	ModeListener Mode = "listener"
	ModeTalker   Mode = "talker"
)

var modes = []Mode{ModeServer, ModeClient, ModeListener, ModeTalker}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode: %q", s)
}

// Listens reports whether the mode binds addr rather than dialing destination.
func (m Mode) Listens() bool {
	return m == ModeServer || m == ModeListener
}

const (
	DefaultAddr        = ":1337"
	DefaultDestination = "127.0.0.1:1337"
)

// NodeConfig is the resolved configuration of one edgewire process.
type NodeConfig struct {
	Mode        Mode
	Addr        string
	Destination string
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	LogLevel    string
	Transport   transport.Config
}

func Default(mode Mode) NodeConfig {
	return NodeConfig{
		Mode:        mode,
		Addr:        DefaultAddr,
		Destination: DefaultDestination,
		CorsOrigins: []string{"http://localhost:3000"},
		LogLevel:    "info",
		Transport:   transport.DefaultConfig(),
	}
}

// fileConfig mirrors the TOML layout. Durations are Go duration strings.
type fileConfig struct {
	Mode              string   `toml:"mode"`
	Addr              string   `toml:"addr"`
	Destination       string   `toml:"destination"`
	AdminAddr         string   `toml:"admin_addr"`
	AdminToken        string   `toml:"admin_token"`
	CorsOrigins       []string `toml:"cors_origins"`
	LogLevel          string   `toml:"log_level"`
	PollInterval      string   `toml:"poll_interval"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	HandshakeTimeout  string   `toml:"handshake_timeout"`
	WriteTimeout      string   `toml:"write_timeout"`
	ConnectTimeout    string   `toml:"connect_timeout"`
	DeadAfter         string   `toml:"dead_after"`
	ReadBufferSize    int      `toml:"read_buffer_size"`
	MaxFrameBytes     uint32   `toml:"max_frame_bytes"`
	ReconnectInitial  string   `toml:"reconnect_initial"`
	ReconnectMax      string   `toml:"reconnect_max"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
}

// Load decodes path and overlays every key it defines onto the defaults
// of its mode. A file without mode defaults to server.
func Load(path string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	mode := ModeServer
	if meta.IsDefined("mode") {
		if mode, err = ParseMode(raw.Mode); err != nil {
			return NodeConfig{}, fmt.Errorf("load config: %w", err)
		}
	}
	cfg := Default(mode)

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("destination") {
		cfg.Destination = strings.TrimSpace(raw.Destination)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &cfg.Transport.PollInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Transport.HeartbeatInterval},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Transport.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Transport.WriteTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Transport.ConnectTimeout},
		{"dead_after", raw.DeadAfter, &cfg.Transport.DeadAfter},
		{"reconnect_initial", raw.ReconnectInitial, &cfg.Transport.Backoff.InitialDelay},
		{"reconnect_max", raw.ReconnectMax, &cfg.Transport.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return NodeConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("read_buffer_size") {
		cfg.Transport.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Transport.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("reconnect_attempts") {
		cfg.Transport.Backoff.MaxAttempts = raw.ReconnectAttempts
	}

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg NodeConfig) error {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return err
	}
	if cfg.Mode.Listens() {
		if strings.TrimSpace(cfg.Addr) == "" {
			return fmt.Errorf("%s config missing addr", cfg.Mode)
		}
	} else {
		if strings.TrimSpace(cfg.Destination) == "" {
			return fmt.Errorf("%s config missing destination", cfg.Mode)
		}
		if _, _, err := net.SplitHostPort(cfg.Destination); err != nil {
			return fmt.Errorf("%s config destination invalid: %w", cfg.Mode, err)
		}
	}
	if cfg.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.AdminAddr); err != nil {
			return fmt.Errorf("admin_addr invalid: %w", err)
		}
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("log_level invalid: %q", cfg.LogLevel)
	}

	t := cfg.Transport
	for name, d := range map[string]time.Duration{
		"handshake_timeout": t.HandshakeTimeout,
		"write_timeout":     t.WriteTimeout,
		"dead_after":        t.DeadAfter,
		"poll_interval":     t.PollInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if t.ReadBufferSize < 0 {
		return fmt.Errorf("read_buffer_size must not be negative")
	}
	if t.Limits.MaxFrameBytes != 0 && t.Limits.MaxFrameBytes < frame.HeaderLen {
		return fmt.Errorf("max_frame_bytes must cover the frame header")
	}
	if t.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
