package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgewire/internal/admin"
	"github.com/danmuck/edgewire/internal/config"
	"github.com/danmuck/edgewire/internal/logging"
	"github.com/danmuck/edgewire/internal/observability"
	"github.com/danmuck/edgewire/internal/packets"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	configPath  string
	addr        string
	destination string
	adminAddr   string
	logLevel    string
}

// resolve builds the node config for mode: defaults, then the config file,
// then any flag the user set explicitly.
func (o *options) resolve(cmd *cobra.Command, mode config.Mode) (config.NodeConfig, error) {
	cfg := config.Default(mode)
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.NodeConfig{}, err
		}
		cfg = loaded
		cfg.Mode = mode
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = o.addr
	}
	if flags.Changed("destination") {
		cfg.Destination = o.destination
	}
	if flags.Changed("admin-addr") {
		cfg.AdminAddr = o.adminAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return config.NodeConfig{}, err
	}
	return cfg, nil
}

func initLogger(cfg config.NodeConfig, instance string) {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	observability.InitLogger("edgewire-"+string(cfg.Mode), instance, level)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// startAdmin serves the admin surface in the background when configured.
func startAdmin(ctx context.Context, cfg config.NodeConfig, instance string, source admin.Source) {
	if cfg.AdminAddr == "" {
		return
	}
	srv := admin.New(instance, cfg.AdminAddr, string(cfg.Mode), source, cfg.CorsOrigins, admin.WithToken(cfg.AdminToken))
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Error().Err(err).Str("addr", cfg.AdminAddr).Msg("admin server failed")
		}
	}()
}

// demoExample is the packet the client and talker send.
func demoExample() *packets.Example {
	return &packets.Example{
		SomeShort:       128,
		SomeArray:       []uint32{1, 2, 3, 4, 5},
		SomeStringArray: []string{"Hello", "from", "client!"},
	}
}

func logExample(msg string, p *packets.Example) {
	log.Info().
		Uint16("some_short", p.SomeShort).
		Uints32("some_array", p.SomeArray).
		Strs("some_string_array", p.SomeStringArray).
		Msg(msg)
}
