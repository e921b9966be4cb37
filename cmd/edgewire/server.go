package main

import (
	"github.com/danmuck/edgewire/internal/config"
	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/danmuck/edgewire/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serverCmd(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept TCP clients and answer Example packets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd, config.ModeServer)
			if err != nil {
				return err
			}
			srv := transport.NewServer(cfg.Transport)
			initLogger(cfg, srv.Instance())

			stopped := make(chan struct{})
			registerDemoServer(srv, once)
			_ = srv.RegisterStopCallback(func(*transport.Server) {
				log.Info().Msg("server has been stopped")
				close(stopped)
			})
			if err := srv.Start(cfg.Addr); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			startAdmin(ctx, cfg, srv.Instance(), srv)

			select {
			case <-ctx.Done():
			case <-stopped:
			}
			srv.Close()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", true, "stop the server after the first client disconnects")
	return cmd
}

// registerDemoServer wires the example handlers. With once set, the first
// client to leave stops the server.
func registerDemoServer(srv *transport.Server, once bool) {
	_ = srv.RegisterCallback(answerExample)
	_ = srv.RegisterConnectCallback(func(_ *transport.Server, h transport.Handle) {
		log.Info().Stringer("handle", h).Msg("client has connected")
	})
	_ = srv.RegisterDisconnectCallback(func(s *transport.Server, h transport.Handle) {
		log.Info().Stringer("handle", h).Msg("client has disconnected")
		if once {
			s.Stop()
		}
	})
}

// answerExample replies to every Example with the server's greeting.
func answerExample(s *transport.Server, from transport.Handle, id uint16, r *payload.Buffer) {
	if id != packets.IDExample {
		log.Debug().Stringer("handle", from).Uint16("id", id).Msg("unknown packet id")
		return
	}
	p, err := packets.ReadExample(r)
	if err != nil {
		log.Warn().Stringer("handle", from).Err(err).Msg("bad example packet")
		return
	}
	logExample("example received", p)

	p.SomeStringArray = []string{"Hello", "from", "server!"}
	if err := s.SendPacket(from, p); err != nil {
		log.Warn().Stringer("handle", from).Err(err).Msg("answer failed")
	}
}
