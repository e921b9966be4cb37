package main

import (
	"github.com/danmuck/edgewire/internal/config"
	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/danmuck/edgewire/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func listenerCmd(opts *options) *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Receive Example packets over UDP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd, config.ModeListener)
			if err != nil {
				return err
			}
			l := transport.NewListener(cfg.Transport)
			initLogger(cfg, l.Instance())

			_ = l.RegisterCallback(func(l *transport.Listener, from transport.Handle, id uint16, r *payload.Buffer) {
				if id != packets.IDExample {
					return
				}
				p, err := packets.ReadExample(r)
				if err != nil {
					log.Warn().Err(err).Msg("bad example packet")
					return
				}
				logExample("example received", p)
				if !echo {
					return
				}
				if err := l.SendPacket(from, p); err != nil {
					log.Warn().Err(err).Msg("echo failed")
				}
			})
			if err := l.Start(cfg.Addr); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			startAdmin(ctx, cfg, l.Instance(), l)
			<-ctx.Done()
			l.Close()
			return nil
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "send each Example back to the last peer")
	return cmd
}
