package main

import (
	"github.com/danmuck/edgewire/internal/config"
	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/danmuck/edgewire/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func clientCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Send one Example to a server and disconnect on the reply",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd, config.ModeClient)
			if err != nil {
				return err
			}
			c := transport.NewClient(cfg.Transport)
			initLogger(cfg, c.Instance())

			done := make(chan struct{})
			_ = c.RegisterCallback(func(c *transport.Client, id uint16, r *payload.Buffer) {
				if id != packets.IDExample {
					return
				}
				p, err := packets.ReadExample(r)
				if err != nil {
					log.Warn().Err(err).Msg("bad example reply")
					return
				}
				logExample("reply received", p)
				c.Disconnect()
			})
			_ = c.RegisterDisconnectCallback(func(*transport.Client) { close(done) })

			ctx, stop := signalContext(cmd)
			defer stop()
			if err := c.ConnectWithRetry(ctx, cfg.Destination); err != nil {
				return err
			}
			startAdmin(ctx, cfg, c.Instance(), c)

			if err := c.SendPacket(demoExample()); err != nil {
				c.Close()
				return err
			}
			select {
			case <-ctx.Done():
			case <-done:
			}
			c.Close()
			return nil
		},
	}
}
