package main

import (
	"net"
	"time"

	"github.com/danmuck/edgewire/internal/config"
	"github.com/danmuck/edgewire/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func talkerCmd(opts *options) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "talker",
		Short: "Send Example packets over UDP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd, config.ModeTalker)
			if err != nil {
				return err
			}
			t := transport.NewTalker(cfg.Transport)
			initLogger(cfg, t.Instance())
			defer t.Close()

			host, port, err := net.SplitHostPort(cfg.Destination)
			if err != nil {
				return err
			}
			if err := t.SetDestination(host, port); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			for i := 0; count <= 0 || i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
				if err := t.SendPacket(demoExample()); err != nil {
					return err
				}
				log.Info().Int("seq", i).Str("destination", cfg.Destination).Msg("example sent")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "packets to send; 0 sends until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between packets")
	return cmd
}
