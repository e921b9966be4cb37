package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:   "edgewire",
		Short: "Framed packet transport over TCP and UDP",
		Long: `edgewire runs one transport front end.

  server    accept TCP clients and answer Example packets
  client    connect, send one Example and disconnect on the reply
  listener  receive Example packets over UDP
  talker    send Example packets over UDP`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&opts.addr, "addr", "", "listen address (server, listener)")
	flags.StringVar(&opts.destination, "destination", "", "remote address (client, talker)")
	flags.StringVar(&opts.adminAddr, "admin-addr", "", "admin HTTP address; empty disables it")
	flags.StringVar(&opts.logLevel, "log-level", "", "trace|debug|info|warn|error")

	root.AddCommand(
		serverCmd(opts),
		clientCmd(opts),
		listenerCmd(opts),
		talkerCmd(opts),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgewire: %v\n", err)
		os.Exit(1)
	}
}
