package main

import (
	"fmt"

	"github.com/danmuck/edgewire/internal/config"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate config files",
	}

	var (
		mode   string
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template with every default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "" {
				tmpl, err := config.Template(mode)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), tmpl)
				return nil
			}
			if err := config.WriteTemplate(output, mode, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", mode, output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&mode, "mode", string(config.ModeServer), "server|client|listener|talker")
	initCmd.Flags().StringVarP(&output, "output", "o", "", "output path; empty prints to stdout")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", cfg.Mode, args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
