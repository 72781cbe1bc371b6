package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tangzhangming/tierjit/internal/jit"
)

func newConfigCommand(rootOpts *rootOptions) *cobra.Command {
	var as string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if as == "json" || (as == "" && rootOpts.Format == "json") {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			format := jit.FormatTOML
			if as != "" {
				format = jit.Format(as)
			}
			data, err := cfg.Marshal(format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "toml | yaml | json (default toml)")
	return cmd
}
