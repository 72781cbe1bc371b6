package main

import (
	"fmt"
	"io"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/tangzhangming/tierjit/internal/jit"
)

// rootOptions 全局参数
type rootOptions struct {
	ConfigPath string
	Format     string // text | json
	LogLevel   string
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "jitbench",
		Short: "Benchmark and inspect the tiered JIT",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.toml, .yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level")

	cmd.AddCommand(newBenchCommand(opts))
	cmd.AddCommand(newAllocCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// loadConfig 读取配置文件，没有指定时使用默认值
func (o *rootOptions) loadConfig() (jit.Config, error) {
	cfg := jit.DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = jit.LoadConfig(o.ConfigPath); err != nil {
			return jit.Config{}, err
		}
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, cfg.Validate()
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
