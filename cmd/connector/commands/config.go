package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/connector/pkg/config"
)

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and show configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(opts))
	cmd.AddCommand(newConfigShowCommand(opts))
	return cmd
}

func newConfigValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a configuration document against the schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) > 0 {
				path = args[0]
			}
			out := cmd.OutOrStdout()

			_, err := config.Load(path)
			var le *config.LoadError
			if errors.As(err, &le) {
				for _, v := range le.Errors {
					fmt.Fprintln(out, v)
				}
				return fmt.Errorf("%d schema violations", len(le.Errors))
			}
			if err != nil {
				return err
			}
			if path == "" {
				path = "defaults"
			}
			fmt.Fprintf(out, "%s: ok\n", path)
			return nil
		},
	}
}

func newConfigShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			for k := range cfg.Secrets {
				cfg.Secrets[k] = "<redacted>"
			}
			format := opts.output
			if format == outputTable {
				format = outputYAML
			}
			return render(cmd.OutOrStdout(), format, cfg, func(io.Writer) error { return nil })
		},
	}
}
