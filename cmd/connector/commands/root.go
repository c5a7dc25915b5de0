package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/connector/pkg/config"
	"github.com/openfroyo/connector/pkg/connector"
)

// options are the global flags.
type options struct {
	configPath string
	envFile    string
	verbose    bool
	output     string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Dataspace connector transfer core",
		Long: `connector runs the transfer process manager of a dataspace connector.

It drives consumer and provider transfer processes through their lifecycle:
  - policy-gated resource manifest generation
  - provisioning and deprovisioning of transfer resources
  - request dispatch and data flow start
  - retries, cancellation and teardown after partial failures`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unknown output format %q", opts.output)
			}
			if opts.verbose {
				log.Logger = log.Logger.Level(zerolog.DebugLevel)
			}
			return config.LoadDotEnv(opts.envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (CUE or JSON)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with CONNECTOR_* overrides")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "output format: table, json or yaml")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newTransferCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))

	return rootCmd
}

// loadConfig reads the configuration, raising the log level when verbose.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// open assembles a connector without starting it.
func (o *options) open(ctx context.Context) (*connector.Connector, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := connector.Assemble(ctx, cfg, connector.Options{})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("store", cfg.Store.Path).Msg("connector assembled")
	return c, nil
}

// withConnector runs fn against an assembled connector and closes it afterwards.
func (o *options) withConnector(cmd *cobra.Command, fn func(ctx context.Context, c *connector.Connector, out io.Writer) error) error {
	ctx := cmd.Context()
	c, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to close connector")
		}
	}()
	return fn(ctx, c, cmd.OutOrStdout())
}
