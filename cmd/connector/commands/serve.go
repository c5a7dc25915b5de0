package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/connector/pkg/connector"
	"github.com/openfroyo/connector/pkg/stores"
)

func newServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer process manager",
		Long: `Run the transfer process manager until interrupted.

The manager leases processes from the store, advances them through their
state machine and runs the housekeeping sweeper. Several instances may share
one store; leases keep them from advancing the same process.`,
		Example: `  # Run with a configuration file
  connector serve --config connector.cue

  # Override the worker count from the environment
  CONNECTOR_MANAGER_WORKERS=16 connector serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(context.Background()); err != nil {
					log.Warn().Err(err).Msg("failed to close connector")
				}
			}()

			if err := c.Start(ctx); err != nil {
				return err
			}
			logSummary(ctx, c)

			<-ctx.Done()
			log.Info().Msg("shutting down")
			c.Stop()
			return nil
		},
	}
	return cmd
}

func logSummary(ctx context.Context, c *connector.Connector) {
	active, err := c.Manager.List(ctx, stores.ListFilter{})
	if err != nil {
		return
	}
	var open int
	for _, p := range active {
		if !p.State.IsTerminal() {
			open++
		}
	}
	log.Info().
		Str("participant_id", c.Config.Connector.ParticipantID).
		Int("assets", len(c.Catalog.Assets())).
		Int("open_processes", open).
		Msg("connector serving")
}
