package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/connector/pkg/stores"
)

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the process store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := stores.Open(cmd.Context(), stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store %s is up to date\n", cfg.Store.Path)
			return nil
		},
	}
	return cmd
}
