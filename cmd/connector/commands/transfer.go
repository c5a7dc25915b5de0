package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/connector/pkg/connector"
	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/transfer"
)

func newTransferCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Inspect and control transfer processes",
		Long: `Inspect and control transfer processes in the store.

Commands write to the store only; a running "connector serve" instance
advances the affected processes.`,
	}

	cmd.AddCommand(newTransferRequestCommand(opts))
	cmd.AddCommand(newTransferGetCommand(opts))
	cmd.AddCommand(newTransferListCommand(opts))
	cmd.AddCommand(newTransferCancelCommand(opts))
	cmd.AddCommand(newTransferCompleteCommand(opts))
	cmd.AddCommand(newTransferFailCommand(opts))
	cmd.AddCommand(newTransferDeprovisionCommand(opts))
	cmd.AddCommand(newTransferEventsCommand(opts))

	return cmd
}

func newTransferRequestCommand(opts *options) *cobra.Command {
	var (
		requestID   string
		assetID     string
		contractID  string
		connectorID string
		counterPart string
		typ         string
		destType    string
		destProps   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Start a consumer transfer process",
		Example: `  # Pull an asset through an HTTP proxy
  connector transfer request --asset asset-1 --contract contract-1

  # Push into an SFTP staging directory
  connector transfer request --asset asset-1 --contract contract-1 \
    --type push --dest-type SFTP --dest-prop basePath=/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				requestID = uuid.New().String()
			}
			req := transfer.TransferRequest{
				ID:                  requestID,
				AssetID:             assetID,
				ContractID:          contractID,
				ConnectorID:         connectorID,
				CounterPartyAddress: counterPart,
				Type:                transfer.TransferType(strings.ToLower(typ)),
				Destination:         transfer.DataAddress{Type: destType, Properties: destProps},
			}
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				p, err := c.Manager.InitiateConsumerRequest(ctx, req)
				if err != nil {
					return err
				}
				return render(out, opts.output, p, processTable(p))
			})
		},
	}

	cmd.Flags().StringVar(&requestID, "id", "", "request ID (generated when empty)")
	cmd.Flags().StringVar(&assetID, "asset", "", "asset ID")
	cmd.Flags().StringVar(&contractID, "contract", "", "contract agreement ID")
	cmd.Flags().StringVar(&connectorID, "connector-id", "", "counterpart connector ID")
	cmd.Flags().StringVar(&counterPart, "counterparty-address", "", "counterpart protocol endpoint")
	cmd.Flags().StringVar(&typ, "type", string(transfer.TransferTypePull), "transfer type: push or pull")
	cmd.Flags().StringVar(&destType, "dest-type", transfer.AddressTypeHTTPProxy, "destination address type")
	cmd.Flags().StringToStringVar(&destProps, "dest-prop", nil, "destination property key=value (repeatable)")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("contract")

	return cmd
}

func newTransferGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <process-id>",
		Short: "Show a transfer process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				p, err := c.Manager.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return render(out, opts.output, p, processTable(p))
			})
		},
	}
}

func newTransferListCommand(opts *options) *cobra.Command {
	var (
		role   string
		states []string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfer processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.ListFilter{Role: transfer.Role(role), Limit: limit}
			for _, s := range states {
				st := transfer.State(strings.ToUpper(s))
				if err := st.Validate(); err != nil {
					return err
				}
				filter.States = append(filter.States, st)
			}
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				list, err := c.Manager.List(ctx, filter)
				if err != nil {
					return err
				}
				return render(out, opts.output, list, processTable(list...))
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "only consumer or provider processes")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only processes in these states")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of processes")

	return cmd
}

func newTransferCancelCommand(opts *options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <process-id>",
		Short: "Request cancellation of a transfer process",
		Long: `Request cancellation of a transfer process.

The request supersedes any pending retry. Resources already provisioned are
torn down before the process terminates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				p, err := c.Manager.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return render(out, opts.output, p, processTable(p))
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")
	return cmd
}

func newTransferCompleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <process-id>",
		Short: "Report that the data flow of a started transfer finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				p, err := c.Manager.Complete(ctx, args[0])
				if err != nil {
					return err
				}
				return render(out, opts.output, p, processTable(p))
			})
		},
	}
}

func newTransferFailCommand(opts *options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <process-id>",
		Short: "Report that the data flow of a transfer failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				p, err := c.Manager.Fail(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return render(out, opts.output, p, processTable(p))
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "data flow failed", "failure reason")
	return cmd
}

func newTransferDeprovisionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision <process-id>",
		Short: "Tear down the resources of a completed transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				p, err := c.Manager.RequestDeprovision(ctx, args[0])
				if err != nil {
					return err
				}
				return render(out, opts.output, p, processTable(p))
			})
		},
	}
}

func newTransferEventsCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <process-id>",
		Short: "Show the history of a transfer process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				events, err := c.Manager.Events(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if len(events) == 0 && opts.output == outputTable {
					fmt.Fprintln(out, "no events")
					return nil
				}
				return render(out, opts.output, events, eventTable(events))
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 for all)")
	return cmd
}
