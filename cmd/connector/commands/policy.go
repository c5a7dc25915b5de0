package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/connector/pkg/connector"
	"github.com/openfroyo/connector/pkg/policy"
)

func newPolicyCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Evaluate contract policies",
	}
	cmd.AddCommand(newPolicyEvalCommand(opts))
	cmd.AddCommand(newPolicyModulesCommand(opts))
	return cmd
}

func newPolicyEvalCommand(opts *options) *cobra.Command {
	var (
		scope        string
		counterParty string
		at           string
		attrs        map[string]string
	)

	cmd := &cobra.Command{
		Use:   "eval <contract-id>",
		Short: "Evaluate the policy of a contract agreement",
		Example: `  # Would the provider accept a request under contract-1 right now?
  connector policy eval contract-1 --scope provider

  # Evaluate at a given time with a request attribute
  connector policy eval contract-1 --at 2026-01-01T00:00:00Z --attr purpose=research`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, err := policyScope(scope)
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				agreement, err := c.Catalog.FindAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				party := counterParty
				if party == "" {
					party = agreement.ConsumerID
					if scopeName == policy.ScopeConsumerProvisioning {
						party = agreement.ProviderID
					}
				}
				result, err := c.Policies.Evaluate(ctx, scopeName, agreement.Policy, policy.EvaluationContext{
					Now:               now,
					AgreementSignedAt: agreement.SignedAt,
					ParticipantID:     c.Config.Connector.ParticipantID,
					CounterPartyID:    party,
					Attributes:        attrs,
				})
				if err != nil {
					return err
				}
				return render(out, opts.output, result, func(w io.Writer) error {
					verdict := "ALLOWED"
					if !result.Allowed {
						verdict = "DENIED"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", args[0], result.Scope, verdict)
					for _, v := range result.Violations {
						fmt.Fprintf(w, "  %s\t%s\t%s\n", v.Module, v.Severity, v.Message)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "provider", "evaluation scope: consumer or provider")
	cmd.Flags().StringVar(&counterParty, "counterparty", "", "counterparty ID (defaults to the agreement's)")
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC 3339)")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "request attribute key=value (repeatable)")

	return cmd
}

func newPolicyModulesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List loaded policy modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnector(cmd, func(ctx context.Context, c *connector.Connector, out io.Writer) error {
				modules := c.Policies.ListModules()
				return render(out, opts.output, modules, func(w io.Writer) error {
					fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSCOPES")
					for _, m := range modules {
						fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", m.Name, m.Severity, m.Enabled, dash(strings.Join(m.Scopes, ",")))
					}
					return nil
				})
			})
		},
	}
}

func policyScope(name string) (string, error) {
	switch strings.ToLower(name) {
	case "consumer", policy.ScopeConsumerProvisioning:
		return policy.ScopeConsumerProvisioning, nil
	case "provider", policy.ScopeProviderTransfer:
		return policy.ScopeProviderTransfer, nil
	default:
		return "", fmt.Errorf("unknown scope %q", name)
	}
}
