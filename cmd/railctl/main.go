/*
railctl - Operator CLI for the settlement engine

PURPOSE:
  Inspects rails, asks for routing decisions, triggers reconciliation runs
  and resolves discrepancies against a running server.

AUTH:
  --secret signs an HS256 token for --tenant/--subject (server has
  auth.jwt_secret set). Without it the tenant travels in X-Tenant-ID.

EXAMPLES:
  railctl rails
  railctl route --amount 250 --currency USD --dest-currency BRL --country BR
  railctl reconcile --rail pix --from 2025-03-10T00:00:00Z --to 2025-03-11T00:00:00Z
  railctl discrepancies --status open --severity high
  railctl resolve 6f1c... --resolution "booked manually" --notes "ops ticket 4411"
*/
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/api"
)

var Version = "dev"

type globalFlags struct {
	server  string
	tenant  string
	secret  string
	subject string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "railctl",
		Short:         "railctl - settlement engine operator CLI",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("RAILCTL_SERVER", "http://localhost:8080"), "Engine base URL")
	root.PersistentFlags().StringVar(&g.tenant, "tenant", envOr("RAILCTL_TENANT", api.DefaultTenant), "Tenant ID")
	root.PersistentFlags().StringVar(&g.secret, "secret", os.Getenv("RAILCTL_SECRET"), "JWT signing secret")
	root.PersistentFlags().StringVar(&g.subject, "subject", envOr("USER", "railctl"), "Operator name carried in the token")

	root.AddCommand(railsCmd(g))
	root.AddCommand(routeCmd(g))
	root.AddCommand(reconcileCmd(g))
	root.AddCommand(discrepanciesCmd(g))
	root.AddCommand(resolveCmd(g))
	return root
}

func (g *globalFlags) client() (*client, error) {
	return newClient(g.server, g.tenant, g.secret, g.subject)
}

// =============================================================================
// COMMANDS
// =============================================================================

func railsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rails",
		Short: "List rails with capabilities and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodGet, "/api/rails", nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func routeCmd(g *globalFlags) *cobra.Command {
	var amount, currency, destCurrency, country, protocol string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Ask which rail a transfer would take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q", amount)
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodPost, "/api/settlement/route", nil, api.RouteRequest{
				Protocol: protocol,
				Amount:   amt,
				Currency: currency,
				Destination: api.DestinationDTO{
					Currency: destCurrency,
					Country:  country,
				},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "Source amount")
	cmd.Flags().StringVar(&currency, "currency", "USD", "Source currency")
	cmd.Flags().StringVar(&destCurrency, "dest-currency", "", "Destination currency")
	cmd.Flags().StringVar(&country, "country", "", "Destination country (ISO 3166-1 alpha-2)")
	cmd.Flags().StringVar(&protocol, "protocol", "cross_border", "Settlement protocol")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func reconcileCmd(g *globalFlags) *cobra.Command {
	var railID, from, to string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run reconciliation for one rail and window",
		Long: `Runs a synchronous reconciliation pass over [from, to).
Both bounds are RFC 3339. Defaults to the last 24 hours.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			start := end.Add(-24 * time.Hour)
			var err error
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodPost, "/api/reconciliation/run", nil, api.RunRequest{
				Rail:        railID,
				PeriodStart: start,
				PeriodEnd:   end,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&railID, "rail", "", "Rail to reconcile")
	cmd.Flags().StringVar(&from, "from", "", "Window start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "Window end (RFC 3339, exclusive)")
	_ = cmd.MarkFlagRequired("rail")
	return cmd
}

func discrepanciesCmd(g *globalFlags) *cobra.Command {
	var status, severity, railID string
	var limit int
	cmd := &cobra.Command{
		Use:   "discrepancies",
		Short: "List discrepancies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "status", status)
			setIf(q, "severity", severity)
			setIf(q, "rail", railID)
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodGet, "/api/reconciliation/discrepancies", q, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open or resolved")
	cmd.Flags().StringVar(&severity, "severity", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&railID, "rail", "", "Filter by rail")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results")
	return cmd
}

func resolveCmd(g *globalFlags) *cobra.Command {
	var resolution, notes string
	cmd := &cobra.Command{
		Use:   "resolve [discrepancy-id]",
		Short: "Resolve a discrepancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodPost,
				"/api/reconciliation/discrepancies/"+url.PathEscape(args[0])+"/resolve", nil,
				api.ResolveRequest{Resolution: resolution, Notes: notes, ResolvedBy: g.subject})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "What was done")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

// =============================================================================
// HELPERS
// =============================================================================

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
