package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/internal/broker"
	"github.com/systmms/dbcreds/internal/config"
)

// NewHealthCommand creates the health command
func NewHealthCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check secret backend and database reachability",
		Long: `Check that the secret backend is reachable and unsealed, and that a
resolved credential can log in to the database.

Exits non-zero when any component is unhealthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			report := rt.Broker.CheckHealth(ctx)

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, format, report)
			if err != nil {
				return err
			}
			if !done {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "COMPONENT\tSTATUS\tLATENCY\tDETAIL")
				fmt.Fprintln(w, "---------\t------\t-------\t------")
				for _, c := range []broker.ComponentHealth{report.Backend, report.Database} {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, healthStatus(c.Healthy), c.Latency.Round(time.Millisecond), c.Detail)
				}
				_ = w.Flush()
				fmt.Fprintf(out, "\nDatabase: %s (%s credentials)\n", rt.Target.Describe(), report.Class)
			}

			if !report.Healthy {
				return errors.New("one or more components are unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func healthStatus(ok bool) string {
	if ok {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
