package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/internal/config"
	dserrors "github.com/systmms/dbcreds/internal/errors"
)

// NewStaticCommand creates the static credential command group
func NewStaticCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "static",
		Short: "Inspect and rotate the static credential",
		Long: `Manage the static credential whose password the backend rotates on a
schedule.`,
	}

	cmd.AddCommand(
		newStaticInfoCmd(cfg),
		newStaticRotateCmd(cfg),
		newStaticHistoryCmd(cfg),
	)

	return cmd
}

func newStaticInfoCmd(cfg *config.Config) *cobra.Command {
	var (
		reveal bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the static credential and its rotation schedule",
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

			view, err := rt.Broker.StaticCredential(ctx, reveal)
			if err != nil {
				return dserrors.SimplifyError(err)
			}

			out := cmd.OutOrStdout()
			if done, err := writeStructured(out, format, view); done || err != nil {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "Role:\t%s\n", view.Role)
			fmt.Fprintf(w, "Username:\t%s\n", view.Username)
			fmt.Fprintf(w, "Password:\t%s\n", view.Password)
			fmt.Fprintf(w, "Last rotated:\t%s\n", formatTimestamp(view.LastRotated, now))
			fmt.Fprintf(w, "Rotation period:\t%s\n", view.RotationPeriod)
			fmt.Fprintf(w, "Next rotation:\t%s\n", formatTimestamp(view.NextRotation, now))
			if view.IsExpired {
				fmt.Fprintf(w, "Status:\t%s\n", "🟡 Rotation overdue")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show the password in full")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func newStaticRotateCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the static credential now",
		Long: `Ask the backend to rotate the static credential immediately.

The cached credential is dropped and the new one fetched. The outcome is
recorded in the rotation history.`,
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

			outcome, err := rt.Broker.RotateStatic(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if done, err := writeStructured(out, format, outcome); done || err != nil {
				if err == nil && !outcome.Success {
					return dserrors.SimplifyError(outcome.Err)
				}
				return err
			}

			if !outcome.Success {
				fmt.Fprintf(out, "%s  %s\n", formatResult(false), outcome.Error)
				return dserrors.SimplifyError(outcome.Err)
			}
			fmt.Fprintf(out, "%s  rotated credential for %s at %s\n",
				formatResult(true), outcome.Username, outcome.RotatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func newStaticHistoryCmd(cfg *config.Config) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past rotations of the static credential",
		Example: `  # Last 10 rotations
  dbcreds static history --limit 10`,
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

			entries, err := rt.Broker.RotationHistory(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if done, err := writeStructured(out, format, entries); done || err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "No rotation history")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ID\tWHEN\tUSERNAME\tRESULT")
			fmt.Fprintln(w, "--\t----\t--------\t------")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(e.ID), formatTimestamp(e.RotatedAt, now), e.Username, formatResult(e.Success))
				if e.Error != "" {
					fmt.Fprintf(w, "  └─ Error: %s\n", e.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries (0 for all)")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
