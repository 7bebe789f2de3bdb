package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/internal/broker"
	"github.com/systmms/dbcreds/internal/config"
	dserrors "github.com/systmms/dbcreds/internal/errors"
)

// NewLeaseCommand creates the lease command group
func NewLeaseCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect, renew and revoke dynamic credential leases",
		Long: `Manage leases of dynamic database credentials.

Leases are tracked by the process that minted them. The list and
revoke-all commands resolve a credential first, so they act on the lease
this invocation is using; a long-running 'dbcreds serve' tracks every lease
it mints and can revoke them all on exit with --revoke-on-exit.

Renew and revoke take any lease id known to the backend.`,
	}

	cmd.AddCommand(
		newLeaseListCmd(cfg),
		newLeaseRenewCmd(cfg),
		newLeaseRevokeCmd(cfg),
		newLeaseRevokeAllCmd(cfg),
	)

	return cmd
}

func newLeaseListCmd(cfg *config.Config) *cobra.Command {
	var (
		reveal bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active leases",
		Example: `  # Show leases with masked passwords
  dbcreds lease list

  # Machine readable output
  dbcreds lease list --format json`,
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

			if rt.Broker.Dynamic != nil && rt.Broker.Resolver.Source().Class() == broker.ClassDynamic {
				if _, err := rt.Broker.GetConnectionString(ctx); err != nil {
					return dserrors.SimplifyError(err)
				}
			}

			leases, err := rt.Broker.ListActiveLeases(reveal)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if done, err := writeStructured(out, format, leases); done || err != nil {
				return err
			}

			if len(leases) == 0 {
				fmt.Fprintln(out, "No active leases")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			defer w.Flush()

			now := time.Now()
			fmt.Fprintln(w, "LEASE ID\tUSERNAME\tPASSWORD\tEXPIRES\tREMAINING\tCURRENT")
			fmt.Fprintln(w, "--------\t--------\t--------\t-------\t---------\t-------")
			for _, l := range leases {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					l.LeaseID,
					l.Username,
					l.Password,
					formatTimestamp(l.ExpiresAt, now),
					l.TimeRemaining.Round(time.Second),
					yesNo(l.IsCurrentlyUsed),
				)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show passwords in full")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func newLeaseRenewCmd(cfg *config.Config) *cobra.Command {
	var (
		increment   time.Duration
		extendCache bool
	)

	cmd := &cobra.Command{
		Use:   "renew <lease-id>",
		Short: "Extend a lease at the backend",
		Long: `Ask the backend to extend a lease.

Only the backend lease is extended. The locally cached credential keeps its
own expiry unless --extend-cache is given.`,
		Example: `  dbcreds lease renew database/creds/app/AbC123 --increment 1h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if err := rt.Broker.RenewLease(ctx, args[0], int(increment.Seconds()), extendCache); err != nil {
				return dserrors.SimplifyError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renewed lease %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().DurationVar(&increment, "increment", time.Hour, "Requested lease extension")
	cmd.Flags().BoolVar(&extendCache, "extend-cache", false, "Also move the cached credential's expiry")

	return cmd
}

func newLeaseRevokeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <lease-id>",
		Short: "Revoke a lease",
		Long: `Revoke a lease at the backend. Revoking a lease that is already gone
succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if err := rt.Broker.RevokeLease(ctx, args[0]); err != nil {
				return dserrors.SimplifyError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked lease %s\n", args[0])
			return nil
		},
	}
}

func newLeaseRevokeAllCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-all",
		Short: "Revoke every tracked lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if rt.Broker.Dynamic != nil && rt.Broker.Resolver.Source().Class() == broker.ClassDynamic {
				if _, err := rt.Broker.GetConnectionString(ctx); err != nil {
					return dserrors.SimplifyError(err)
				}
			}

			summary, err := rt.Broker.RevokeAllLeases(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Revoked %d of %d leases\n", len(summary.Revoked), summary.Attempted)
			for id, ferr := range summary.Failed {
				fmt.Fprintf(out, "  └─ %s: %v\n", id, ferr)
			}
			return err
		},
	}
}
