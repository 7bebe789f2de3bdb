package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/internal/config"
	"github.com/systmms/dbcreds/internal/dbcheck"
	dserrors "github.com/systmms/dbcreds/internal/errors"
)

// NewResolveCommand creates the resolve command
func NewResolveCommand(cfg *config.Config) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a validated database connection string",
		Long: `Obtain a connection string for the configured credential mode.

The credential is fetched from the secret backend and proven against the
database before it is returned. If the database rejects the login the
credential is replaced once; after that the configured fallback policy
applies.

The connection string contains a password and is masked unless --reveal
is given.`,
		Example: `  # Check that a credential can be resolved
  dbcreds resolve

  # Print the connection string for use by another tool
  dbcreds resolve --reveal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			res, err := rt.Broker.GetConnectionString(ctx)
			if err != nil {
				return dserrors.SimplifyError(err)
			}

			out := cmd.OutOrStdout()
			if reveal {
				fmt.Fprintln(out, res.ConnectionString)
				return nil
			}

			fmt.Fprintf(out, "Class:      %s\n", res.Class)
			fmt.Fprintf(out, "Database:   %s\n", rt.Target.Describe())
			fmt.Fprintf(out, "Attempts:   %d\n", res.Attempts)
			fmt.Fprintf(out, "Fallback:   %s\n", yesNo(res.Fallback))
			fmt.Fprintf(out, "Connection: %s\n", dbcheck.RedactConnectionString(res.ConnectionString))
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print the full connection string including the password")

	return cmd
}
