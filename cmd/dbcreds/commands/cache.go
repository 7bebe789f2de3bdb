package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/internal/broker"
	"github.com/systmms/dbcreds/internal/config"
)

// NewCacheCommand creates the cache command group
func NewCacheCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached credentials",
	}

	var class string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop a cached credential so the next resolve fetches a new one",
		Example: `  dbcreds cache invalidate --class dynamic
  dbcreds cache invalidate --class static`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			switch class {
			case broker.ClassDynamic:
				err = rt.Broker.InvalidateConnectionCache()
			case broker.ClassStatic:
				err = rt.Broker.InvalidateStaticConnectionCache()
			default:
				return fmt.Errorf("unknown credential class %q (use dynamic or static)", class)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s credential cache\n", class)
			return nil
		},
	}
	invalidate.Flags().StringVar(&class, "class", broker.ClassDynamic, "Credential class: dynamic or static")

	cmd.AddCommand(invalidate)
	return cmd
}
