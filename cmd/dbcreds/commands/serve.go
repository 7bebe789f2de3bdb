package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/internal/config"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/metrics"
)

// NewServeCommand creates the serve command
func NewServeCommand(cfg *config.Config) *cobra.Command {
	var revokeOnExit bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep credentials fresh in the background",
		Long: `Run the background refresher until interrupted.

Credentials are replaced before they reach their low-water mark. When
metrics are enabled, Prometheus metrics and a JSON health report are served
on the metrics port.

With --revoke-on-exit every lease minted by this process is revoked on
shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := loadRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			def := cfg.Definition
			if rt.Broker.Refresher == nil {
				return dserrors.ConfigError{
					Field:      "refresher.enabled",
					Value:      false,
					Message:    "serve needs the background refresher",
					Suggestion: "Set refresher.enabled: true",
				}
			}

			var server *metrics.Server
			if def.Metrics.Enabled {
				serverCfg := metrics.DefaultServerConfig()
				serverCfg.Enabled = true
				serverCfg.Port = def.Metrics.Port
				serverCfg.Path = def.Metrics.Path
				serverCfg.Health = rt.Broker.Health
				server = metrics.NewServer(serverCfg, cfg.Logger)
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				cfg.Logger.Info("Serving metrics on %s%s", server.Addr(), def.Metrics.Path)
			}

			_ = rt.Broker.Refresher.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if revokeOnExit && rt.Broker.Lifecycle != nil {
				summary := rt.Broker.Lifecycle.RevokeAllLeases(shutdownCtx)
				if err := summary.Err(); err != nil {
					cfg.Logger.Warn("%v", err)
				}
			}
			if server != nil {
				if err := server.Stop(shutdownCtx); err != nil {
					cfg.Logger.Warn("Metrics server shutdown: %v", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&revokeOnExit, "revoke-on-exit", false, "Revoke all leases minted by this process on shutdown")

	return cmd
}
