package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/backend/akeyless"
	"github.com/systmms/dbcreds/internal/backend/awssm"
	"github.com/systmms/dbcreds/internal/backend/vault"
	"github.com/systmms/dbcreds/internal/broker"
	"github.com/systmms/dbcreds/internal/cache"
	"github.com/systmms/dbcreds/internal/config"
	"github.com/systmms/dbcreds/internal/dbcheck"
	"github.com/systmms/dbcreds/internal/dbpool"
	"github.com/systmms/dbcreds/internal/history"
	"github.com/systmms/dbcreds/internal/metrics"
)

// sqlOpen opens database handles for validation and pooling.
var sqlOpen dbcheck.Opener = sql.Open

// Runtime is the broker and its collaborators built from configuration.
type Runtime struct {
	Broker  *broker.Broker
	Pool    *dbpool.Pool
	Checker *dbcheck.Checker
	Target  dbcheck.Target
	Metrics *metrics.Recorder
}

// Close releases pooled connections.
func (r *Runtime) Close() error {
	return r.Pool.Close()
}

// loadRuntime loads the configuration and builds a Runtime from it.
func loadRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newRuntime(ctx, cfg)
}

func newRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	def := cfg.Definition
	logger := cfg.Logger

	target := dbcheck.Target{
		Driver:   def.Database.Driver,
		Host:     def.Database.Host,
		Port:     def.Database.Port,
		Database: def.Database.Name,
		SSLMode:  def.Database.SSLMode,
		Params:   def.Database.Params,
	}
	driver, err := target.DriverName()
	if err != nil {
		return nil, err
	}

	checker, err := dbcheck.NewChecker(driver, def.ConnectTimeout(),
		dbcheck.WithOpener(sqlOpen), dbcheck.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	pool := dbpool.New(driver, nil,
		dbpool.WithOpener(sqlOpen),
		dbpool.WithLogger(logger),
		dbpool.WithLimits(def.Database.MaxOpenConns, def.Database.MaxIdleConns, 0),
	)

	var rec *metrics.Recorder
	if def.Metrics.Enabled {
		rec = metrics.NewRecorder()
	}

	var (
		dynBackend    backend.DynamicBackend
		staticBackend backend.StaticBackend
		health        backend.HealthChecker
		backendName   string
	)
	switch def.Backend.Type {
	case "vault":
		vb, err := vault.New(vault.Config{
			Address:          def.Backend.Address,
			Token:            def.Backend.Token,
			TokenSource:      def.Backend.TokenSource,
			AuthMethod:       def.Backend.AuthMethod,
			Namespace:        def.Backend.Namespace,
			Mount:            def.Backend.Mount,
			UserpassUsername: def.Backend.UserpassUsername,
			UserpassPassword: def.Backend.UserpassPassword,
			AppRoleID:        def.Backend.AppRoleID,
			AppRoleSecretID:  def.Backend.AppRoleSecretID,
			K8SRole:          def.Backend.K8SRole,
			K8STokenPath:     def.Backend.K8STokenPath,
			CACert:           def.Backend.CACert,
			TLSSkip:          def.Backend.TLSSkip,
			Timeout:          def.BackendTimeout(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create vault backend: %w", err)
		}
		dynBackend, staticBackend, health, backendName = vb, vb, vb, vb.Name()
	case "aws-secretsmanager":
		ab, err := awssm.New(ctx, awssm.Config{
			Region:   def.Backend.Region,
			Endpoint: def.Backend.Endpoint,
		}, awssm.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS Secrets Manager backend: %w", err)
		}
		staticBackend, health, backendName = ab, ab, ab.Name()
	case "akeyless":
		kb, err := akeyless.New(akeyless.Config{
			GatewayURL:      def.Backend.Address,
			AuthMethod:      def.Backend.AuthMethod,
			Token:           def.Backend.Token,
			AccessID:        def.Backend.AccessID,
			AccessKey:       def.Backend.AccessKey,
			AzureADObjectID: def.Backend.AzureADObjectID,
			GCPAudience:     def.Backend.GCPAudience,
			Host:            def.Database.Host,
			Timeout:         def.BackendTimeout(),
		}, akeyless.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create akeyless backend: %w", err)
		}
		dynBackend, staticBackend, health, backendName = kb, kb, kb, kb.Name()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", def.Backend.Type)
	}

	historyDir := def.History.Dir
	if historyDir == "" {
		historyDir = history.DefaultDir()
	}

	c := cache.New()
	b := &broker.Broker{}

	if dynBackend != nil && def.Credentials.DynamicRole != "" {
		margin := def.Credentials.SafetyMargin.Std()
		if margin == 0 {
			margin = -1
		}
		dm := broker.NewDynamicManager(broker.DynamicConfig{
			Role:         def.Credentials.DynamicRole,
			SafetyMargin: margin,
			Backend:      dynBackend,
			Builder:      target,
			Checker:      checker,
			Cache:        c,
			Drainer:      pool,
			Logger:       logger,
			Metrics:      rec,
		})
		b.Dynamic = dm
		b.Lifecycle = broker.NewLifecycleController(dynBackend, dm, logger, rec)
	}

	if staticBackend != nil && def.Credentials.StaticRole != "" {
		b.Static = broker.NewStaticManager(broker.StaticConfig{
			Role:          def.Credentials.StaticRole,
			CacheDuration: def.StaticCacheDuration(),
			BackendName:   backendName,
			Backend:       staticBackend,
			Builder:       target,
			Checker:       checker,
			Drainer:       pool,
			Cache:         c,
			History:       history.NewFileStore(historyDir),
			Logger:        logger,
			Metrics:       rec,
		})
	}

	resolver, err := broker.NewResolver(broker.ResolverConfig{
		Mode:                     def.Credentials.Mode,
		Dynamic:                  b.Dynamic,
		Static:                   b.Static,
		Fallback:                 def.Fallback.OnFailure,
		FallbackConnectionString: def.Fallback.ConnectionString,
		Logger:                   logger,
		Metrics:                  rec,
	})
	if err != nil {
		return nil, err
	}
	pool.Bind(resolver)

	b.Resolver = resolver
	b.Health = broker.NewHealthChecker(health, resolver, checker, logger)

	if def.Refresher.Enabled {
		var targets []broker.RefreshTarget
		if b.Dynamic != nil {
			targets = append(targets, broker.RefreshTarget{Source: b.Dynamic, LowWater: def.Refresher.DynamicLowWater.Std()})
		}
		if b.Static != nil {
			targets = append(targets, broker.RefreshTarget{Source: b.Static, LowWater: def.Refresher.StaticLowWater.Std()})
		}
		b.Refresher = broker.NewRefresher(broker.RefresherConfig{
			Targets:  targets,
			MinSleep: def.Refresher.MinSleep.Std(),
			Lead:     def.Refresher.Lead.Std(),
			Logger:   logger,
			Metrics:  rec,
		})
	}

	return &Runtime{
		Broker:  b,
		Pool:    pool,
		Checker: checker,
		Target:  target,
		Metrics: rec,
	}, nil
}
