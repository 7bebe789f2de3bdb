package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/dbcreds/internal/dbcheck"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
	"github.com/systmms/dbcreds/internal/metrics"
)

// Credential modes.
const (
	ModeDynamic = "dynamic"
	ModeStatic  = "static"
)

// Fallback policies applied after the retry is spent.
const (
	FallbackError  = "error"
	FallbackStatic = "static"
)

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Mode    string
	Dynamic *DynamicManager
	Static  *StaticManager

	// Fallback is FallbackError (default) or FallbackStatic.
	Fallback                 string
	FallbackConnectionString string

	Logger  *logging.Logger
	Metrics *metrics.Recorder
}

// Resolution is the result of a resolve.
type Resolution struct {
	ConnectionString string
	Class            string
	// Fallback is set when the configured fallback string was used.
	Fallback bool
	Attempts int
}

// Resolver is the single entry point for obtaining a connection string.
type Resolver struct {
	source       CredentialSource
	policy       string
	fallbackConn string
	logger       *logging.Logger
	metrics      *metrics.Recorder
}

// NewResolver picks the credential source for cfg.Mode.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	var source CredentialSource
	switch cfg.Mode {
	case ModeDynamic:
		if cfg.Dynamic == nil {
			return nil, fmt.Errorf("mode %q requires a dynamic manager", cfg.Mode)
		}
		source = cfg.Dynamic
	case ModeStatic:
		if cfg.Static == nil {
			return nil, fmt.Errorf("mode %q requires a static manager", cfg.Mode)
		}
		source = cfg.Static
	default:
		return nil, fmt.Errorf("unknown credential mode %q", cfg.Mode)
	}

	policy := cfg.Fallback
	if policy == "" {
		policy = FallbackError
	}
	if policy != FallbackError && policy != FallbackStatic {
		return nil, fmt.Errorf("unknown fallback policy %q", policy)
	}
	if policy == FallbackStatic && cfg.FallbackConnectionString == "" {
		return nil, fmt.Errorf("fallback policy %q requires a fallback connection string", policy)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{
		source:       source,
		policy:       policy,
		fallbackConn: cfg.FallbackConnectionString,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Source returns the credential source selected by the mode.
func (r *Resolver) Source() CredentialSource {
	return r.source
}

// ResolveConnectionString returns a usable connection string.
func (r *Resolver) ResolveConnectionString(ctx context.Context) (string, error) {
	res, err := r.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return res.ConnectionString, nil
}

// Resolve obtains a connection string from the configured source. If the
// database rejects the credential's login, the cache is invalidated and
// the fetch retried once. A failure after that is returned, or replaced by
// the fallback connection string when the policy says so.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	class := r.source.Class()
	res := Resolution{Class: class, Attempts: 1}

	connStr, err := r.source.GetConnectionString(ctx)
	if err != nil && errors.Is(err, dserrors.ErrAuthenticationRejected) {
		r.logger.Warn("Database rejected the %s credential, invalidating and retrying once", class)
		r.metrics.ResolverRetry(class)
		r.source.Invalidate()
		res.Attempts++
		connStr, err = r.source.GetConnectionString(ctx)
	}
	if err == nil {
		res.ConnectionString = connStr
		return res, nil
	}

	return r.fallback(ctx, res, err)
}

// Do runs fn with a resolved connection string. If fn fails because the
// database refused the login, the cached credential is dropped and fn is
// run once more with a fresh one. A call makes at most one extra attempt:
// no retry happens if resolving already retried, and the replacement
// credential is not retried again.
func (r *Resolver) Do(ctx context.Context, fn func(ctx context.Context, connStr string) error) error {
	res, err := r.Resolve(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, res.ConnectionString)
	if err == nil || res.Fallback || res.Attempts > 1 || !dbcheck.IsAuthenticationRejected(err) {
		return err
	}

	r.logger.Warn("Database refused the cached %s credential, invalidating and retrying once", res.Class)
	r.metrics.ResolverRetry(res.Class)
	r.source.Invalidate()
	res.Attempts++

	connStr, err := r.source.GetConnectionString(ctx)
	if err != nil {
		res, err = r.fallback(ctx, res, err)
		if err != nil {
			return err
		}
		connStr = res.ConnectionString
	}
	return fn(ctx, connStr)
}

func (r *Resolver) fallback(ctx context.Context, res Resolution, err error) (Resolution, error) {
	if r.policy != FallbackStatic || ctx.Err() != nil {
		return res, err
	}

	r.logger.Warn("Resolving %s credential failed, using fallback connection string: %v", res.Class, err)
	r.metrics.ResolverFallback(res.Class)
	res.ConnectionString = r.fallbackConn
	res.Fallback = true
	return res, nil
}
