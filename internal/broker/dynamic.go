package broker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/cache"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
	"github.com/systmms/dbcreds/internal/metrics"
	"github.com/systmms/dbcreds/internal/secure"
)

const dynamicFlight = "dynamic"

// DynamicConfig wires a DynamicManager.
type DynamicConfig struct {
	Role         string
	SafetyMargin time.Duration

	Backend  backend.DynamicBackend
	Builder  ConnectionStringBuilder
	Checker  ConnectionChecker
	Cache    *cache.Cache
	Registry *LeaseRegistry

	// Drainer is optional.
	Drainer PoolDrainer
	Logger  *logging.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// DynamicManager mints leased credentials and caches the current one.
type DynamicManager struct {
	role     string
	margin   time.Duration
	backend  backend.DynamicBackend
	builder  ConnectionStringBuilder
	checker  ConnectionChecker
	cache    *cache.Cache
	registry *LeaseRegistry
	drainer  PoolDrainer
	logger   *logging.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	group singleflight.Group
}

type mintResult struct {
	connStr string
	lease   LeaseInfo
}

// NewDynamicManager creates a manager. A zero SafetyMargin uses
// DefaultSafetyMargin; pass a negative one for no margin.
func NewDynamicManager(cfg DynamicConfig) *DynamicManager {
	m := &DynamicManager{
		role:     cfg.Role,
		margin:   cfg.SafetyMargin,
		backend:  cfg.Backend,
		builder:  cfg.Builder,
		checker:  cfg.Checker,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		drainer:  cfg.Drainer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}
	if m.margin == 0 {
		m.margin = DefaultSafetyMargin
	} else if m.margin < 0 {
		m.margin = 0
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.cache == nil {
		m.cache = cache.New(cache.WithClock(m.now))
	}
	if m.registry == nil {
		m.registry = NewLeaseRegistry(m.now)
	}
	return m
}

// Class returns ClassDynamic.
func (m *DynamicManager) Class() string {
	return ClassDynamic
}

// Registry returns the lease registry the manager merges into.
func (m *DynamicManager) Registry() *LeaseRegistry {
	return m.registry
}

// SafetyMargin returns the margin subtracted from lease durations.
func (m *DynamicManager) SafetyMargin() time.Duration {
	return m.margin
}

// GetConnectionString returns the cached connection string, minting a new
// credential on a miss. Concurrent misses share one mint.
func (m *DynamicManager) GetConnectionString(ctx context.Context) (string, error) {
	if v, ok := m.cache.Get(cache.KeyDynamicConnection); ok {
		m.metrics.CacheLookup(ClassDynamic, true)
		return v.(*secure.String).Reveal()
	}
	m.metrics.CacheLookup(ClassDynamic, false)

	r, err := m.await(ctx, true)
	return r.connStr, err
}

// MintNewCredential issues, validates and caches a new credential. If a
// mint is already in flight the caller waits for it instead. The mint runs
// to completion even if ctx is cancelled; only the wait is abandoned.
func (m *DynamicManager) MintNewCredential(ctx context.Context) (string, LeaseInfo, error) {
	r, err := m.await(ctx, false)
	if err != nil {
		return "", LeaseInfo{}, err
	}
	return r.connStr, r.lease, nil
}

// await joins or starts the mint flight. With reuseCached the flight first
// looks at the cache again, since a flight that finished after the caller's
// miss may already have filled it.
func (m *DynamicManager) await(ctx context.Context, reuseCached bool) (mintResult, error) {
	ch := m.group.DoChan(dynamicFlight, func() (interface{}, error) {
		if reuseCached {
			if r, ok := m.cached(); ok {
				return r, nil
			}
		}
		return m.mint(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return mintResult{}, res.Err
		}
		return res.Val.(mintResult), nil
	case <-ctx.Done():
		return mintResult{}, ctx.Err()
	}
}

func (m *DynamicManager) cached() (mintResult, bool) {
	connVal, ok := m.cache.Get(cache.KeyDynamicConnection)
	if !ok {
		return mintResult{}, false
	}
	lease, ok := m.CurrentLease()
	if !ok {
		return mintResult{}, false
	}
	connStr, err := connVal.(*secure.String).Reveal()
	if err != nil {
		return mintResult{}, false
	}
	return mintResult{connStr: connStr, lease: lease}, true
}

// CurrentLease returns the lease behind the cached connection string.
func (m *DynamicManager) CurrentLease() (LeaseInfo, bool) {
	v, ok := m.cache.Get(cache.KeyDynamicLease)
	if !ok {
		return LeaseInfo{}, false
	}
	return v.(LeaseInfo), true
}

// Invalidate drops the cached credential and detaches any in-flight mint
// so the next caller starts a fresh one.
func (m *DynamicManager) Invalidate() {
	m.cache.Invalidate(cache.KeyDynamicConnection, cache.KeyDynamicLease)
	m.group.Forget(dynamicFlight)
}

// TimeRemaining reports how long the cached credential remains usable.
func (m *DynamicManager) TimeRemaining() (time.Duration, bool) {
	exp, ok := m.cache.ExpiresAt(cache.KeyDynamicConnection)
	if !ok {
		return 0, false
	}
	return exp.Sub(m.now()), true
}

// extend moves the cached expiry of the current lease. It reports false if
// leaseID is not the cached lease.
func (m *DynamicManager) extend(leaseID string, expiresAt time.Time) bool {
	gen := m.cache.Generation(cache.KeyDynamicConnection)
	connVal, ok := m.cache.Get(cache.KeyDynamicConnection)
	if !ok {
		return false
	}
	current, ok := m.CurrentLease()
	if !ok || current.LeaseID != leaseID {
		return false
	}

	current.ExpiresAt = expiresAt
	if !m.cache.SetIfGeneration(cache.KeyDynamicConnection, gen, expiresAt,
		cache.Item{Key: cache.KeyDynamicConnection, Value: connVal},
		cache.Item{Key: cache.KeyDynamicLease, Value: current},
	) {
		return false
	}
	m.registry.Merge(current)
	return true
}

func (m *DynamicManager) mint(ctx context.Context) (mintResult, error) {
	start := time.Now()
	gen := m.cache.Generation(cache.KeyDynamicConnection)

	res, err := m.issueAndValidate(ctx)
	m.metrics.Mint(ClassDynamic, err == nil, time.Since(start))
	if err != nil {
		return mintResult{}, err
	}

	if res.lease.LeaseDuration <= m.margin {
		m.logger.Warn("Lease %s (%s) is not longer than the %s safety margin and will not be cached",
			res.lease.LeaseID, res.lease.LeaseDuration, m.margin)
	}

	res.lease.IsCurrentlyUsed = true
	stored := m.cache.SetIfGeneration(cache.KeyDynamicConnection, gen, res.lease.ExpiresAt,
		cache.Item{Key: cache.KeyDynamicConnection, Value: secure.NewString(res.connStr)},
		cache.Item{Key: cache.KeyDynamicLease, Value: res.lease},
	)
	if !stored {
		m.logger.Debug("Dynamic cache invalidated during mint of lease %s; result not cached", res.lease.LeaseID)
		res.lease.IsCurrentlyUsed = false
	}

	m.registry.Merge(res.lease)
	m.metrics.ActiveLeases(m.registry.Len())
	m.logger.Debug("Minted lease %s for %s, cached until %s",
		res.lease.LeaseID, res.lease.Username, res.lease.ExpiresAt.Format(time.RFC3339))
	return res, nil
}

func (m *DynamicManager) issueAndValidate(ctx context.Context) (mintResult, error) {
	cred, err := m.backend.IssueDynamicCredential(ctx, m.role)
	if err != nil {
		return mintResult{}, dserrors.NewCredentialError("issue credential", ClassDynamic, err)
	}

	connStr, err := m.builder.ConnectionString(cred.Username, cred.Password)
	if err != nil {
		m.revokeUnused(ctx, cred.LeaseID)
		return mintResult{}, dserrors.NewCredentialError("build connection string", ClassDynamic, err).WithLease(cred.LeaseID)
	}

	if m.drainer != nil {
		m.drainer.Drain()
	}

	if err := m.checker.Check(ctx, connStr); err != nil {
		m.logger.Warn("Validation of lease %s failed: %v", cred.LeaseID, err)
		m.revokeUnused(ctx, cred.LeaseID)
		return mintResult{}, dserrors.NewCredentialError("validate credential", ClassDynamic, err).WithLease(cred.LeaseID)
	}

	now := m.now()
	lease := LeaseInfo{
		LeaseID:       cred.LeaseID,
		Username:      cred.Username,
		Password:      secure.NewString(cred.Password),
		CreatedAt:     now,
		LeaseDuration: cred.LeaseDuration,
		ExpiresAt:     now.Add(cred.LeaseDuration - m.margin),
		Renewable:     cred.Renewable,
	}
	return mintResult{connStr: connStr, lease: lease}, nil
}

// revokeUnused gives back a lease that failed validation.
func (m *DynamicManager) revokeUnused(ctx context.Context, leaseID string) {
	if err := m.backend.RevokeLease(ctx, leaseID); err != nil && !errors.Is(err, dserrors.ErrLeaseNotFound) {
		m.logger.Warn("Could not revoke unusable lease %s: %v", leaseID, err)
	}
}
