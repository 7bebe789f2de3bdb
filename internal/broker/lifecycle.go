package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/systmms/dbcreds/internal/backend"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
	"github.com/systmms/dbcreds/internal/metrics"
)

// LifecycleController renews and revokes leases and keeps the registry in
// step with the cached current lease.
type LifecycleController struct {
	backend backend.DynamicBackend
	manager *DynamicManager
	logger  *logging.Logger
	metrics *metrics.Recorder
}

// NewLifecycleController creates a controller over manager's cache and
// registry.
func NewLifecycleController(b backend.DynamicBackend, manager *DynamicManager, logger *logging.Logger, rec *metrics.Recorder) *LifecycleController {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LifecycleController{
		backend: b,
		manager: manager,
		logger:  logger,
		metrics: rec,
	}
}

// RenewLease extends leaseID at the backend. The cached expiry is left
// alone; use RenewAndExtend to move it as well.
func (c *LifecycleController) RenewLease(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error) {
	renewed, err := c.backend.RenewLease(ctx, leaseID, incrementSeconds)
	c.metrics.Renewal(err == nil)
	if err != nil {
		if errors.Is(err, dserrors.ErrLeaseNotFound) {
			c.manager.registry.Remove(leaseID)
		}
		return nil, dserrors.NewCredentialError("renew lease", ClassDynamic, err).WithLease(leaseID)
	}

	c.logger.Info("Renewed lease %s for %s", leaseID, renewed.LeaseDuration)
	return renewed, nil
}

// RenewAndExtend renews leaseID and, when it is the cached lease, moves the
// cached expiry to the renewed lease end minus the safety margin.
func (c *LifecycleController) RenewAndExtend(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error) {
	renewed, err := c.RenewLease(ctx, leaseID, incrementSeconds)
	if err != nil {
		return nil, err
	}

	expiresAt := c.manager.now().Add(renewed.LeaseDuration - c.manager.margin)
	if c.manager.extend(leaseID, expiresAt) {
		c.logger.Debug("Cached credential for lease %s now expires at %s", leaseID, expiresAt.Format(time.RFC3339))
	}
	return renewed, nil
}

// RevokeSingleLease revokes leaseID at the backend. A lease the backend
// does not know is treated as already revoked. If it was the cached lease
// the connection cache is invalidated.
func (c *LifecycleController) RevokeSingleLease(ctx context.Context, leaseID string) error {
	err := c.backend.RevokeLease(ctx, leaseID)
	if err != nil && !errors.Is(err, dserrors.ErrLeaseNotFound) {
		c.metrics.Revocation(false)
		return dserrors.NewCredentialError("revoke lease", ClassDynamic, err).WithLease(leaseID)
	}
	c.metrics.Revocation(true)

	if current, ok := c.manager.CurrentLease(); ok && current.LeaseID == leaseID {
		c.manager.Invalidate()
		c.logger.Debug("Revoked lease %s was in use; connection cache invalidated", leaseID)
	}
	c.manager.registry.Remove(leaseID)
	c.metrics.ActiveLeases(c.manager.registry.Len())
	return nil
}

// RevokeSummary reports the result of RevokeAllLeases.
type RevokeSummary struct {
	Attempted int
	Revoked   []string
	Failed    map[string]error
}

// Err joins the individual failures, or returns nil.
func (s RevokeSummary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Failed))
	for id := range s.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, s.Failed[id])
	}
	return fmt.Errorf("%d of %d leases could not be revoked: %w", len(s.Failed), s.Attempted, errors.Join(errs...))
}

// RevokeAllLeases revokes every registered lease. Failures are logged and
// do not stop the rest; failed leases stay registered. The connection
// cache is invalidated in every case.
func (c *LifecycleController) RevokeAllLeases(ctx context.Context) RevokeSummary {
	defer c.manager.Invalidate()

	ids := c.manager.registry.IDs()
	summary := RevokeSummary{
		Attempted: len(ids),
		Failed:    make(map[string]error),
	}

	for _, id := range ids {
		if err := c.RevokeSingleLease(ctx, id); err != nil {
			c.logger.Warn("Failed to revoke lease %s: %v", id, err)
			summary.Failed[id] = err
			continue
		}
		summary.Revoked = append(summary.Revoked, id)
	}

	c.logger.Info("Revoked %d of %d leases", len(summary.Revoked), summary.Attempted)
	return summary
}

// GetAllActiveLeases returns the non-expired leases with the current flag
// refreshed against the cache.
func (c *LifecycleController) GetAllActiveLeases() []LeaseInfo {
	currentID := ""
	if current, ok := c.manager.CurrentLease(); ok {
		currentID = current.LeaseID
	}
	c.manager.registry.MarkCurrent(currentID)
	return c.manager.registry.Active()
}
