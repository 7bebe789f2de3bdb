package broker

import (
	"context"
	"fmt"
	"time"

	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/history"
)

// Broker exposes the operations offered to callers. Managers that are not
// configured make their operations return ErrUnsupported.
type Broker struct {
	Resolver  *Resolver
	Dynamic   *DynamicManager
	Lifecycle *LifecycleController
	Static    *StaticManager
	Health    *HealthChecker
	Refresher *Refresher

	Now func() time.Time
}

func (b *Broker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func unsupported(op, class string) error {
	return fmt.Errorf("%s: %s credentials are not configured: %w", op, class, dserrors.ErrUnsupported)
}

// GetConnectionString resolves the connection string for the configured
// mode.
func (b *Broker) GetConnectionString(ctx context.Context) (Resolution, error) {
	return b.Resolver.Resolve(ctx)
}

// CurrentLease returns the cached lease, if any.
func (b *Broker) CurrentLease(reveal bool) (LeaseView, bool, error) {
	if b.Dynamic == nil {
		return LeaseView{}, false, unsupported("current lease", ClassDynamic)
	}
	info, ok := b.Dynamic.CurrentLease()
	if !ok {
		return LeaseView{}, false, nil
	}
	return NewLeaseView(info, b.now(), reveal), true, nil
}

// ListActiveLeases returns every non-expired lease.
func (b *Broker) ListActiveLeases(reveal bool) ([]LeaseView, error) {
	if b.Lifecycle == nil {
		return nil, unsupported("list leases", ClassDynamic)
	}
	now := b.now()
	leases := b.Lifecycle.GetAllActiveLeases()
	views := make([]LeaseView, 0, len(leases))
	for _, l := range leases {
		views = append(views, NewLeaseView(l, now, reveal))
	}
	return views, nil
}

// RenewLease extends a lease at the backend. With extendCache the cached
// expiry moves as well.
func (b *Broker) RenewLease(ctx context.Context, leaseID string, incrementSeconds int, extendCache bool) error {
	if b.Lifecycle == nil {
		return unsupported("renew lease", ClassDynamic)
	}
	var err error
	if extendCache {
		_, err = b.Lifecycle.RenewAndExtend(ctx, leaseID, incrementSeconds)
	} else {
		_, err = b.Lifecycle.RenewLease(ctx, leaseID, incrementSeconds)
	}
	return err
}

// RevokeLease revokes one lease.
func (b *Broker) RevokeLease(ctx context.Context, leaseID string) error {
	if b.Lifecycle == nil {
		return unsupported("revoke lease", ClassDynamic)
	}
	return b.Lifecycle.RevokeSingleLease(ctx, leaseID)
}

// RevokeAllLeases revokes every known lease.
func (b *Broker) RevokeAllLeases(ctx context.Context) (RevokeSummary, error) {
	if b.Lifecycle == nil {
		return RevokeSummary{}, unsupported("revoke all leases", ClassDynamic)
	}
	summary := b.Lifecycle.RevokeAllLeases(ctx)
	return summary, summary.Err()
}

// StaticCredential returns the static credential metadata.
func (b *Broker) StaticCredential(ctx context.Context, reveal bool) (StaticView, error) {
	if b.Static == nil {
		return StaticView{}, unsupported("static credential", ClassStatic)
	}
	info, err := b.Static.GetCredentialInfo(ctx)
	if err != nil {
		return StaticView{}, err
	}
	return NewStaticView(info, b.now(), reveal), nil
}

// RotateStatic rotates the static credential now.
func (b *Broker) RotateStatic(ctx context.Context) (RotationOutcome, error) {
	if b.Static == nil {
		return RotationOutcome{}, unsupported("rotate", ClassStatic)
	}
	return b.Static.RotateCredentials(ctx), nil
}

// RotationHistory lists past rotations, newest first.
func (b *Broker) RotationHistory(limit int) ([]history.Entry, error) {
	if b.Static == nil {
		return nil, unsupported("rotation history", ClassStatic)
	}
	return b.Static.History(limit)
}

// InvalidateConnectionCache drops the cached dynamic credential.
func (b *Broker) InvalidateConnectionCache() error {
	if b.Dynamic == nil {
		return unsupported("invalidate", ClassDynamic)
	}
	b.Dynamic.Invalidate()
	return nil
}

// InvalidateStaticConnectionCache drops the cached static credential.
func (b *Broker) InvalidateStaticConnectionCache() error {
	if b.Static == nil {
		return unsupported("invalidate", ClassStatic)
	}
	b.Static.Invalidate()
	return nil
}

// CheckHealth builds a health report.
func (b *Broker) CheckHealth(ctx context.Context) HealthReport {
	return b.Health.Check(ctx)
}
