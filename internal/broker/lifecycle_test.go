package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/cache"
	dserrors "github.com/systmms/dbcreds/internal/errors"
)

func newLifecycle(f *dynamicFixture) *LifecycleController {
	return NewLifecycleController(f.backend, f.manager, f.manager.logger, nil)
}

// mintLeases mints n leases, the last one current.
func mintLeases(t *testing.T, f *dynamicFixture, n int) []LeaseInfo {
	t.Helper()
	out := make([]LeaseInfo, 0, n)
	for i := 0; i < n; i++ {
		f.manager.Invalidate()
		_, lease, err := f.manager.MintNewCredential(context.Background())
		require.NoError(t, err)
		out = append(out, lease)
	}
	return out
}

func TestLifecycle_RenewLeaseLeavesCacheExpiry(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 1)

	before, ok := f.cache.ExpiresAt(cache.KeyDynamicConnection)
	require.True(t, ok)

	renewed, err := c.RenewLease(context.Background(), leases[0].LeaseID, 7200)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, renewed.LeaseDuration)

	after, ok := f.cache.ExpiresAt(cache.KeyDynamicConnection)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestLifecycle_RenewAndExtendMovesCacheExpiry(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 1)

	f.clock.Advance(30 * time.Minute)
	_, err := c.RenewAndExtend(context.Background(), leases[0].LeaseID, 3600)
	require.NoError(t, err)

	want := f.clock.Now().Add(55 * time.Minute)
	exp, ok := f.cache.ExpiresAt(cache.KeyDynamicConnection)
	require.True(t, ok)
	assert.Equal(t, want, exp)

	current, ok := f.manager.CurrentLease()
	require.True(t, ok)
	assert.Equal(t, want, current.ExpiresAt)

	registered, ok := f.manager.Registry().Get(leases[0].LeaseID)
	require.True(t, ok)
	assert.Equal(t, want, registered.ExpiresAt)
	assert.True(t, registered.IsCurrentlyUsed)

	conn, err := f.manager.GetConnectionString(context.Background())
	require.NoError(t, err)
	assert.Contains(t, conn, leases[0].Username)
	assert.Equal(t, 1, f.backend.Issued())
}

func TestLifecycle_RenewAndExtendIgnoresOtherLeases(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 2)

	before, _ := f.cache.ExpiresAt(cache.KeyDynamicConnection)
	_, err := c.RenewAndExtend(context.Background(), leases[0].LeaseID, 86400)
	require.NoError(t, err)

	after, _ := f.cache.ExpiresAt(cache.KeyDynamicConnection)
	assert.Equal(t, before, after)
}

func TestLifecycle_RenewUnknownLease(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	f.backend.RenewFunc = func(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error) {
		return nil, fmt.Errorf("vault renew lease: %w: invalid lease", dserrors.ErrLeaseNotFound)
	}
	c := newLifecycle(f)
	leases := mintLeases(t, f, 1)

	_, err := c.RenewLease(context.Background(), leases[0].LeaseID, 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrLeaseNotFound)

	_, ok := f.manager.Registry().Get(leases[0].LeaseID)
	assert.False(t, ok)
}

func TestLifecycle_RevokeUnknownLeaseIsNoop(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 2)
	before := f.manager.Registry().Active()

	require.NoError(t, c.RevokeSingleLease(context.Background(), "database/creds/app/never-issued"))

	f.backend.RevokeFunc = func(ctx context.Context, leaseID string) error {
		return fmt.Errorf("vault revoke: %w", dserrors.ErrLeaseNotFound)
	}
	require.NoError(t, c.RevokeSingleLease(context.Background(), "database/creds/app/already-gone"))

	assert.Equal(t, before, f.manager.Registry().Active())
	current, ok := f.manager.CurrentLease()
	require.True(t, ok)
	assert.Equal(t, leases[1].LeaseID, current.LeaseID)
}

func TestLifecycle_RevokeCurrentLeaseInvalidatesCache(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 2)

	require.NoError(t, c.RevokeSingleLease(context.Background(), leases[1].LeaseID))

	_, ok := f.manager.CurrentLease()
	assert.False(t, ok)
	assert.Equal(t, []string{leases[0].LeaseID}, f.manager.Registry().IDs())

	_, err := f.manager.GetConnectionString(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.backend.Issued())
}

func TestLifecycle_RevokeOtherLeaseKeepsCache(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 2)

	require.NoError(t, c.RevokeSingleLease(context.Background(), leases[0].LeaseID))

	current, ok := f.manager.CurrentLease()
	require.True(t, ok)
	assert.Equal(t, leases[1].LeaseID, current.LeaseID)
	assert.Equal(t, []string{leases[1].LeaseID}, f.manager.Registry().IDs())
}

func TestLifecycle_RevokeFailureKeepsState(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	f.backend.RevokeFunc = func(ctx context.Context, leaseID string) error {
		return fmt.Errorf("vault revoke: %w", dserrors.ErrBackendUnavailable)
	}
	c := newLifecycle(f)
	leases := mintLeases(t, f, 1)

	err := c.RevokeSingleLease(context.Background(), leases[0].LeaseID)
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrBackendUnavailable)

	_, ok := f.manager.CurrentLease()
	assert.True(t, ok)
	assert.Equal(t, 1, f.manager.Registry().Len())
}

func TestLifecycle_RevokeAllWithOneFailure(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	leases := mintLeases(t, f, 3)
	failing := leases[1].LeaseID

	f.backend.RevokeFunc = func(ctx context.Context, leaseID string) error {
		if leaseID == failing {
			return fmt.Errorf("vault revoke: %w", dserrors.ErrBackendUnavailable)
		}
		return nil
	}

	summary := c.RevokeAllLeases(context.Background())

	assert.Equal(t, 3, summary.Attempted)
	assert.ElementsMatch(t, []string{leases[0].LeaseID, leases[2].LeaseID}, summary.Revoked)
	require.Len(t, summary.Failed, 1)
	assert.Contains(t, summary.Failed, failing)
	assert.ErrorIs(t, summary.Err(), dserrors.ErrBackendUnavailable)

	assert.Len(t, f.backend.Revoked(), 3)
	assert.Contains(t, f.logs.String(), "Failed to revoke lease "+failing)

	_, ok := f.manager.CurrentLease()
	assert.False(t, ok, "cache must be invalidated regardless of failures")
	_, ok = f.cache.Get(cache.KeyDynamicConnection)
	assert.False(t, ok)

	assert.Equal(t, []string{failing}, f.manager.Registry().IDs())
}

func TestLifecycle_RevokeAllEmpty(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)

	summary := c.RevokeAllLeases(context.Background())
	assert.Equal(t, 0, summary.Attempted)
	assert.NoError(t, summary.Err())
}

func TestLifecycle_GetAllActiveLeasesRefreshesFlags(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	c := newLifecycle(f)
	mintLeases(t, f, 2)

	active := c.GetAllActiveLeases()
	require.Len(t, active, 2)
	assert.False(t, active[0].IsCurrentlyUsed)
	assert.True(t, active[1].IsCurrentlyUsed)

	f.manager.Invalidate()
	for _, l := range c.GetAllActiveLeases() {
		assert.False(t, l.IsCurrentlyUsed, l.LeaseID)
	}

	f.clock.Advance(56 * time.Minute)
	assert.Empty(t, c.GetAllActiveLeases())
}
