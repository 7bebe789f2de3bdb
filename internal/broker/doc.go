// Package broker hands out database connection strings built from
// credentials issued by a secret backend.
//
// Two credential sources share one shape. DynamicManager mints leased
// credentials and tracks them in a LeaseRegistry; StaticManager reads
// backend-rotated credentials and can trigger a rotation. Both validate a
// credential against the real database before caching it, and both
// coalesce concurrent cache misses into a single backend call.
//
// Resolver is what callers use. It picks the configured source, retries
// once with a fresh credential when the database rejects a login, and
// applies the fallback policy when that also fails. LifecycleController
// renews and revokes leases; Refresher re-mints credentials before they
// reach their low-water mark.
//
// Cached expiry for a dynamic credential is its creation time plus the
// lease duration minus a safety margin, so the cache always lets go of a
// credential before the backend revokes it.
package broker
