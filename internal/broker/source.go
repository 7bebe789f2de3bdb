package broker

import (
	"context"
	"time"
)

// CredentialSource is one way of obtaining a connection string. The
// dynamic and static managers are the two implementations; configuration
// picks one.
type CredentialSource interface {
	Class() string
	GetConnectionString(ctx context.Context) (string, error)
	// Invalidate drops the cached credential. A mint already in flight
	// will not repopulate the cache.
	Invalidate()
	// TimeRemaining reports how long the cached credential stays valid.
	// ok is false when nothing is cached.
	TimeRemaining() (remaining time.Duration, ok bool)
}

// ConnectionChecker proves a connection string can log in.
type ConnectionChecker interface {
	Check(ctx context.Context, connStr string) error
}

// ConnectionStringBuilder assembles a connection string for a login.
type ConnectionStringBuilder interface {
	ConnectionString(username, password string) (string, error)
}

// PoolDrainer closes pooled connections opened with a previous credential.
type PoolDrainer interface {
	Drain()
}

var (
	_ CredentialSource = (*DynamicManager)(nil)
	_ CredentialSource = (*StaticManager)(nil)
)
