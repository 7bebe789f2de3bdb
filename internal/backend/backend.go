// Package backend defines what the broker needs from a secret backend.
//
// Capabilities are split: a backend that can issue leased credentials
// implements DynamicBackend, one that holds rotated static credentials
// implements StaticBackend. Vault and Akeyless implement both; AWS Secrets
// Manager only the static half.
package backend

import (
	"context"
	"time"
)

// DynamicCredential is a freshly issued, leased database login.
type DynamicCredential struct {
	LeaseID       string
	Username      string
	Password      string
	LeaseDuration time.Duration
	Renewable     bool
}

// StaticCredential is the current value of a backend-rotated login.
// Rotation metadata is passed through unparsed; the broker decides how to
// treat values it cannot read.
type StaticCredential struct {
	Username       string
	Password       string
	LastRotated    string
	RotationPeriod string
}

// RenewedLease is the backend's answer to a renew request.
type RenewedLease struct {
	LeaseID       string
	LeaseDuration time.Duration
}

// DynamicBackend issues and manages leased credentials.
type DynamicBackend interface {
	IssueDynamicCredential(ctx context.Context, role string) (*DynamicCredential, error)
	RenewLease(ctx context.Context, leaseID string, incrementSeconds int) (*RenewedLease, error)
	RevokeLease(ctx context.Context, leaseID string) error
}

// StaticBackend reads and rotates static credentials.
type StaticBackend interface {
	GetStaticCredential(ctx context.Context, role string) (*StaticCredential, error)
	RotateStaticCredential(ctx context.Context, role string) error
}

// HealthChecker is implemented by backends that can report reachability.
type HealthChecker interface {
	Name() string
	Health(ctx context.Context) error
}
