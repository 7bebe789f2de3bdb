package broker

import (
	"time"

	"github.com/systmms/dbcreds/internal/secure"
)

// Credential classes, also used as metric labels.
const (
	ClassDynamic = "dynamic"
	ClassStatic  = "static"
)

// DefaultSafetyMargin is subtracted from a lease when computing cache expiry.
const DefaultSafetyMargin = 5 * time.Minute

// LeaseInfo describes one issued dynamic credential. Only IsCurrentlyUsed
// changes after creation.
type LeaseInfo struct {
	LeaseID         string
	Username        string
	Password        *secure.String
	CreatedAt       time.Time
	LeaseDuration   time.Duration
	ExpiresAt       time.Time
	Renewable       bool
	IsCurrentlyUsed bool
}

// IsExpired reports whether now is past ExpiresAt.
func (l LeaseInfo) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// TimeRemaining returns the time until ExpiresAt, never negative.
func (l LeaseInfo) TimeRemaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// BackendExpiresAt is when the backend itself will revoke the lease.
func (l LeaseInfo) BackendExpiresAt() time.Time {
	return l.CreatedAt.Add(l.LeaseDuration)
}

// StaticCredentialInfo is the current static credential snapshot.
type StaticCredentialInfo struct {
	Role           string
	Username       string
	Password       *secure.String
	LastRotated    time.Time
	RotationPeriod time.Duration
	NextRotation   time.Time
	RetrievedAt    time.Time
}

// IsExpired reports whether the backend is due to have rotated the
// credential.
func (s StaticCredentialInfo) IsExpired(now time.Time) bool {
	return now.After(s.NextRotation)
}

// TimeUntilRotation returns the time until NextRotation, never negative.
func (s StaticCredentialInfo) TimeUntilRotation(now time.Time) time.Duration {
	if d := s.NextRotation.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RotationOutcome is the result of RotateCredentials. Err carries the
// failure for errors.Is; Error is its message.
type RotationOutcome struct {
	RotatedAt time.Time `json:"rotated_at"`
	Username  string    `json:"username"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Err       error     `json:"-"`
}
