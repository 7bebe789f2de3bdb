package broker

import (
	"time"

	"github.com/systmms/dbcreds/internal/logging"
	"github.com/systmms/dbcreds/internal/secure"
)

// LeaseView is a read-only copy of a lease for display. Password is
// masked unless revealed.
type LeaseView struct {
	LeaseID         string        `json:"lease_id" yaml:"lease_id"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	CreatedAt       time.Time     `json:"created_at" yaml:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at" yaml:"expires_at"`
	LeaseDuration   time.Duration `json:"lease_duration" yaml:"lease_duration"`
	TimeRemaining   time.Duration `json:"time_remaining" yaml:"time_remaining"`
	Renewable       bool          `json:"renewable" yaml:"renewable"`
	IsCurrentlyUsed bool          `json:"is_currently_used" yaml:"is_currently_used"`
}

// NewLeaseView copies info.
func NewLeaseView(info LeaseInfo, now time.Time, reveal bool) LeaseView {
	return LeaseView{
		LeaseID:         info.LeaseID,
		Username:        info.Username,
		Password:        showSecret(info.Password, reveal),
		CreatedAt:       info.CreatedAt,
		ExpiresAt:       info.ExpiresAt,
		LeaseDuration:   info.LeaseDuration,
		TimeRemaining:   info.TimeRemaining(now),
		Renewable:       info.Renewable,
		IsCurrentlyUsed: info.IsCurrentlyUsed,
	}
}

// StaticView is a read-only copy of the static credential for display.
type StaticView struct {
	Role              string        `json:"role" yaml:"role"`
	Username          string        `json:"username" yaml:"username"`
	Password          string        `json:"password" yaml:"password"`
	LastRotated       time.Time     `json:"last_rotated" yaml:"last_rotated"`
	RotationPeriod    time.Duration `json:"rotation_period" yaml:"rotation_period"`
	NextRotation      time.Time     `json:"next_rotation" yaml:"next_rotation"`
	RetrievedAt       time.Time     `json:"retrieved_at" yaml:"retrieved_at"`
	TimeUntilRotation time.Duration `json:"time_until_rotation" yaml:"time_until_rotation"`
	IsExpired         bool          `json:"is_expired" yaml:"is_expired"`
}

// NewStaticView copies info.
func NewStaticView(info StaticCredentialInfo, now time.Time, reveal bool) StaticView {
	return StaticView{
		Role:              info.Role,
		Username:          info.Username,
		Password:          showSecret(info.Password, reveal),
		LastRotated:       info.LastRotated,
		RotationPeriod:    info.RotationPeriod,
		NextRotation:      info.NextRotation,
		RetrievedAt:       info.RetrievedAt,
		TimeUntilRotation: info.TimeUntilRotation(now),
		IsExpired:         info.IsExpired(now),
	}
}

func showSecret(s *secure.String, reveal bool) string {
	plain, err := s.Reveal()
	if err != nil {
		return "[UNAVAILABLE]"
	}
	if reveal {
		return plain
	}
	return logging.Mask(plain)
}
