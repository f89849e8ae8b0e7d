// Package lease implements the per-release exclusive lock the orchestrator holds
// while it mutates a CronJob. Expiry is a pure function of the clock.
package lease

import (
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// DefaultTimeout applies when a caller does not pass a ttl.
const DefaultTimeout = 2 * time.Minute

// Lease proves exclusive ownership of a release's CronJob until ExpiresAt.
type Lease struct {
	ReleaseID  uuid.UUID
	Holder     string
	Token      uuid.UUID
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the lease is still unexpired at now.
func (l Lease) Valid(now time.Time) bool {
	return l.Token != uuid.Nil && now.Before(l.ExpiresAt)
}

// Expired reports whether a held lock may be reclaimed at now.
func Expired(lock models.CronLock, now time.Time) bool {
	if !lock.Held() {
		return true
	}
	return !now.Before(lock.ExpiresAt())
}

// Acquire grants holder the lock when it is free, expired or already held by holder.
// It returns the new lock state to persist together with the lease handed to the caller.
func Acquire(releaseID uuid.UUID, current models.CronLock, holder string, now time.Time, ttl time.Duration) (models.CronLock, Lease, error) {
	if holder == "" {
		return models.CronLock{}, Lease{}, apperrors.Validation("lease holder required")
	}
	if ttl <= 0 {
		ttl = DefaultTimeout
	}
	if current.Held() && current.Holder != holder && !Expired(current, now) {
		return models.CronLock{}, Lease{}, Contention(releaseID, current)
	}
	lock := models.CronLock{
		Holder:     holder,
		Token:      uuid.New(),
		AcquiredAt: now,
		Timeout:    ttl,
	}
	return lock, FromLock(releaseID, lock), nil
}

// Check verifies that l still owns current at now.
func Check(l Lease, current models.CronLock, now time.Time) error {
	if !current.Held() || current.Token != l.Token {
		return apperrors.Newf(apperrors.CodeLockContention, "lease for release %s is no longer held by %s", l.ReleaseID, l.Holder)
	}
	if !l.Valid(now) {
		return apperrors.Newf(apperrors.CodeLockContention, "lease for release %s expired at %s", l.ReleaseID, l.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// FromLock rebuilds the lease handle for a persisted lock.
func FromLock(releaseID uuid.UUID, lock models.CronLock) Lease {
	return Lease{
		ReleaseID:  releaseID,
		Holder:     lock.Holder,
		Token:      lock.Token,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt(),
	}
}

func Contention(releaseID uuid.UUID, current models.CronLock) error {
	return apperrors.Newf(apperrors.CodeLockContention, "release %s is locked by %s until %s",
		releaseID, current.Holder, current.ExpiresAt().Format(time.RFC3339)).
		WithMeta("holder", current.Holder)
}
