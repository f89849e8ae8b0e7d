// Package store persists releases, cron jobs, tasks, regression cycles, builds and
// submissions. Every update carries the record's version and fails with ErrConflict
// when another writer got there first.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/lease"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

var (
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "not found")
	ErrConflict = apperrors.New(apperrors.CodeConflict, "record was modified concurrently")
	// ErrActiveSubmission is returned when a platform already has a submission that
	// does not allow resubmission.
	ErrActiveSubmission = apperrors.New(apperrors.CodeInvalidTransition, "an active submission exists for this platform")
	// ErrBuildLinked is returned when linking a build that already belongs to a task.
	ErrBuildLinked = apperrors.New(apperrors.CodeConflict, "build is already linked to a task")
)

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type Store interface {
	ReleaseStore
	CronJobStore
	TaskStore
	CycleStore
	BuildStore
	SubmissionStore

	// Kickoff inserts a release with its cron job, initial tasks and regression slots atomically.
	Kickoff(ctx context.Context, in KickoffInput) (models.Release, error)
	Ping(ctx context.Context) error
}

type ReleaseStore interface {
	GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error)
	GetReleaseByKey(ctx context.Context, key string) (models.Release, error)
	ListReleases(ctx context.Context, filter ReleaseFilter) ([]models.Release, error)
	UpdateRelease(ctx context.Context, r models.Release) (models.Release, error)
}

type CronJobStore interface {
	GetCronJob(ctx context.Context, releaseID uuid.UUID) (models.CronJob, error)
	// ListTickCandidates returns releases the orchestrator may have work for.
	ListTickCandidates(ctx context.Context) ([]uuid.UUID, error)
	AcquireLease(ctx context.Context, releaseID uuid.UUID, holder string, ttl time.Duration) (lease.Lease, error)
	ReleaseLease(ctx context.Context, l lease.Lease) error
	// UpdateCronJob persists job only while l is the current, unexpired lease.
	UpdateCronJob(ctx context.Context, l lease.Lease, job models.CronJob) (models.CronJob, error)
}

type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []models.ReleaseTask) error
	GetTask(ctx context.Context, id uuid.UUID) (models.ReleaseTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.ReleaseTask, error)
	UpdateTask(ctx context.Context, t models.ReleaseTask) (models.ReleaseTask, error)
}

type CycleStore interface {
	// CreateCycle demotes the current latest cycle, inserts the new latest cycle with its
	// tasks and marks the slot consumed, all in one transaction.
	CreateCycle(ctx context.Context, in CycleInput) (models.RegressionCycle, error)
	GetCycle(ctx context.Context, id uuid.UUID) (models.RegressionCycle, error)
	LatestCycle(ctx context.Context, releaseID uuid.UUID) (models.RegressionCycle, error)
	ListCycles(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionCycle, error)
	UpdateCycle(ctx context.Context, c models.RegressionCycle) (models.RegressionCycle, error)

	CreateSlot(ctx context.Context, slot models.RegressionSlot) (models.RegressionSlot, error)
	ListSlots(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionSlot, error)
	// DeleteSlot removes an unconsumed slot. Consumed slots yield ErrConflict.
	DeleteSlot(ctx context.Context, releaseID, slotID uuid.UUID) error
}

type BuildStore interface {
	CreateBuild(ctx context.Context, b models.Build) (models.Build, error)
	ListBuilds(ctx context.Context, filter BuildFilter) ([]models.Build, error)
	// LinkBuild attaches a staged build to a task. The link is immutable once set.
	LinkBuild(ctx context.Context, buildID, taskID uuid.UUID, cycleID *uuid.UUID) (models.Build, error)
}

type SubmissionStore interface {
	// CreateSubmission inserts s as the active submission for its platform, deactivating a
	// previous REJECTED or CANCELLED one in the same transaction.
	CreateSubmission(ctx context.Context, s models.Submission) (models.Submission, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error)
	GetActiveSubmission(ctx context.Context, releaseID uuid.UUID, platform models.Platform) (models.Submission, error)
	ListSubmissions(ctx context.Context, releaseID uuid.UUID) ([]models.Submission, error)
	UpdateSubmission(ctx context.Context, s models.Submission) (models.Submission, error)
}

type KickoffInput struct {
	Release models.Release
	CronJob models.CronJob
	Tasks   []models.ReleaseTask
	Slots   []models.RegressionSlot
}

type CycleInput struct {
	Cycle  models.RegressionCycle
	Tasks  []models.ReleaseTask
	SlotID *uuid.UUID
}

type ReleaseFilter struct {
	TenantID string
	Statuses []models.ReleaseStatus
	Limit    int
	Offset   int
}

type TaskFilter struct {
	ReleaseID uuid.UUID
	Stage     *models.Stage
	CycleID   *uuid.UUID
}

type BuildFilter struct {
	ReleaseID  uuid.UUID
	Stage      *models.BuildStage
	Platform   *models.Platform
	TaskID     *uuid.UUID
	Unconsumed bool
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// tickable mirrors the ListTickCandidates predicate for in-process filtering.
func tickable(r models.Release, job models.CronJob) bool {
	if !(r.Status == models.ReleaseStatusPending || r.Status == models.ReleaseStatusInProgress) {
		return false
	}
	switch job.CronStatus {
	case models.CronStatusPending, models.CronStatusRunning:
		return true
	case models.CronStatusPaused:
		return job.PauseType == models.PauseTypeTaskFailure
	}
	return false
}
