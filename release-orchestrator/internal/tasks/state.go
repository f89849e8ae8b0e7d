// Package tasks holds the per-task state machine, the output registry keyed by task
// type and the declarative stage pipeline.
package tasks

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// Linkage ties a new task to its release, optional regression cycle and stage order.
type Linkage struct {
	ReleaseID uuid.UUID
	CycleID   *uuid.UUID
	Order     int
}

// New initializes a PENDING task with no conclusion and no output.
func New(taskType models.TaskType, stage models.Stage, link Linkage) models.ReleaseTask {
	return models.ReleaseTask{
		ID:        uuid.New(),
		ReleaseID: link.ReleaseID,
		CycleID:   link.CycleID,
		Type:      taskType,
		Stage:     stage,
		Order:     link.Order,
		Status:    models.TaskStatusPending,
	}
}

// Start moves a PENDING task to IN_PROGRESS.
func Start(t *models.ReleaseTask, now time.Time) error {
	if t.Status != models.TaskStatusPending {
		return apperrors.InvalidTransition("cannot start task %s from %s", t.ID, t.Status)
	}
	t.Status = models.TaskStatusInProgress
	t.StartedAt = &now
	return nil
}

// Await parks an IN_PROGRESS task until external input arrives. The wait variant
// follows the release's build mode.
func Await(t *models.ReleaseTask, mode models.BuildMode, externalID string) error {
	if t.Status != models.TaskStatusInProgress {
		return apperrors.InvalidTransition("cannot await input for task %s from %s", t.ID, t.Status)
	}
	switch mode {
	case models.BuildModeManual:
		t.Status = models.TaskStatusAwaitingManualBuild
	default:
		t.Status = models.TaskStatusAwaitingCallback
	}
	if externalID != "" {
		t.ExternalID = &externalID
	}
	return nil
}

// Complete stores output and marks the task COMPLETED. A repeat call with an
// identical output reports changed=false; a differing output is a
// DuplicateCompletionConflict.
func Complete(t *models.ReleaseTask, output json.RawMessage, now time.Time) (bool, error) {
	normalized, err := NormalizeOutput(t.Type, output)
	if err != nil {
		return false, err
	}
	if t.Status == models.TaskStatusCompleted {
		if bytes.Equal(t.Output, normalized) {
			return false, nil
		}
		return false, apperrors.Newf(apperrors.CodeDuplicateCompletion, "task %s already completed with a different output", t.ID)
	}
	if t.Status != models.TaskStatusInProgress && !t.Status.Awaiting() {
		return false, apperrors.InvalidTransition("cannot complete task %s from %s", t.ID, t.Status)
	}
	t.Status = models.TaskStatusCompleted
	t.Output = normalized
	t.Conclusion = nil
	t.CompletedAt = &now
	return true, nil
}

// Fail marks any non-terminal task FAILED with reason as its conclusion.
func Fail(t *models.ReleaseTask, reason string, now time.Time) error {
	switch t.Status {
	case models.TaskStatusCompleted, models.TaskStatusSkipped, models.TaskStatusFailed:
		return apperrors.InvalidTransition("cannot fail task %s from %s", t.ID, t.Status)
	}
	t.Status = models.TaskStatusFailed
	t.Conclusion = &reason
	t.CompletedAt = &now
	return nil
}

// Retry resets a FAILED task to PENDING and clears its conclusion.
func Retry(t *models.ReleaseTask) error {
	if t.Status != models.TaskStatusFailed {
		return apperrors.InvalidTransition("only FAILED tasks can be retried, task %s is %s", t.ID, t.Status)
	}
	t.Status = models.TaskStatusPending
	t.Conclusion = nil
	t.ExternalID = nil
	t.Output = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	return nil
}

// Skip terminally skips a PENDING task. Skipped tasks carry no output.
func Skip(t *models.ReleaseTask, reason string, now time.Time) error {
	if t.Status != models.TaskStatusPending {
		return apperrors.InvalidTransition("only PENDING tasks can be skipped, task %s is %s", t.ID, t.Status)
	}
	t.Status = models.TaskStatusSkipped
	t.Conclusion = &reason
	t.Output = nil
	t.CompletedAt = &now
	return nil
}

// Abandon skips any task that has not reached COMPLETED or SKIPPED. It is used when
// the regression cycle owning the task is discarded.
func Abandon(t *models.ReleaseTask, reason string, now time.Time) error {
	if t.Status.Done() {
		return apperrors.InvalidTransition("cannot abandon task %s from %s", t.ID, t.Status)
	}
	t.Status = models.TaskStatusSkipped
	t.Conclusion = &reason
	t.Output = nil
	t.CompletedAt = &now
	return nil
}
