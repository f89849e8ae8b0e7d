package release

import (
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

var statusTransitions = map[models.ReleaseStatus][]models.ReleaseStatus{
	models.ReleaseStatusPending:    {models.ReleaseStatusInProgress, models.ReleaseStatusArchived},
	models.ReleaseStatusInProgress: {models.ReleaseStatusPaused, models.ReleaseStatusSubmitted, models.ReleaseStatusArchived},
	models.ReleaseStatusPaused:     {models.ReleaseStatusInProgress, models.ReleaseStatusArchived},
	models.ReleaseStatusSubmitted:  {models.ReleaseStatusCompleted, models.ReleaseStatusArchived},
}

// CanTransition reports whether from -> to is a legal release status move.
func CanTransition(from, to models.ReleaseStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves r to status to, or returns InvalidTransition without touching r.
func Transition(r *models.Release, to models.ReleaseStatus) error {
	if !CanTransition(r.Status, to) {
		return apperrors.InvalidTransition("release %s cannot move from %s to %s", r.Key, r.Status, to)
	}
	r.Status = to
	return nil
}

// Mutable reports whether the release still accepts orchestration activity.
func Mutable(r models.Release) bool {
	return r.Status != models.ReleaseStatusArchived && r.Status != models.ReleaseStatusCompleted
}
