// Package release holds the release status machine and the derived display phase.
package release

import (
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// Phase is the display-oriented projection of a release. It is never stored.
type Phase string

const (
	PhaseNotStarted             Phase = "NOT_STARTED"
	PhaseKickoff                Phase = "KICKOFF"
	PhaseAwaitingRegression     Phase = "AWAITING_REGRESSION_TRIGGER"
	PhaseRegressionPending      Phase = "REGRESSION_PENDING"
	PhaseRegressionScheduled    Phase = "REGRESSION_SCHEDULED"
	PhaseRegressionRunning      Phase = "REGRESSION_RUNNING"
	PhaseRegressionCycleDone    Phase = "REGRESSION_CYCLE_COMPLETE"
	PhaseRegressionAbandoned    Phase = "REGRESSION_ABANDONED"
	PhaseAwaitingPostRegression Phase = "AWAITING_POST_REGRESSION_TRIGGER"
	PhasePostRegression         Phase = "POST_REGRESSION"
	PhaseBlockedByTaskFailure   Phase = "BLOCKED_TASK_FAILURE"
	PhasePaused                 Phase = "PAUSED"
	PhaseSubmitted              Phase = "SUBMITTED"
	PhaseCompleted              Phase = "COMPLETED"
	PhaseArchived               Phase = "ARCHIVED"
)

// PhaseInput carries every field the phase depends on. LatestCycle is nil before the
// first regression cycle exists.
type PhaseInput struct {
	Status      models.ReleaseStatus
	Stage1      models.StageStatus
	Stage2      models.StageStatus
	Stage3      models.StageStatus
	CronStatus  models.CronStatus
	PauseType   models.PauseType
	LatestCycle *models.CycleStatus
}

// InputFor assembles a PhaseInput from stored records.
func InputFor(r models.Release, job models.CronJob, latest *models.RegressionCycle) PhaseInput {
	in := PhaseInput{
		Status:     r.Status,
		Stage1:     job.Stage1Status,
		Stage2:     job.Stage2Status,
		Stage3:     job.Stage3Status,
		CronStatus: job.CronStatus,
		PauseType:  job.PauseType,
	}
	if latest != nil {
		st := latest.Status
		in.LatestCycle = &st
	}
	return in
}

// DerivePhase is a pure function of its input.
func DerivePhase(in PhaseInput) Phase {
	switch in.Status {
	case models.ReleaseStatusArchived:
		return PhaseArchived
	case models.ReleaseStatusCompleted:
		return PhaseCompleted
	case models.ReleaseStatusSubmitted:
		return PhaseSubmitted
	}
	if in.CronStatus == models.CronStatusCompleted {
		return PhaseSubmitted
	}

	if in.CronStatus == models.CronStatusPaused {
		switch in.PauseType {
		case models.PauseTypeTaskFailure:
			return PhaseBlockedByTaskFailure
		case models.PauseTypeAwaitingStageTrigger:
			if in.Stage2 == models.StageStatusCompleted {
				return PhaseAwaitingPostRegression
			}
			if in.Stage1 == models.StageStatusCompleted {
				return PhaseAwaitingRegression
			}
		}
		return PhasePaused
	}
	if in.Status == models.ReleaseStatusPaused {
		return PhasePaused
	}
	if in.Status == models.ReleaseStatusPending || in.CronStatus == models.CronStatusPending {
		return PhaseNotStarted
	}

	switch {
	case in.Stage3 == models.StageStatusInProgress:
		return PhasePostRegression
	case in.Stage2 == models.StageStatusInProgress:
		return regressionPhase(in.LatestCycle)
	case in.Stage1 == models.StageStatusInProgress:
		return PhaseKickoff
	case in.Stage2 == models.StageStatusCompleted:
		return PhaseAwaitingPostRegression
	case in.Stage1 == models.StageStatusCompleted:
		return PhaseAwaitingRegression
	}
	return PhaseKickoff
}

func regressionPhase(latest *models.CycleStatus) Phase {
	if latest == nil {
		return PhaseRegressionPending
	}
	switch *latest {
	case models.CycleStatusNotStarted:
		return PhaseRegressionScheduled
	case models.CycleStatusInProgress:
		return PhaseRegressionRunning
	case models.CycleStatusDone:
		return PhaseRegressionCycleDone
	case models.CycleStatusAbandoned:
		return PhaseRegressionAbandoned
	}
	return PhaseRegressionPending
}
