// Package approval decides whether a release may leave the REGRESSION stage and
// whether it is ready to be promoted to distribution.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
)

type RequirementName string

const (
	RequirementTestsPassed     RequirementName = "TEST_MANAGEMENT_PASSED"
	RequirementCherryPickClean RequirementName = "NO_CHERRY_PICK_DRIFT"
	RequirementNoActiveCycles  RequirementName = "NO_ACTIVE_CYCLES"
)

type Requirement struct {
	Name   RequirementName `json:"name"`
	Passed bool            `json:"passed"`
	Detail string          `json:"detail,omitempty"`
}

type Evaluation struct {
	CanApprove   bool          `json:"canApprove"`
	Requirements []Requirement `json:"requirements"`
}

// Failed lists the names of unmet requirements.
func (e Evaluation) Failed() []RequirementName {
	var out []RequirementName
	for _, r := range e.Requirements {
		if !r.Passed {
			out = append(out, r.Name)
		}
	}
	return out
}

// DefaultOverrideRoles may force an approval.
var DefaultOverrideRoles = []string{"ReleaseAdmin", "ReleaseManager"}

type Store interface {
	GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error)
	UpdateRelease(ctx context.Context, r models.Release) (models.Release, error)
	ListCycles(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionCycle, error)
	ListSlots(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionSlot, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.ReleaseTask, error)
	ListBuilds(ctx context.Context, filter store.BuildFilter) ([]models.Build, error)
}

type Gate struct {
	store       Store
	tests       TestChecker
	cherryPicks CherryPickChecker
	activity    activity.Recorder
	logger      *zap.Logger

	OverrideRoles []string
	NowFunc       func() time.Time
}

// NewGate wires the collaborators. A nil TestChecker reads automation task output; a
// nil CherryPickChecker reports a clean branch.
func NewGate(st Store, tests TestChecker, cherryPicks CherryPickChecker, rec activity.Recorder, logger *zap.Logger) *Gate {
	if tests == nil {
		tests = NewOutputTestChecker(st)
	}
	if cherryPicks == nil {
		cherryPicks = StaticCherryPicks{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:         st,
		tests:         tests,
		cherryPicks:   cherryPicks,
		activity:      rec,
		logger:        logger.Named("approval"),
		OverrideRoles: DefaultOverrideRoles,
	}
}

func (g *Gate) now() time.Time {
	if g.NowFunc != nil {
		return g.NowFunc().UTC()
	}
	return time.Now().UTC()
}

// lastDoneCycle returns the most recently created DONE cycle.
func lastDoneCycle(cycles []models.RegressionCycle) *models.RegressionCycle {
	for i := len(cycles) - 1; i >= 0; i-- {
		if cycles[i].Status == models.CycleStatusDone {
			c := cycles[i]
			return &c
		}
	}
	return nil
}

// Evaluate computes the three independent requirements for REGRESSION -> POST_REGRESSION.
func (g *Gate) Evaluate(ctx context.Context, r models.Release) (Evaluation, error) {
	cycles, err := g.store.ListCycles(ctx, r.ID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("list cycles: %w", err)
	}
	slots, err := g.store.ListSlots(ctx, r.ID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("list slots: %w", err)
	}
	last := lastDoneCycle(cycles)

	tests := Requirement{Name: RequirementTestsPassed}
	if last == nil {
		tests.Detail = "no completed regression cycle"
	} else {
		res, err := g.tests.Check(ctx, r, *last)
		if err != nil {
			return Evaluation{}, fmt.Errorf("check test results: %w", err)
		}
		switch {
		case !res.Reported:
			tests.Passed = r.TestPassThreshold <= 0
			tests.Detail = "no automation results reported"
		default:
			tests.Passed = res.PassPercentage >= r.TestPassThreshold
			tests.Detail = fmt.Sprintf("pass rate %.1f%%, threshold %.1f%%", res.PassPercentage, r.TestPassThreshold)
		}
	}

	picks := Requirement{Name: RequirementCherryPickClean}
	status, err := g.cherryPicks.Status(ctx, r, last)
	if err != nil {
		return Evaluation{}, fmt.Errorf("check cherry picks: %w", err)
	}
	picks.Passed = status.Clean()
	if !picks.Passed {
		picks.Detail = fmt.Sprintf("%d commits landed on %s since the last regression cycle", status.Commits, r.ReleaseBranch)
	}

	idle := Requirement{Name: RequirementNoActiveCycles, Passed: true}
	for _, c := range cycles {
		if c.Status.Active() {
			idle.Passed = false
			idle.Detail = fmt.Sprintf("cycle %s is %s", c.ID, c.Status)
		}
	}
	upcoming := 0
	for _, s := range slots {
		if !s.Consumed() {
			upcoming++
		}
	}
	if upcoming > 0 {
		idle.Passed = false
		idle.Detail = fmt.Sprintf("%d regression slots still scheduled", upcoming)
	}

	eval := Evaluation{Requirements: []Requirement{tests, picks, idle}}
	eval.CanApprove = tests.Passed && picks.Passed && idle.Passed
	return eval, nil
}

// Authorize checks that one of roles may force an approval.
func (g *Gate) Authorize(roles []string) error {
	for _, have := range roles {
		for _, allowed := range g.OverrideRoles {
			if have == allowed {
				return nil
			}
		}
	}
	return apperrors.Forbidden("forceApprove requires one of the roles %v", g.OverrideRoles)
}

// RecordOverride writes the audit entry for a forced approval.
func (g *Gate) RecordOverride(ctx context.Context, r models.Release, eval Evaluation, actor, reason string) error {
	if g.activity == nil {
		return nil
	}
	_, err := g.activity.Record(ctx, activity.Event{
		ReleaseID:  r.ID,
		EntityType: activity.EntityApproval,
		EntityID:   r.ID,
		Action:     "APPROVAL_OVERRIDE",
		Previous:   eval,
		New:        map[string]any{"canApprove": true, "forced": true},
		Actor:      actor,
		Reason:     reason,
		Metadata:   map[string]any{"failed": eval.Failed()},
	})
	if err != nil {
		return fmt.Errorf("record approval override: %w", err)
	}
	g.logger.Warn("approval forced",
		zap.String("release", r.Key),
		zap.String("actor", actor),
		zap.Any("failed", eval.Failed()))
	return nil
}

// RecordPMApproval stores the product manager sign-off. Repeat approvals keep the first.
func (g *Gate) RecordPMApproval(ctx context.Context, releaseID uuid.UUID, actor string) (models.Release, error) {
	if actor == "" {
		return models.Release{}, apperrors.Validation("approver required")
	}
	r, err := g.store.GetRelease(ctx, releaseID)
	if err != nil {
		return models.Release{}, err
	}
	if r.PMApprovedBy != nil {
		return r, nil
	}
	if r.Status == models.ReleaseStatusArchived {
		return models.Release{}, apperrors.InvalidTransition("release %s is archived", r.Key)
	}
	now := g.now()
	r.PMApprovedBy = &actor
	r.PMApprovedAt = &now
	updated, err := g.store.UpdateRelease(ctx, r)
	if err != nil {
		return models.Release{}, err
	}
	if g.activity != nil {
		if _, err := g.activity.Record(ctx, activity.Event{
			ReleaseID:  r.ID,
			EntityType: activity.EntityApproval,
			EntityID:   r.ID,
			Action:     "PM_APPROVED",
			New:        map[string]any{"approvedBy": actor, "approvedAt": now},
			Actor:      actor,
		}); err != nil {
			g.logger.Error("record pm approval", zap.Error(err))
		}
	}
	return updated, nil
}
