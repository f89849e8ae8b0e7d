package approval

import (
	"context"
	"fmt"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Issue struct {
	Code     string          `json:"code"`
	Severity Severity        `json:"severity"`
	Message  string          `json:"message"`
	Platform models.Platform `json:"platform,omitempty"`
}

type Readiness struct {
	Ready  bool    `json:"ready"`
	Issues []Issue `json:"issues"`
}

// PromotionReadiness combines build readiness, PM approval and cherry-pick drift.
// Only ERROR issues block promotion.
func (g *Gate) PromotionReadiness(ctx context.Context, r models.Release) (Readiness, error) {
	cycles, err := g.store.ListCycles(ctx, r.ID)
	if err != nil {
		return Readiness{}, fmt.Errorf("list cycles: %w", err)
	}
	last := lastDoneCycle(cycles)
	issues := []Issue{}

	regression := models.BuildStageRegression
	for _, p := range r.Platforms() {
		platform := p
		builds, err := g.store.ListBuilds(ctx, store.BuildFilter{ReleaseID: r.ID, Stage: &regression, Platform: &platform})
		if err != nil {
			return Readiness{}, fmt.Errorf("list builds: %w", err)
		}
		if !hasCycleBuild(builds, last) {
			issues = append(issues, Issue{
				Code:     "BUILD_MISSING",
				Severity: SeverityError,
				Message:  fmt.Sprintf("no regression build for %s from the last completed cycle", p),
				Platform: p,
			})
		}
	}

	if r.PMApprovedBy == nil {
		issues = append(issues, Issue{Code: "PM_APPROVAL_MISSING", Severity: SeverityError, Message: "product manager approval is required"})
	}

	status, err := g.cherryPicks.Status(ctx, r, last)
	if err != nil {
		return Readiness{}, fmt.Errorf("check cherry picks: %w", err)
	}
	if !status.Clean() {
		issues = append(issues, Issue{
			Code:     "CHERRY_PICKS_PENDING",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d commits on %s are not covered by a regression cycle", status.Commits, r.ReleaseBranch),
		})
	}

	ready := true
	for _, is := range issues {
		if is.Severity == SeverityError {
			ready = false
		}
	}
	return Readiness{Ready: ready, Issues: issues}, nil
}

func hasCycleBuild(builds []models.Build, cycle *models.RegressionCycle) bool {
	if cycle == nil {
		return false
	}
	for _, b := range builds {
		if b.CycleID != nil && *b.CycleID == cycle.ID {
			return true
		}
	}
	return false
}
