package approval

import (
	"context"
	"errors"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

// TestResult is the outcome of the automation runs of one cycle.
type TestResult struct {
	Reported       bool
	PassPercentage float64
}

type TestChecker interface {
	Check(ctx context.Context, r models.Release, cycle models.RegressionCycle) (TestResult, error)
}

type CherryPickStatus struct {
	Commits int `json:"commits"`
}

func (s CherryPickStatus) Clean() bool { return s.Commits == 0 }

// CherryPickChecker counts commits on the release branch since the reference cycle,
// or since the branch was cut when since is nil.
type CherryPickChecker interface {
	Status(ctx context.Context, r models.Release, since *models.RegressionCycle) (CherryPickStatus, error)
}

// StaticCherryPicks always reports the same drift.
type StaticCherryPicks struct {
	Commits int
}

func (s StaticCherryPicks) Status(context.Context, models.Release, *models.RegressionCycle) (CherryPickStatus, error) {
	return CherryPickStatus{Commits: s.Commits}, nil
}

type taskLister interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.ReleaseTask, error)
}

// OutputTestChecker reads the TRIGGER_AUTOMATION_RUNS output of the cycle.
type OutputTestChecker struct {
	tasks taskLister
}

func NewOutputTestChecker(st taskLister) *OutputTestChecker {
	return &OutputTestChecker{tasks: st}
}

func (c *OutputTestChecker) Check(ctx context.Context, r models.Release, cycle models.RegressionCycle) (TestResult, error) {
	cycleID := cycle.ID
	list, err := c.tasks.ListTasks(ctx, store.TaskFilter{ReleaseID: r.ID, CycleID: &cycleID})
	if err != nil {
		return TestResult{}, err
	}
	for _, t := range list {
		if t.Type != models.TaskTriggerAutomationRuns || t.Status != models.TaskStatusCompleted {
			continue
		}
		out, err := tasks.DecodeOutput(t.Type, t.Output)
		if err != nil {
			return TestResult{}, err
		}
		runs, ok := out.(*tasks.AutomationRunsOutput)
		if !ok {
			return TestResult{}, errors.New("unexpected automation output")
		}
		return TestResult{Reported: true, PassPercentage: runs.PassPercentage}, nil
	}
	return TestResult{}, nil
}
