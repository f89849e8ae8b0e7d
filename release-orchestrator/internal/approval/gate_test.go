package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

var now = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.MemoryStore
	log     *activity.Log
	release models.Release
}

func newFixture(t *testing.T, threshold float64) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.NowFunc = func() time.Time { return now }
	id := uuid.New()
	r, err := st.Kickoff(context.Background(), store.KickoffInput{
		Release: models.Release{
			ID:                id,
			Key:               "gate-" + id.String()[:8],
			Status:            models.ReleaseStatusInProgress,
			ReleaseBranch:     "release/4.2.0",
			Targets:           []models.PlatformTarget{{Platform: models.PlatformAndroid, Target: "PLAY_STORE"}},
			BuildMode:         models.BuildModeCICD,
			TestPassThreshold: threshold,
		},
		CronJob: models.CronJob{ReleaseID: id, CronStatus: models.CronStatusRunning},
	})
	require.NoError(t, err)
	return &fixture{store: st, log: activity.NewLog(activity.NewMemoryStore(), nil), release: r}
}

// doneCycle creates a DONE cycle whose automation task reported pass.
func (f *fixture) doneCycle(t *testing.T, pass *float64) models.RegressionCycle {
	t.Helper()
	ctx := context.Background()
	c := models.RegressionCycle{ID: uuid.New(), ReleaseID: f.release.ID, Status: models.CycleStatusInProgress, ScheduledAt: now}
	created, err := f.store.CreateCycle(ctx, store.CycleInput{Cycle: c, Tasks: tasks.MustDefaultPipeline().NewCycleTasks(f.release.ID, c.ID)})
	require.NoError(t, err)
	if pass != nil {
		list, err := f.store.ListTasks(ctx, store.TaskFilter{ReleaseID: f.release.ID, CycleID: &c.ID})
		require.NoError(t, err)
		for _, task := range list {
			if task.Type != models.TaskTriggerAutomationRuns {
				continue
			}
			require.NoError(t, tasks.Start(&task, now))
			out, _ := json.Marshal(tasks.AutomationRunsOutput{RunIDs: []string{"r1"}, PassPercentage: *pass})
			_, err := tasks.Complete(&task, out, now)
			require.NoError(t, err)
			_, err = f.store.UpdateTask(ctx, task)
			require.NoError(t, err)
		}
	}
	created.Status = models.CycleStatusDone
	done, err := f.store.UpdateCycle(ctx, created)
	require.NoError(t, err)
	return done
}

func pct(v float64) *float64 { return &v }

func requirement(e Evaluation, name RequirementName) Requirement {
	for _, r := range e.Requirements {
		if r.Name == name {
			return r
		}
	}
	return Requirement{}
}

func TestEvaluateAllRequirementsMet(t *testing.T) {
	f := newFixture(t, 90)
	f.doneCycle(t, pct(97.5))
	gate := NewGate(f.store, nil, nil, f.log, nil)

	eval, err := gate.Evaluate(context.Background(), f.release)
	require.NoError(t, err)
	assert.True(t, eval.CanApprove)
	assert.Empty(t, eval.Failed())
	require.Len(t, eval.Requirements, 3)
}

func TestEvaluateRequirementsAreIndependent(t *testing.T) {
	f := newFixture(t, 90)
	f.doneCycle(t, pct(80))
	_, err := f.store.CreateSlot(context.Background(), models.RegressionSlot{ReleaseID: f.release.ID, ScheduledAt: now.Add(time.Hour)})
	require.NoError(t, err)
	gate := NewGate(f.store, nil, StaticCherryPicks{Commits: 2}, f.log, nil)

	eval, err := gate.Evaluate(context.Background(), f.release)
	require.NoError(t, err)
	assert.False(t, eval.CanApprove)
	assert.ElementsMatch(t, []RequirementName{RequirementTestsPassed, RequirementCherryPickClean, RequirementNoActiveCycles}, eval.Failed())
	assert.Contains(t, requirement(eval, RequirementCherryPickClean).Detail, "release/4.2.0")
}

func TestEvaluateWithoutAutomationResults(t *testing.T) {
	f := newFixture(t, 0)
	f.doneCycle(t, nil)
	gate := NewGate(f.store, nil, nil, f.log, nil)
	eval, err := gate.Evaluate(context.Background(), f.release)
	require.NoError(t, err)
	assert.True(t, requirement(eval, RequirementTestsPassed).Passed, "zero threshold needs no results")

	strict := newFixture(t, 50)
	strict.doneCycle(t, nil)
	eval, err = NewGate(strict.store, nil, nil, strict.log, nil).Evaluate(context.Background(), strict.release)
	require.NoError(t, err)
	assert.False(t, requirement(eval, RequirementTestsPassed).Passed)
}

func TestForceApproveAuthorization(t *testing.T) {
	f := newFixture(t, 90)
	gate := NewGate(f.store, nil, nil, f.log, nil)

	err := gate.Authorize([]string{"Engineer"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))
	require.NoError(t, gate.Authorize([]string{"Viewer", "ReleaseManager"}))

	eval, err := gate.Evaluate(context.Background(), f.release)
	require.NoError(t, err)
	require.NoError(t, gate.RecordOverride(context.Background(), f.release, eval, "lead-1", "ship blocker fix"))

	entries, err := f.log.List(context.Background(), activity.Filter{ReleaseID: f.release.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "APPROVAL_OVERRIDE", entries[0].Action)
	assert.Equal(t, "lead-1", entries[0].Actor)
}

func TestPromotionReadiness(t *testing.T) {
	f := newFixture(t, 0)
	cycle := f.doneCycle(t, pct(100))
	gate := NewGate(f.store, nil, StaticCherryPicks{Commits: 1}, f.log, nil)
	ctx := context.Background()

	ready, err := gate.PromotionReadiness(ctx, f.release)
	require.NoError(t, err)
	assert.False(t, ready.Ready)
	codes := map[string]Severity{}
	for _, is := range ready.Issues {
		codes[is.Code] = is.Severity
	}
	assert.Equal(t, SeverityError, codes["BUILD_MISSING"])
	assert.Equal(t, SeverityError, codes["PM_APPROVAL_MISSING"])
	assert.Equal(t, SeverityWarning, codes["CHERRY_PICKS_PENDING"])

	cycleID := cycle.ID
	_, err = f.store.CreateBuild(ctx, models.Build{ReleaseID: f.release.ID, CycleID: &cycleID, Platform: models.PlatformAndroid, Stage: models.BuildStageRegression})
	require.NoError(t, err)
	approved, err := gate.RecordPMApproval(ctx, f.release.ID, "pm-1")
	require.NoError(t, err)
	require.NotNil(t, approved.PMApprovedBy)

	ready, err = gate.PromotionReadiness(ctx, approved)
	require.NoError(t, err)
	assert.True(t, ready.Ready, "warnings do not block")
	require.Len(t, ready.Issues, 1)
	assert.Equal(t, SeverityWarning, ready.Issues[0].Severity)
}
