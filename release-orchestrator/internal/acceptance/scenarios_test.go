// Package acceptance drives whole releases through the orchestrator and rollout
// controller over the in-memory store.
package acceptance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/regression"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/rollout"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

var start = time.Date(2026, 10, 5, 8, 30, 0, 0, time.UTC)

// pollingExecutor leaves regression builds IN_PROGRESS so they are polled rather
// than parked on a callback.
type pollingExecutor struct {
	local *orchestrator.LocalExecutor
	poll  models.TaskType
}

func (e *pollingExecutor) Execute(ctx context.Context, req orchestrator.ExecuteRequest) (orchestrator.Result, error) {
	if req.Task.Type == e.poll {
		return orchestrator.Result{}, nil
	}
	return e.local.Execute(ctx, req)
}

type env struct {
	ctx      context.Context
	now      time.Time
	store    *store.MemoryStore
	log      *activity.Log
	pipeline tasks.Pipeline
	ctrl     *rollout.Controller
	orch     *orchestrator.Orchestrator
	exec     *pollingExecutor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{ctx: context.Background(), now: start}
	clock := func() time.Time { return e.now }
	e.store = store.NewMemoryStore()
	e.store.NowFunc = clock
	e.log = activity.NewLog(activity.NewMemoryStore(), nil)
	e.log.NowFunc = clock
	pipeline := tasks.MustDefaultPipeline()
	e.pipeline = pipeline
	cycles := regression.NewManager(e.store, pipeline, e.log, nil)
	cycles.NowFunc = clock
	e.ctrl = rollout.NewController(e.store, e.log, rollout.DefaultsFrom(config.Rollout{AndroidInitialRollout: 10}), nil)
	e.ctrl.NowFunc = clock
	e.exec = &pollingExecutor{local: orchestrator.NewLocalExecutor()}
	e.orch = orchestrator.New(orchestrator.Deps{
		Store:     e.store,
		Pipeline:  pipeline,
		Cycles:    cycles,
		Submitter: e.ctrl,
		Executor:  e.exec,
		Activity:  e.log,
	})
	e.orch.NowFunc = clock
	return e
}

func (e *env) kickoff(t *testing.T, platforms []models.Platform, slots ...time.Time) uuid.UUID {
	t.Helper()
	req := orchestrator.KickoffRequest{
		Key:                    "rel-" + uuid.NewString()[:6],
		TenantID:               "acme",
		Type:                   models.ReleaseTypeMinor,
		AppVersion:             "7.1.0",
		BaseBranch:             "main",
		KickoffDate:            start,
		TestPassThreshold:      80,
		AutoTransitionToStage2: true,
		AutoTransitionToStage3: true,
	}
	for _, p := range platforms {
		req.Targets = append(req.Targets, models.PlatformTarget{Platform: p, Target: "STORE"})
	}
	for _, at := range slots {
		req.Slots = append(req.Slots, orchestrator.SlotRequest{
			ScheduledAt: at,
			Config:      models.SlotConfig{AutomationRuns: true, ReleaseNotes: true},
		})
	}
	v, err := e.orch.Kickoff(e.ctx, req)
	require.NoError(t, err)
	return v.Release.ID
}

func (e *env) tick(t *testing.T) {
	t.Helper()
	_, err := e.orch.Tick(e.ctx)
	require.NoError(t, err)
}

func (e *env) view(t *testing.T, id uuid.UUID) release.View {
	t.Helper()
	v, err := e.orch.View(e.ctx, id)
	require.NoError(t, err)
	return v
}

func (e *env) latestTask(t *testing.T, id uuid.UUID, typ models.TaskType) models.ReleaseTask {
	t.Helper()
	var out models.ReleaseTask
	for _, task := range e.view(t, id).Tasks {
		if task.Type == typ {
			out = task
		}
	}
	require.NotEqual(t, uuid.Nil, out.ID, "no %s task", typ)
	return out
}

func (e *env) callback(t *testing.T, id uuid.UUID, typ models.TaskType, platforms ...models.Platform) {
	t.Helper()
	task := e.latestTask(t, id, typ)
	for _, p := range platforms {
		_, err := e.orch.HandleCallback(e.ctx, orchestrator.CallbackInput{
			TaskID:   task.ID,
			Platform: p,
			JobURL:   "https://ci.acme.io/" + task.ID.String()[:8] + "/" + string(p),
			Status:   "SUCCEEDED",
		})
		require.NoError(t, err)
	}
}

// submitted drives a release from kickoff to SUBMITTED with a single regression cycle.
func (e *env) submitted(t *testing.T, platforms ...models.Platform) uuid.UUID {
	t.Helper()
	id := e.kickoff(t, platforms, start)
	e.tick(t)
	e.callback(t, id, models.TaskTriggerPreRegressionBuilds, platforms...)
	e.callback(t, id, models.TaskTriggerRegressionBuilds, platforms...)
	r := e.view(t, id).Release
	for _, def := range e.pipeline.StageTasks(models.StagePostRegression) {
		if !def.IsBuild() {
			continue
		}
		if targets := def.RequiredPlatforms(r); len(targets) > 0 {
			e.callback(t, id, def.Type, targets...)
		}
	}
	require.Equal(t, models.ReleaseStatusSubmitted, e.view(t, id).Release.Status)
	return id
}

func (e *env) live(t *testing.T, id uuid.UUID, p models.Platform) models.Submission {
	t.Helper()
	var s models.Submission
	var err error
	for _, st := range []models.SubmissionStatus{models.SubmissionInReview, models.SubmissionApproved, models.SubmissionLive} {
		s, err = e.ctrl.ApplyStoreStatus(e.ctx, rollout.StoreStatusUpdate{ReleaseID: id, Platform: p, Status: st})
		require.NoError(t, err)
	}
	return s
}

func TestScenarioANextSlotStartsNewCycleWithoutAdvancingStage(t *testing.T) {
	e := newEnv(t)
	platforms := []models.Platform{models.PlatformAndroid, models.PlatformIOS}
	id := e.kickoff(t, platforms, start.Add(time.Hour), start.Add(26*time.Hour))

	e.tick(t)
	e.callback(t, id, models.TaskTriggerPreRegressionBuilds, platforms...)
	v := e.view(t, id)
	require.Len(t, v.Cycles, 1)
	assert.Equal(t, models.CycleStatusNotStarted, v.Cycles[0].Status)
	assert.Equal(t, release.PhaseRegressionScheduled, v.Phase)

	e.now = start.Add(time.Hour)
	e.tick(t)
	assert.Equal(t, models.CycleStatusInProgress, e.view(t, id).Cycles[0].Status)
	e.callback(t, id, models.TaskTriggerRegressionBuilds, platforms...)

	v = e.view(t, id)
	require.Len(t, v.Cycles, 2)
	assert.Equal(t, models.CycleStatusDone, v.Cycles[0].Status)
	assert.False(t, v.Cycles[0].IsLatest)
	assert.Equal(t, models.CycleStatusNotStarted, v.Cycles[1].Status)
	assert.True(t, v.Cycles[1].IsLatest)
	assert.Equal(t, models.StageRegression, v.Release.CurrentStage)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage2Status)
	assert.Equal(t, models.StageStatusPending, v.CronJob.Stage3Status)

	eval, _, err := e.orch.Approval(e.ctx, id)
	require.NoError(t, err)
	assert.False(t, eval.CanApprove, "an active cycle blocks approval")

	// The second slot comes due and its cycle finishes the stage.
	e.now = start.Add(26 * time.Hour)
	e.tick(t)
	e.callback(t, id, models.TaskTriggerRegressionBuilds, platforms...)
	v = e.view(t, id)
	assert.Equal(t, models.CycleStatusDone, v.Cycles[1].Status)
	assert.Equal(t, models.StageStatusCompleted, v.CronJob.Stage2Status)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage3Status)
}

func TestScenarioBHaltedAndroidRolloutRejectsUpdates(t *testing.T) {
	e := newEnv(t)
	id := e.submitted(t, models.PlatformAndroid)
	s := e.live(t, id, models.PlatformAndroid)
	assert.Equal(t, 10.0, s.RolloutPercentage, "staged rollout starts at the configured percentage")

	s, err := e.ctrl.UpdateRollout(e.ctx, rollout.Action{ReleaseID: id, Platform: models.PlatformAndroid, Percentage: 25, Actor: "rm"})
	require.NoError(t, err)
	assert.Equal(t, 25.0, s.RolloutPercentage)

	s, err = e.ctrl.Halt(e.ctx, rollout.Action{ReleaseID: id, Platform: models.PlatformAndroid, Reason: "critical crash", Actor: "rm"})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionHalted, s.Status)

	for _, pct := range []float64{25, 50, 100} {
		_, err = e.ctrl.UpdateRollout(e.ctx, rollout.Action{ReleaseID: id, Platform: models.PlatformAndroid, Percentage: pct, Actor: "rm"})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition), "percentage %v", pct)
	}
}

func TestScenarioCRetriedRegressionBuildResumesRelease(t *testing.T) {
	e := newEnv(t)
	platforms := []models.Platform{models.PlatformAndroid}
	id := e.kickoff(t, platforms, start)
	e.tick(t)
	e.callback(t, id, models.TaskTriggerPreRegressionBuilds, platforms...)

	builds := e.latestTask(t, id, models.TaskTriggerRegressionBuilds)
	require.Equal(t, models.TaskStatusAwaitingCallback, builds.Status)
	_, err := e.orch.HandleCallback(e.ctx, orchestrator.CallbackInput{
		TaskID:   builds.ID,
		Platform: models.PlatformAndroid,
		JobURL:   "https://ci.acme.io/runs/55",
		Status:   "FAILED",
		Reason:   "gradle daemon crashed",
	})
	require.NoError(t, err)
	v := e.view(t, id)
	require.Equal(t, models.PauseTypeTaskFailure, v.CronJob.PauseType)
	require.Equal(t, models.TaskStatusFailed, e.latestTask(t, id, models.TaskTriggerRegressionBuilds).Status)

	retried, err := e.orch.RetryTask(e.ctx, builds.ID, "rm")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, retried.Status)

	e.exec.poll = models.TaskTriggerRegressionBuilds
	e.tick(t)
	v = e.view(t, id)
	assert.Equal(t, models.TaskStatusInProgress, e.latestTask(t, id, models.TaskTriggerRegressionBuilds).Status)
	assert.Equal(t, models.PauseTypeNone, v.CronJob.PauseType)
	assert.Equal(t, models.CronStatusRunning, v.CronJob.CronStatus)
	assert.Equal(t, release.PhaseRegressionRunning, v.Phase)
}

func TestScenarioDNonPhasedIOSRejectsRolloutUpdates(t *testing.T) {
	e := newEnv(t)
	id := e.submitted(t, models.PlatformIOS)
	s := e.live(t, id, models.PlatformIOS)
	require.False(t, s.PhasedRelease)
	assert.Equal(t, 100.0, s.RolloutPercentage)

	for _, pct := range []float64{1, 50, 100} {
		_, err := e.ctrl.UpdateRollout(e.ctx, rollout.Action{ReleaseID: id, Platform: models.PlatformIOS, Percentage: pct, Actor: "rm"})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidPlatformOperation), "percentage %v", pct)
	}
}

func TestActivityChainCoversWholeRelease(t *testing.T) {
	e := newEnv(t)
	id := e.submitted(t, models.PlatformAndroid, models.PlatformIOS)
	n, err := e.log.Verify(e.ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 30)

	entries, err := e.log.List(e.ctx, activity.Filter{ReleaseID: id, EntityType: activity.EntityCronJob})
	require.NoError(t, err)
	var stages []string
	for _, en := range entries {
		if en.Action == "STAGE_STARTED" {
			stages = append(stages, string(en.NewValue))
		}
	}
	assert.Len(t, stages, 3)
}
