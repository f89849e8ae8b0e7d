package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/approval"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

func TestKickoffValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*KickoffRequest){
		"missing key":      func(r *KickoffRequest) { r.Key = " " },
		"bad type":         func(r *KickoffRequest) { r.Type = "PATCH" },
		"no targets":       func(r *KickoffRequest) { r.Targets = nil },
		"bad platform":     func(r *KickoffRequest) { r.Targets = []models.PlatformTarget{{Platform: "WINDOWS", Target: "X"}} },
		"bad build mode":   func(r *KickoffRequest) { r.BuildMode = "NIGHTLY" },
		"threshold range":  func(r *KickoffRequest) { r.TestPassThreshold = 101 },
		"missing versions": func(r *KickoffRequest) { r.AppVersion = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := KickoffRequest{
				Key:        "app-1",
				TenantID:   "acme",
				Type:       models.ReleaseTypeMinor,
				AppVersion: "1.0.0",
				BaseBranch: "main",
				Targets:    []models.PlatformTarget{{Platform: models.PlatformWeb, Target: "PROD"}},
			}
			mutate(&req)
			_, err := h.orch.Kickoff(h.ctx, req)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation), "got %v", err)
		})
	}
}

func TestKickoffCreatesPendingRelease(t *testing.T) {
	h := newHarness(t)
	v := h.kickoff(t, func(r *KickoffRequest) {
		r.KickoffDate = t0.Add(time.Hour)
		r.Slots = []SlotRequest{{ScheduledAt: t0.Add(48 * time.Hour)}, {ScheduledAt: t0.Add(24 * time.Hour)}}
	})
	assert.Equal(t, models.ReleaseStatusPending, v.Release.Status)
	assert.Equal(t, "release/4.2.0", v.Release.ReleaseBranch)
	assert.Equal(t, models.BuildModeCICD, v.Release.BuildMode)
	assert.Equal(t, models.CronStatusPending, v.CronJob.CronStatus)
	assert.Equal(t, models.PauseTypeNone, v.CronJob.PauseType)
	assert.Equal(t, release.PhaseNotStarted, v.Phase)
	require.Len(t, v.Slots, 2)
	assert.True(t, v.Slots[0].ScheduledAt.Before(v.Slots[1].ScheduledAt))
	require.Len(t, v.Tasks, 4)
	for _, task := range v.Tasks {
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.Equal(t, models.StageKickoff, task.Stage)
	}

	byKey, err := h.orch.ViewByKey(h.ctx, v.Release.Key)
	require.NoError(t, err)
	assert.Equal(t, v.Release.ID, byKey.Release.ID)

	// Nothing happens before the kickoff date.
	h.tick(t, v.Release.ID)
	assert.Equal(t, models.ReleaseStatusPending, h.view(t, v.Release.ID).Release.Status)
	assert.Equal(t, []string{"RELEASE_CREATED"}, h.actions(t, v.Release.ID))

	_, err = h.orch.Kickoff(h.ctx, KickoffRequest{
		Key:        v.Release.Key,
		TenantID:   "acme",
		Type:       models.ReleaseTypeMinor,
		AppVersion: "4.2.1",
		BaseBranch: "main",
		Targets:    v.Release.Targets,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestKickoffStageRunsTasksInOrderAndParksOnBuilds(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)

	v := h.view(t, id)
	assert.Equal(t, models.ReleaseStatusInProgress, v.Release.Status)
	assert.Equal(t, models.CronStatusRunning, v.CronJob.CronStatus)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage1Status)
	assert.Equal(t, release.PhaseKickoff, v.Phase)
	statuses := map[models.TaskType]models.TaskStatus{}
	for _, task := range v.Tasks {
		statuses[task.Type] = task.Status
	}
	assert.Equal(t, models.TaskStatusCompleted, statuses[models.TaskForkBranch])
	assert.Equal(t, models.TaskStatusCompleted, statuses[models.TaskCreateProjectManagementTicket])
	assert.Equal(t, models.TaskStatusCompleted, statuses[models.TaskCreateTestSuite])
	assert.Equal(t, models.TaskStatusAwaitingCallback, statuses[models.TaskTriggerPreRegressionBuilds])

	fork := h.task(t, id, models.TaskForkBranch)
	out, err := tasks.DecodeOutput(fork.Type, fork.Output)
	require.NoError(t, err)
	assert.Equal(t, "release/4.2.0", out.(*tasks.BranchOutput).BranchName)

	// A second tick polls nothing new.
	h.tick(t, id)
	assert.Equal(t, 1, h.exec.calls[models.TaskForkBranch])
	assert.Equal(t, 1, h.exec.calls[models.TaskTriggerPreRegressionBuilds])
}

func TestCallbacksCompleteBuildTaskAndAdvanceToRegression(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)

	partial := h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformAndroid)
	assert.Equal(t, models.TaskStatusAwaitingCallback, partial.Status, "iOS still missing")

	done := h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformIOS)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	out, err := tasks.DecodeOutput(done.Type, done.Output)
	require.NoError(t, err)
	builds := out.(*tasks.BuildsOutput).Builds
	require.Len(t, builds, 2)
	assert.Equal(t, models.PlatformAndroid, builds[0].Platform)

	v := h.view(t, id)
	assert.Equal(t, models.StageStatusCompleted, v.CronJob.Stage1Status)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage2Status)
	assert.Equal(t, models.StageRegression, v.Release.CurrentStage)
	require.Len(t, v.Cycles, 1)
	cycle := v.Cycles[0]
	assert.Equal(t, models.CycleStatusInProgress, cycle.Status)
	assert.True(t, cycle.IsLatest)
	require.NotNil(t, cycle.Tag)
	assert.Equal(t, "v4.2.0-rc.20260914T0900", *cycle.Tag)
	assert.Equal(t, release.PhaseRegressionRunning, v.Phase)
	assert.Equal(t, models.TaskStatusAwaitingCallback, h.task(t, id, models.TaskTriggerRegressionBuilds).Status)
	assert.Len(t, v.Builds, 2)
}

func TestDuplicateCallbacks(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)
	task := h.task(t, id, models.TaskTriggerPreRegressionBuilds)

	in := CallbackInput{TaskID: task.ID, Platform: models.PlatformAndroid, JobURL: "https://ci.acme.io/jobs/7", Status: "SUCCEEDED"}
	_, err := h.orch.HandleCallback(h.ctx, in)
	require.NoError(t, err)
	_, err = h.orch.HandleCallback(h.ctx, in)
	require.NoError(t, err, "identical redelivery is a no-op")
	assert.Len(t, h.view(t, id).Builds, 1)

	in.JobURL = "https://ci.acme.io/jobs/8"
	_, err = h.orch.HandleCallback(h.ctx, in)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDuplicateCompletion))
	assert.Contains(t, h.actions(t, id), "CI_CD_CALLBACK_REJECTED")

	in.Platform = models.PlatformWeb
	_, err = h.orch.HandleCallback(h.ctx, in)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestFailedCallbackHaltsUntilRetried(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)
	task := h.task(t, id, models.TaskTriggerPreRegressionBuilds)

	failed, err := h.orch.HandleCallback(h.ctx, CallbackInput{
		TaskID: task.ID, Platform: models.PlatformIOS, JobURL: "https://ci.acme.io/jobs/9", Status: "FAILED", Reason: "signing failed",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	require.NotNil(t, failed.Conclusion)
	assert.Contains(t, *failed.Conclusion, "signing failed")

	v := h.view(t, id)
	assert.Equal(t, models.CronStatusPaused, v.CronJob.CronStatus)
	assert.Equal(t, models.PauseTypeTaskFailure, v.CronJob.PauseType)
	assert.Equal(t, models.ReleaseStatusInProgress, v.Release.Status)
	assert.Equal(t, release.PhaseBlockedByTaskFailure, v.Phase)

	// Still blocked.
	h.tick(t, id)
	assert.Equal(t, models.PauseTypeTaskFailure, h.view(t, id).CronJob.PauseType)

	retried, err := h.orch.RetryTask(h.ctx, task.ID, "rm@acme.io")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, retried.Status)
	assert.Nil(t, retried.Conclusion)

	h.tick(t, id)
	v = h.view(t, id)
	assert.Equal(t, models.CronStatusRunning, v.CronJob.CronStatus)
	assert.Equal(t, models.PauseTypeNone, v.CronJob.PauseType)
	assert.Equal(t, models.TaskStatusAwaitingCallback, h.task(t, id, models.TaskTriggerPreRegressionBuilds).Status)

	_, err = h.orch.RetryTask(h.ctx, task.ID, "rm@acme.io")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
	assert.Contains(t, h.actions(t, id), "TASK_RETRY_REJECTED")
}

func TestExecutorFailurePausesRelease(t *testing.T) {
	h := newHarness(t)
	h.exec.fail[models.TaskCreateTestSuite] = 1
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)

	suite := h.task(t, id, models.TaskCreateTestSuite)
	assert.Equal(t, models.TaskStatusFailed, suite.Status)
	assert.Equal(t, models.TaskStatusPending, h.task(t, id, models.TaskTriggerPreRegressionBuilds).Status, "later tasks wait")
	assert.Equal(t, models.PauseTypeTaskFailure, h.view(t, id).CronJob.PauseType)

	_, err := h.orch.RetryTask(h.ctx, suite.ID, "")
	require.NoError(t, err)
	h.tick(t, id)
	assert.Equal(t, models.TaskStatusCompleted, h.task(t, id, models.TaskCreateTestSuite).Status)
	assert.Equal(t, 2, h.exec.calls[models.TaskCreateTestSuite])

	actions := h.actions(t, id)
	assert.Contains(t, actions, "TASK_FAILED")
	assert.Contains(t, actions, "TASK_RETRIED")
	assert.Contains(t, actions, "CRON_RESUMED")
}

func TestInProgressTasksArePolled(t *testing.T) {
	h := newHarness(t)
	h.exec.poll[models.TaskForkBranch] = true
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)
	h.tick(t, id)
	assert.Equal(t, models.TaskStatusInProgress, h.task(t, id, models.TaskForkBranch).Status)
	assert.Equal(t, models.TaskStatusPending, h.task(t, id, models.TaskCreateProjectManagementTicket).Status)
	assert.Equal(t, 2, h.exec.calls[models.TaskForkBranch])

	h.exec.poll[models.TaskForkBranch] = false
	h.tick(t, id)
	assert.Equal(t, models.TaskStatusCompleted, h.task(t, id, models.TaskForkBranch).Status)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID

	_, err := h.orch.Pause(h.ctx, id, "rm@acme.io", "freeze")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition), "pending releases cannot pause")

	h.tick(t, id)
	v, err := h.orch.Pause(h.ctx, id, "rm@acme.io", "code freeze")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseStatusPaused, v.Release.Status)
	assert.Equal(t, models.PauseTypeUserRequested, v.CronJob.PauseType)
	assert.Equal(t, release.PhasePaused, v.Phase)

	// Builds land while paused but the release does not move.
	h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)
	v = h.view(t, id)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage1Status)
	assert.Empty(t, v.Cycles)

	_, err = h.orch.Pause(h.ctx, id, "rm@acme.io", "again")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
	assert.Contains(t, h.actions(t, id), "PAUSE_REJECTED")

	v, err = h.orch.Resume(h.ctx, id, "rm@acme.io")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseStatusInProgress, v.Release.Status)
	assert.Equal(t, models.CronStatusRunning, v.CronJob.CronStatus)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage2Status)
	assert.Len(t, v.Cycles, 1)

	_, err = h.orch.Resume(h.ctx, id, "rm@acme.io")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
}

func TestManualStageTriggerAndApprovalGate(t *testing.T) {
	h := newHarness(t)
	h.exec.local.PassPercentage = 50
	id := h.kickoff(t, func(r *KickoffRequest) {
		r.AutoTransitionToStage2 = false
		r.AutoTransitionToStage3 = true
	}).Release.ID
	h.tick(t, id)
	h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)

	v := h.view(t, id)
	assert.Equal(t, models.PauseTypeAwaitingStageTrigger, v.CronJob.PauseType)
	assert.Equal(t, release.PhaseAwaitingRegression, v.Phase)

	v, err := h.orch.TriggerNextStage(h.ctx, id, TriggerInput{Actor: "rm@acme.io"})
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage2Status)

	h.deliver(t, id, models.TaskTriggerRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)
	v = h.view(t, id)
	assert.Equal(t, models.StageStatusCompleted, v.CronJob.Stage2Status)
	assert.Equal(t, models.PauseTypeAwaitingStageTrigger, v.CronJob.PauseType, "auto transition held back by the gate")

	eval, _, err := h.orch.Approval(h.ctx, id)
	require.NoError(t, err)
	assert.False(t, eval.CanApprove)
	assert.Equal(t, []approval.RequirementName{approval.RequirementTestsPassed}, eval.Failed())

	_, err = h.orch.TriggerNextStage(h.ctx, id, TriggerInput{Actor: "rm@acme.io"})
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
	assert.NotNil(t, apperrors.MetaOf(err)["failed"])

	_, err = h.orch.TriggerNextStage(h.ctx, id, TriggerInput{Actor: "dev@acme.io", ForceApprove: true, Reason: "flaky suite"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))

	_, err = h.orch.TriggerNextStage(h.ctx, id, TriggerInput{Actor: "rm@acme.io", Roles: []string{"ReleaseManager"}, ForceApprove: true})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation), "reason required")

	v, err = h.orch.TriggerNextStage(h.ctx, id, TriggerInput{
		Actor: "rm@acme.io", Roles: []string{"ReleaseManager"}, ForceApprove: true, Reason: "known flaky suite",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage3Status)
	assert.Equal(t, models.StagePostRegression, v.Release.CurrentStage)

	actions := h.actions(t, id)
	assert.Contains(t, actions, "APPROVAL_OVERRIDE")
	assert.Contains(t, actions, "STAGE_TRIGGER_REJECTED")
}

func TestFullReleaseReachesSubmission(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)
	h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)
	h.deliver(t, id, models.TaskTriggerRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)

	v := h.view(t, id)
	require.Equal(t, models.StageStatusInProgress, v.CronJob.Stage3Status)
	assert.Equal(t, models.TaskStatusAwaitingCallback, h.task(t, id, models.TaskTriggerTestFlightBuild).Status)

	h.deliver(t, id, models.TaskTriggerTestFlightBuild, models.PlatformIOS)
	h.deliver(t, id, models.TaskCreateAABBuild, models.PlatformAndroid)

	v = h.view(t, id)
	assert.Equal(t, models.ReleaseStatusSubmitted, v.Release.Status)
	assert.Equal(t, models.CronStatusCompleted, v.CronJob.CronStatus)
	assert.Equal(t, release.PhaseSubmitted, v.Phase)
	require.Len(t, v.Submissions, 2)
	for _, s := range v.Submissions {
		assert.Equal(t, models.SubmissionPending, s.Status)
		assert.NotNil(t, s.BuildID, "submission bound to the pre-release build")
	}
	submit := h.task(t, id, models.TaskSubmitToTarget)
	assert.Equal(t, models.TaskStatusCompleted, submit.Status)
	assert.Contains(t, h.actions(t, id), "RELEASE_SUBMITTED")

	// Submitted releases are no longer scheduled.
	sum, err := h.orch.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Candidates)
}

func TestTickSkipsLeasedRelease(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	_, err := h.store.AcquireLease(h.ctx, id, "other-node", time.Minute)
	require.NoError(t, err)

	err = h.orch.TickRelease(h.ctx, id)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeLockContention))
	sum, err := h.orch.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSummary{Candidates: 1, Contended: 1}, sum)

	h.clock.Advance(2 * time.Minute)
	sum, err = h.orch.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Advanced)
	assert.Equal(t, models.ReleaseStatusInProgress, h.view(t, id).Release.Status)
}

func TestCallbackWaitsForReleaseLease(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)
	task := h.task(t, id, models.TaskTriggerPreRegressionBuilds)

	held, err := h.store.AcquireLease(h.ctx, id, "other-node", time.Minute)
	require.NoError(t, err)

	in := CallbackInput{TaskID: task.ID, Platform: models.PlatformAndroid, JobURL: "https://ci.acme.io/jobs/11", Status: "SUCCEEDED"}
	_, err = h.orch.HandleCallback(h.ctx, in)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeLockContention))
	assert.Empty(t, h.view(t, id).Builds, "nothing is written without the lease")
	assert.Equal(t, models.TaskStatusAwaitingCallback, h.task(t, id, models.TaskTriggerPreRegressionBuilds).Status)

	require.NoError(t, h.store.ReleaseLease(h.ctx, held))
	_, err = h.orch.HandleCallback(h.ctx, in)
	require.NoError(t, err)
	assert.Len(t, h.view(t, id).Builds, 1)
}

func TestUploadLinksUnderReleaseLease(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, func(r *KickoffRequest) { r.BuildMode = models.BuildModeManual }).Release.ID
	h.tick(t, id)
	task := h.task(t, id, models.TaskTriggerPreRegressionBuilds)

	held, err := h.store.AcquireLease(h.ctx, id, "other-node", time.Minute)
	require.NoError(t, err)
	in := UploadInput{ReleaseID: id, Platform: models.PlatformIOS, Stage: models.BuildStagePreRegression, TestflightNumber: "901"}
	staged, err := h.orch.UploadBuild(h.ctx, in)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeLockContention))
	assert.Nil(t, staged.TaskID, "the upload stays staged")

	require.NoError(t, h.store.ReleaseLease(h.ctx, held))
	in.TestflightNumber = "902"
	linked, err := h.orch.UploadBuild(h.ctx, in)
	require.NoError(t, err)
	require.NotNil(t, linked.TaskID)
	assert.Equal(t, task.ID, *linked.TaskID)
}

func TestManualUploadsCompleteBuildTasks(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, func(r *KickoffRequest) { r.BuildMode = models.BuildModeManual }).Release.ID

	// Uploaded ahead of the task: staged until the task runs.
	staged, err := h.orch.UploadBuild(h.ctx, UploadInput{
		ReleaseID: id,
		Platform:  models.PlatformAndroid,
		Stage:     models.BuildStagePreRegression,
		FileName:  "app-release.apk",
		Body:      strings.NewReader("apk-bytes"),
		Actor:     "qa@acme.io",
	})
	require.NoError(t, err)
	assert.Nil(t, staged.TaskID)
	require.NotNil(t, staged.ArtifactPath)
	assert.True(t, strings.HasPrefix(*staged.ArtifactPath, "memory://"))

	h.tick(t, id)
	task := h.task(t, id, models.TaskTriggerPreRegressionBuilds)
	assert.Equal(t, models.TaskStatusAwaitingManualBuild, task.Status)

	_, err = h.orch.HandleCallback(h.ctx, CallbackInput{TaskID: task.ID, Platform: models.PlatformIOS, JobURL: "https://ci.acme.io/jobs/1"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition), "manual tasks take no callbacks")

	_, err = h.orch.UploadBuild(h.ctx, UploadInput{ReleaseID: id, Platform: models.PlatformIOS, Stage: models.BuildStagePreRegression})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation), "file or testflight number required")

	linked, err := h.orch.UploadBuild(h.ctx, UploadInput{
		ReleaseID: id, Platform: models.PlatformIOS, Stage: models.BuildStagePreRegression, TestflightNumber: "812",
	})
	require.NoError(t, err)
	require.NotNil(t, linked.TaskID)
	assert.Equal(t, task.ID, *linked.TaskID)

	v := h.view(t, id)
	assert.Equal(t, models.StageStatusInProgress, v.CronJob.Stage2Status)
	assert.Equal(t, models.TaskStatusAwaitingManualBuild, h.task(t, id, models.TaskTriggerRegressionBuilds).Status)
	assert.Contains(t, h.actions(t, id), "BUILD_UPLOADED")
}

func TestUploadRejectedForCICDRelease(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	_, err := h.orch.UploadBuild(h.ctx, UploadInput{
		ReleaseID: id, Platform: models.PlatformAndroid, Stage: models.BuildStagePreRegression, TestflightNumber: "1",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestArchiveStopsRelease(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)

	v, err := h.orch.Archive(h.ctx, id, "rm@acme.io", "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseStatusArchived, v.Release.Status)
	require.NotNil(t, v.Release.ArchivedAt)
	assert.Equal(t, release.PhaseArchived, v.Phase)

	h.tick(t, id)
	_, err = h.orch.Archive(h.ctx, id, "rm@acme.io", "again")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))

	task := h.task(t, id, models.TaskTriggerPreRegressionBuilds)
	_, err = h.orch.RetryTask(h.ctx, task.ID, "rm@acme.io")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
}

func TestAbandonedCycleWaitsForManualStart(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	h.tick(t, id)
	h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)

	cycle := h.view(t, id).Cycles[0]
	_, err := h.orch.AbandonCycle(h.ctx, id, cycle.ID, "rm@acme.io", "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	abandoned, err := h.orch.AbandonCycle(h.ctx, id, cycle.ID, "rm@acme.io", "bad rc")
	require.NoError(t, err)
	assert.Equal(t, models.CycleStatusAbandoned, abandoned.Status)

	// Late callbacks for the abandoned cycle are refused.
	_, err = h.orch.HandleCallback(h.ctx, CallbackInput{
		TaskID: h.task(t, id, models.TaskTriggerRegressionBuilds).ID, Platform: models.PlatformIOS, JobURL: "https://ci.acme.io/jobs/3",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))

	h.tick(t, id)
	v := h.view(t, id)
	assert.Len(t, v.Cycles, 1)
	assert.Equal(t, release.PhaseRegressionAbandoned, v.Phase)

	next, err := h.orch.StartCycle(h.ctx, id, "rm@acme.io")
	require.NoError(t, err)
	assert.Equal(t, models.CycleStatusInProgress, next.Status)
	_, err = h.orch.StartCycle(h.ctx, id, "rm@acme.io")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCycleAlreadyActive))

	h.tick(t, id)
	v = h.view(t, id)
	require.Len(t, v.Cycles, 2)
	assert.False(t, v.Cycles[0].IsLatest)
	assert.Equal(t, models.TaskStatusAwaitingCallback, h.task(t, id, models.TaskTriggerRegressionBuilds).Status)
}

func TestSlotConfigSkipsDisabledTasks(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, func(r *KickoffRequest) {
		r.TestPassThreshold = 0
		r.Slots = []SlotRequest{{ScheduledAt: t0}}
	}).Release.ID
	h.tick(t, id)
	h.deliver(t, id, models.TaskTriggerPreRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)

	assert.Equal(t, models.TaskStatusSkipped, h.task(t, id, models.TaskCreateReleaseNotes).Status)
	h.deliver(t, id, models.TaskTriggerRegressionBuilds, models.PlatformAndroid, models.PlatformIOS)
	assert.Equal(t, models.TaskStatusSkipped, h.task(t, id, models.TaskTriggerAutomationRuns).Status)
	assert.Equal(t, models.StageStatusInProgress, h.view(t, id).CronJob.Stage3Status)
}

func TestSlotManagement(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, func(r *KickoffRequest) { r.Slots = nil }).Release.ID

	slot, err := h.orch.AddSlot(h.ctx, id, SlotRequest{ScheduledAt: t0.Add(72 * time.Hour)}, "rm@acme.io")
	require.NoError(t, err)
	assert.Len(t, h.view(t, id).Slots, 1)

	require.NoError(t, h.orch.RemoveSlot(h.ctx, id, slot.ID, "rm@acme.io"))
	assert.Empty(t, h.view(t, id).Slots)
}

func TestPMApproval(t *testing.T) {
	h := newHarness(t)
	id := h.kickoff(t, nil).Release.ID
	r, err := h.orch.ApprovePM(h.ctx, id, "pm@acme.io")
	require.NoError(t, err)
	require.NotNil(t, r.PMApprovedBy)
	assert.Equal(t, "pm@acme.io", *r.PMApprovedBy)
}
