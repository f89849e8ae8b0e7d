package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/approval"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

type SlotRequest struct {
	ScheduledAt time.Time         `json:"scheduledAt" validate:"required"`
	Config      models.SlotConfig `json:"config"`
}

type KickoffRequest struct {
	Key                    string                  `json:"key" validate:"required,max=64"`
	TenantID               string                  `json:"tenantId" validate:"required"`
	Type                   models.ReleaseType      `json:"type" validate:"required,oneof=HOTFIX MINOR MAJOR"`
	AppVersion             string                  `json:"appVersion" validate:"required"`
	BaseBranch             string                  `json:"baseBranch" validate:"required"`
	ReleaseBranch          string                  `json:"releaseBranch,omitempty"`
	KickoffDate            time.Time               `json:"kickoffDate"`
	TargetReleaseDate      *time.Time              `json:"targetReleaseDate,omitempty"`
	Targets                []models.PlatformTarget `json:"targets" validate:"required,min=1,dive"`
	PilotID                string                  `json:"pilotId,omitempty"`
	OwnerID                string                  `json:"ownerId,omitempty"`
	BuildMode              models.BuildMode        `json:"buildMode,omitempty" validate:"omitempty,oneof=CI_CD MANUAL"`
	TestPassThreshold      float64                 `json:"testPassThreshold" validate:"gte=0,lte=100"`
	AutoTransitionToStage2 bool                    `json:"autoTransitionToStage2"`
	AutoTransitionToStage3 bool                    `json:"autoTransitionToStage3"`
	Slots                  []SlotRequest           `json:"slots,omitempty" validate:"dive"`
	Actor                  string                  `json:"-"`
}

func (req KickoffRequest) validate() error {
	if strings.TrimSpace(req.Key) == "" {
		return apperrors.Validation("release key required")
	}
	switch req.Type {
	case models.ReleaseTypeHotfix, models.ReleaseTypeMinor, models.ReleaseTypeMajor:
	default:
		return apperrors.Validation("invalid release type %q", req.Type)
	}
	if req.AppVersion == "" || req.BaseBranch == "" {
		return apperrors.Validation("appVersion and baseBranch required")
	}
	if len(req.Targets) == 0 {
		return apperrors.Validation("at least one platform target required")
	}
	for _, t := range req.Targets {
		if !t.Platform.Valid() || t.Target == "" {
			return apperrors.Validation("invalid platform target %s/%q", t.Platform, t.Target)
		}
	}
	switch req.BuildMode {
	case "", models.BuildModeCICD, models.BuildModeManual:
	default:
		return apperrors.Validation("invalid build mode %q", req.BuildMode)
	}
	if req.TestPassThreshold < 0 || req.TestPassThreshold > 100 {
		return apperrors.Validation("testPassThreshold must be within [0,100]")
	}
	return nil
}

// Kickoff creates a release with its cron job, kickoff tasks and regression slots.
// The first tick on or after KickoffDate starts it.
func (o *Orchestrator) Kickoff(ctx context.Context, req KickoffRequest) (release.View, error) {
	if err := req.validate(); err != nil {
		return release.View{}, err
	}
	now := o.now()
	r := models.Release{
		ID:                uuid.New(),
		Key:               req.Key,
		TenantID:          req.TenantID,
		Type:              req.Type,
		Status:            models.ReleaseStatusPending,
		CurrentStage:      models.StageKickoff,
		AppVersion:        req.AppVersion,
		BaseBranch:        req.BaseBranch,
		ReleaseBranch:     req.ReleaseBranch,
		KickoffDate:       req.KickoffDate.UTC(),
		TargetReleaseDate: req.TargetReleaseDate,
		Targets:           req.Targets,
		PilotID:           req.PilotID,
		OwnerID:           req.OwnerID,
		BuildMode:         req.BuildMode,
		TestPassThreshold: req.TestPassThreshold,
	}
	if r.KickoffDate.IsZero() {
		r.KickoffDate = now
	}
	if r.ReleaseBranch == "" {
		r.ReleaseBranch = "release/" + r.AppVersion
	}
	if r.BuildMode == "" {
		r.BuildMode = models.BuildModeCICD
	}
	job := models.CronJob{
		ID:                     uuid.New(),
		ReleaseID:              r.ID,
		Stage1Status:           models.StageStatusPending,
		Stage2Status:           models.StageStatusPending,
		Stage3Status:           models.StageStatusPending,
		CronStatus:             models.CronStatusPending,
		PauseType:              models.PauseTypeNone,
		AutoTransitionToStage2: req.AutoTransitionToStage2,
		AutoTransitionToStage3: req.AutoTransitionToStage3,
	}
	slots := make([]models.RegressionSlot, 0, len(req.Slots))
	for _, s := range req.Slots {
		slots = append(slots, models.RegressionSlot{ID: uuid.New(), ReleaseID: r.ID, ScheduledAt: s.ScheduledAt.UTC(), Config: s.Config})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ScheduledAt.Before(slots[j].ScheduledAt) })

	created, err := o.store.Kickoff(ctx, store.KickoffInput{
		Release: r,
		CronJob: job,
		Tasks:   o.pipeline.NewStageTasks(r.ID, models.StageKickoff),
		Slots:   slots,
	})
	if err != nil {
		return release.View{}, err
	}
	o.record(ctx, activity.Event{
		ReleaseID:  created.ID,
		EntityType: activity.EntityRelease,
		EntityID:   created.ID,
		Action:     "RELEASE_CREATED",
		New:        map[string]any{"key": created.Key, "status": created.Status, "buildMode": created.BuildMode, "targets": created.Targets},
		Actor:      actorOr(req.Actor),
	})
	o.logger.Info("release created", zap.String("release", created.Key), zap.Time("kickoff", created.KickoffDate))
	return o.View(ctx, created.ID)
}

// View assembles the release read model with its derived phase.
func (o *Orchestrator) View(ctx context.Context, releaseID uuid.UUID) (release.View, error) {
	r, err := o.store.GetRelease(ctx, releaseID)
	if err != nil {
		return release.View{}, err
	}
	job, err := o.store.GetCronJob(ctx, releaseID)
	if err != nil {
		return release.View{}, err
	}
	ts, err := o.store.ListTasks(ctx, store.TaskFilter{ReleaseID: releaseID})
	if err != nil {
		return release.View{}, err
	}
	cycles, err := o.store.ListCycles(ctx, releaseID)
	if err != nil {
		return release.View{}, err
	}
	v := release.BuildView(r, job, ts, cycles)
	if v.Slots, err = o.store.ListSlots(ctx, releaseID); err != nil {
		return release.View{}, err
	}
	if v.Builds, err = o.store.ListBuilds(ctx, store.BuildFilter{ReleaseID: releaseID}); err != nil {
		return release.View{}, err
	}
	if v.Submissions, err = o.store.ListSubmissions(ctx, releaseID); err != nil {
		return release.View{}, err
	}
	return v, nil
}

// ViewByKey resolves a user-facing release key.
func (o *Orchestrator) ViewByKey(ctx context.Context, key string) (release.View, error) {
	r, err := o.store.GetReleaseByKey(ctx, key)
	if err != nil {
		return release.View{}, err
	}
	return o.View(ctx, r.ID)
}

func (o *Orchestrator) ListReleases(ctx context.Context, filter store.ReleaseFilter) ([]models.Release, error) {
	return o.store.ListReleases(ctx, filter)
}

// control runs fn under a fresh lease and returns the resulting view. Refused
// transitions are recorded against the cron job.
func (o *Orchestrator) control(ctx context.Context, releaseID uuid.UUID, op, actor string, fn func(*run) error) (release.View, error) {
	var jobID uuid.UUID
	err := o.withLease(ctx, releaseID, o.holderID("api"), func(r *run) error {
		jobID = r.job.ID
		return fn(r)
	})
	if err != nil {
		if jobID != uuid.Nil {
			o.recordRejection(ctx, releaseID, activity.EntityCronJob, jobID, op, actor, err)
		}
		return release.View{}, err
	}
	return o.View(ctx, releaseID)
}

// Pause halts scheduling of a running release.
func (o *Orchestrator) Pause(ctx context.Context, releaseID uuid.UUID, actor, reason string) (release.View, error) {
	return o.control(ctx, releaseID, "PAUSE", actor, func(r *run) error {
		if r.job.CronStatus != models.CronStatusRunning || r.release.Status != models.ReleaseStatusInProgress {
			return apperrors.InvalidTransition("release %s cannot be paused while %s/%s", r.release.Key, r.release.Status, r.job.CronStatus)
		}
		prev := r.job.PauseType
		r.job.CronStatus = models.CronStatusPaused
		r.job.PauseType = models.PauseTypeUserRequested
		if err := r.saveJob(ctx); err != nil {
			return err
		}
		if err := release.Transition(&r.release, models.ReleaseStatusPaused); err != nil {
			return err
		}
		if err := r.saveRelease(ctx); err != nil {
			return err
		}
		r.recordJob(ctx, "CRON_PAUSED", prev, actorOr(actor), reason)
		return nil
	})
}

// Resume clears a USER_REQUESTED or AWAITING_STAGE_TRIGGER pause. Resuming a stage
// trigger wait starts the next stage without an approval override.
func (o *Orchestrator) Resume(ctx context.Context, releaseID uuid.UUID, actor string) (release.View, error) {
	return o.control(ctx, releaseID, "RESUME", actor, func(r *run) error {
		if r.job.CronStatus != models.CronStatusPaused {
			return apperrors.InvalidTransition("release %s is not paused", r.release.Key)
		}
		switch r.job.PauseType {
		case models.PauseTypeAwaitingStageTrigger:
			return r.triggerNext(ctx, TriggerInput{Actor: actor})
		case models.PauseTypeUserRequested:
		default:
			return apperrors.InvalidTransition("release %s is paused by %s and cannot be resumed", r.release.Key, r.job.PauseType).
				WithMeta("pauseType", r.job.PauseType)
		}
		r.job.CronStatus = models.CronStatusRunning
		r.job.PauseType = models.PauseTypeNone
		if err := r.saveJob(ctx); err != nil {
			return err
		}
		if r.release.Status == models.ReleaseStatusPaused {
			if err := release.Transition(&r.release, models.ReleaseStatusInProgress); err != nil {
				return err
			}
			if err := r.saveRelease(ctx); err != nil {
				return err
			}
		}
		r.recordJob(ctx, "CRON_RESUMED", models.PauseTypeUserRequested, actorOr(actor), "")
		return r.driveStages(ctx)
	})
}

// TriggerInput drives a manual stage transition.
type TriggerInput struct {
	Actor string
	Roles []string
	// ForceApprove bypasses failed approval requirements. It needs an override role
	// and is always audited.
	ForceApprove bool
	Reason       string
}

// TriggerNextStage starts the stage after the one awaiting a trigger.
func (o *Orchestrator) TriggerNextStage(ctx context.Context, releaseID uuid.UUID, in TriggerInput) (release.View, error) {
	return o.control(ctx, releaseID, "STAGE_TRIGGER", in.Actor, func(r *run) error {
		return r.triggerNext(ctx, in)
	})
}

func (r *run) triggerNext(ctx context.Context, in TriggerInput) error {
	if r.job.CronStatus != models.CronStatusPaused || r.job.PauseType != models.PauseTypeAwaitingStageTrigger {
		return apperrors.InvalidTransition("release %s is not awaiting a stage trigger", r.release.Key)
	}
	next, ok := r.job.NextPendingStage()
	if !ok {
		return apperrors.InvalidTransition("release %s has no stage left to start", r.release.Key)
	}
	if next == models.StagePostRegression {
		if err := r.approve(ctx, in); err != nil {
			return err
		}
	}
	if in.ForceApprove && next != models.StagePostRegression {
		return apperrors.Validation("forceApprove only applies to the %s stage", models.StagePostRegression)
	}
	if err := r.startStage(ctx, next, actorOr(in.Actor)); err != nil {
		return err
	}
	return r.driveStages(ctx)
}

// approve evaluates the gate for REGRESSION -> POST_REGRESSION.
func (r *run) approve(ctx context.Context, in TriggerInput) error {
	eval, err := r.o.gate.Evaluate(ctx, r.release)
	if err != nil {
		return err
	}
	if in.ForceApprove {
		if err := r.o.gate.Authorize(in.Roles); err != nil {
			return err
		}
		if in.Reason == "" {
			return apperrors.Validation("reason required to force an approval")
		}
		return r.o.gate.RecordOverride(ctx, r.release, eval, actorOr(in.Actor), in.Reason)
	}
	if !eval.CanApprove {
		return apperrors.InvalidTransition("approval requirements not met for release %s", r.release.Key).
			WithMeta("failed", eval.Failed())
	}
	return nil
}

// RetryTask resets a FAILED task to PENDING. The next tick restarts it and clears a
// TASK_FAILURE pause once nothing else is failed. Every attempt is audited.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID uuid.UUID, actor string) (models.ReleaseTask, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return models.ReleaseTask{}, err
	}
	var retried models.ReleaseTask
	err = o.withLease(ctx, t.ReleaseID, o.holderID("api"), func(r *run) error {
		if !release.Mutable(r.release) {
			return apperrors.InvalidTransition("release %s is %s", r.release.Key, r.release.Status)
		}
		if err := o.checkCycleMutable(ctx, t); err != nil {
			return err
		}
		var terr error
		retried, terr = o.transitionTask(ctx, t, "TASK_RETRIED", actorOr(actor), "", tasks.Retry)
		return terr
	})
	if err != nil {
		o.recordRejection(ctx, t.ReleaseID, activity.EntityTask, t.ID, "TASK_RETRY", actorOr(actor), err)
		return models.ReleaseTask{}, err
	}
	o.logger.Info("task retried", zap.String("task_id", t.ID.String()), zap.String("actor", actorOr(actor)))
	return retried, nil
}

// Archive permanently stops a release that has not completed.
func (o *Orchestrator) Archive(ctx context.Context, releaseID uuid.UUID, actor, reason string) (release.View, error) {
	return o.control(ctx, releaseID, "ARCHIVE", actor, func(r *run) error {
		prev := r.release.Status
		if err := release.Transition(&r.release, models.ReleaseStatusArchived); err != nil {
			return err
		}
		now := o.now()
		r.release.ArchivedAt = &now
		if err := r.saveRelease(ctx); err != nil {
			return err
		}
		o.record(ctx, activity.Event{
			ReleaseID:  r.release.ID,
			EntityType: activity.EntityRelease,
			EntityID:   r.release.ID,
			Action:     "RELEASE_ARCHIVED",
			Previous:   map[string]any{"status": prev},
			New:        map[string]any{"status": r.release.Status},
			Actor:      actorOr(actor),
			Reason:     reason,
		})
		return nil
	})
}

// StartCycle starts an ad-hoc regression cycle while the REGRESSION stage runs.
func (o *Orchestrator) StartCycle(ctx context.Context, releaseID uuid.UUID, actor string) (models.RegressionCycle, error) {
	var cycle models.RegressionCycle
	_, err := o.control(ctx, releaseID, "CYCLE_START", actor, func(r *run) error {
		if r.job.Stage2Status != models.StageStatusInProgress {
			return apperrors.InvalidTransition("release %s is not in the %s stage", r.release.Key, models.StageRegression)
		}
		var err error
		cycle, err = o.cycles.StartCycle(ctx, r.release, actorOr(actor))
		return err
	})
	return cycle, err
}

// AbandonCycle discards an active cycle of the release.
func (o *Orchestrator) AbandonCycle(ctx context.Context, releaseID, cycleID uuid.UUID, actor, reason string) (models.RegressionCycle, error) {
	var cycle models.RegressionCycle
	_, err := o.control(ctx, releaseID, "CYCLE_ABANDON", actor, func(r *run) error {
		c, err := o.store.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if c.ReleaseID != releaseID {
			return store.ErrNotFound
		}
		cycle, err = o.cycles.AbandonCycle(ctx, c, reason, actorOr(actor))
		return err
	})
	return cycle, err
}

func (o *Orchestrator) AddSlot(ctx context.Context, releaseID uuid.UUID, req SlotRequest, actor string) (models.RegressionSlot, error) {
	r, err := o.store.GetRelease(ctx, releaseID)
	if err != nil {
		return models.RegressionSlot{}, err
	}
	if !release.Mutable(r) || r.Status == models.ReleaseStatusSubmitted {
		return models.RegressionSlot{}, apperrors.InvalidTransition("release %s is %s", r.Key, r.Status)
	}
	return o.cycles.AddSlot(ctx, r, req.ScheduledAt, req.Config, actorOr(actor))
}

func (o *Orchestrator) RemoveSlot(ctx context.Context, releaseID, slotID uuid.UUID, actor string) error {
	return o.cycles.RemoveSlot(ctx, releaseID, slotID, actorOr(actor))
}

// Approval returns the gate evaluation and promotion readiness of a release.
func (o *Orchestrator) Approval(ctx context.Context, releaseID uuid.UUID) (approval.Evaluation, approval.Readiness, error) {
	r, err := o.store.GetRelease(ctx, releaseID)
	if err != nil {
		return approval.Evaluation{}, approval.Readiness{}, err
	}
	eval, err := o.gate.Evaluate(ctx, r)
	if err != nil {
		return approval.Evaluation{}, approval.Readiness{}, fmt.Errorf("evaluate approval: %w", err)
	}
	ready, err := o.gate.PromotionReadiness(ctx, r)
	if err != nil {
		return approval.Evaluation{}, approval.Readiness{}, fmt.Errorf("promotion readiness: %w", err)
	}
	return eval, ready, nil
}

// ApprovePM records the product manager sign-off.
func (o *Orchestrator) ApprovePM(ctx context.Context, releaseID uuid.UUID, actor string) (models.Release, error) {
	return o.gate.RecordPMApproval(ctx, releaseID, actor)
}
