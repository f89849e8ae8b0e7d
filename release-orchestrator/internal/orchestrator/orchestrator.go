// Package orchestrator is the cron engine: each tick it leases a release's CronJob,
// advances the active stage's tasks in declared order and moves between stages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/approval"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/artifacts"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/lease"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/regression"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

// Deps wires the orchestrator. Store and Pipeline are required.
type Deps struct {
	Store          store.Store
	Pipeline       tasks.Pipeline
	Cycles         *regression.Manager
	Gate           *approval.Gate
	Submitter      Submitter
	Executor       Executor
	Artifacts      artifacts.Store
	ArtifactPrefix string
	Activity       activity.Recorder
	Logger         *zap.Logger
	// Holder prefixes every lease holder id this process uses.
	Holder   string
	LeaseTTL time.Duration
}

type Orchestrator struct {
	store          store.Store
	pipeline       tasks.Pipeline
	cycles         *regression.Manager
	gate           *approval.Gate
	submitter      Submitter
	executor       Executor
	artifacts      artifacts.Store
	artifactPrefix string
	activity       activity.Recorder
	logger         *zap.Logger
	holder         string
	leaseTTL       time.Duration

	NowFunc func() time.Time
}

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:          d.Store,
		pipeline:       d.Pipeline,
		cycles:         d.Cycles,
		gate:           d.Gate,
		submitter:      d.Submitter,
		executor:       d.Executor,
		artifacts:      d.Artifacts,
		artifactPrefix: d.ArtifactPrefix,
		activity:       d.Activity,
		logger:         logger.Named("orchestrator"),
		holder:         d.Holder,
		leaseTTL:       d.LeaseTTL,
	}
	if o.cycles == nil {
		o.cycles = regression.NewManager(d.Store, d.Pipeline, d.Activity, logger)
	}
	if o.gate == nil {
		o.gate = approval.NewGate(d.Store, nil, nil, d.Activity, logger)
	}
	if o.executor == nil {
		o.executor = NewLocalExecutor()
	}
	if o.artifacts == nil {
		o.artifacts = artifacts.NewMemoryStore()
	}
	if o.holder == "" {
		o.holder = "orchestrator"
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = lease.DefaultTimeout
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.NowFunc != nil {
		return o.NowFunc().UTC()
	}
	return time.Now().UTC()
}

// holderID returns a unique lease holder so concurrent callers in one process never
// share a lease.
func (o *Orchestrator) holderID(kind string) string {
	return fmt.Sprintf("%s:%s:%s", o.holder, kind, uuid.NewString()[:8])
}

// TickSummary counts the outcome of one pass over all candidates.
type TickSummary struct {
	Candidates int `json:"candidates"`
	Advanced   int `json:"advanced"`
	Contended  int `json:"contended"`
	Failed     int `json:"failed"`
}

// Candidates lists the releases a tick may have work for.
func (o *Orchestrator) Candidates(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := o.store.ListTickCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tick candidates: %w", err)
	}
	return ids, nil
}

// Tick advances every eligible release once, sequentially.
func (o *Orchestrator) Tick(ctx context.Context) (TickSummary, error) {
	ids, err := o.Candidates(ctx)
	if err != nil {
		return TickSummary{}, err
	}
	sum := TickSummary{Candidates: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		switch err := o.TickRelease(ctx, id); {
		case err == nil:
			sum.Advanced++
		case apperrors.IsCode(err, apperrors.CodeLockContention):
			sum.Contended++
		default:
			sum.Failed++
			o.logger.Error("tick release failed", zap.String("release_id", id.String()), zap.Error(err))
		}
	}
	return sum, nil
}

// TickRelease runs one orchestration pass for a release. A held lease yields
// LockContention, which callers skip until the next tick.
func (o *Orchestrator) TickRelease(ctx context.Context, releaseID uuid.UUID) error {
	err := o.withLease(ctx, releaseID, o.holderID("tick"), func(r *run) error {
		return r.advance(ctx)
	})
	if apperrors.IsCode(err, apperrors.CodeLockContention) {
		o.logger.Debug("release locked, skipping", zap.String("release_id", releaseID.String()))
	}
	return err
}

// nudge advances a release right after external input arrived. Failures are left to
// the next scheduled tick.
func (o *Orchestrator) nudge(ctx context.Context, releaseID uuid.UUID) {
	err := o.TickRelease(ctx, releaseID)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeLockContention) {
		o.logger.Warn("advance after input failed", zap.String("release_id", releaseID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) withLease(ctx context.Context, releaseID uuid.UUID, holder string, fn func(*run) error) error {
	l, err := o.store.AcquireLease(ctx, releaseID, holder, o.leaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), l); err != nil {
			o.logger.Warn("release lease", zap.String("release_id", releaseID.String()), zap.Error(err))
		}
	}()
	r, err := o.load(ctx, l)
	if err != nil {
		return err
	}
	return fn(r)
}

const inputLeaseAttempts = 4

// withInputLease applies external input under the release lease. A tick holds the
// lease only briefly, so contention is retried a few times before it is returned.
func (o *Orchestrator) withInputLease(ctx context.Context, releaseID uuid.UUID, fn func(*run) error) error {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := o.withLease(ctx, releaseID, o.holderID("input"), fn)
		if !apperrors.IsCode(err, apperrors.CodeLockContention) || attempt == inputLeaseAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// run is the state of one leased pass over a release.
type run struct {
	o       *Orchestrator
	lease   lease.Lease
	release models.Release
	job     models.CronJob
}

func (o *Orchestrator) load(ctx context.Context, l lease.Lease) (*run, error) {
	rel, err := o.store.GetRelease(ctx, l.ReleaseID)
	if err != nil {
		return nil, err
	}
	job, err := o.store.GetCronJob(ctx, l.ReleaseID)
	if err != nil {
		return nil, err
	}
	return &run{o: o, lease: l, release: rel, job: job}, nil
}

func (r *run) saveJob(ctx context.Context) error {
	job, err := r.o.store.UpdateCronJob(ctx, r.lease, r.job)
	if err != nil {
		return fmt.Errorf("save cron job: %w", err)
	}
	r.job = job
	return nil
}

func (r *run) saveRelease(ctx context.Context) error {
	rel, err := r.o.store.UpdateRelease(ctx, r.release)
	if err != nil {
		return fmt.Errorf("save release: %w", err)
	}
	r.release = rel
	return nil
}

func (r *run) advance(ctx context.Context) error {
	if !release.Mutable(r.release) || r.release.Status == models.ReleaseStatusSubmitted {
		return nil
	}
	switch r.job.CronStatus {
	case models.CronStatusPending:
		if r.o.now().Before(r.release.KickoffDate) {
			return nil
		}
		if err := r.kickoff(ctx); err != nil {
			return err
		}
	case models.CronStatusPaused:
		if r.job.PauseType != models.PauseTypeTaskFailure {
			return nil
		}
		cleared, err := r.clearTaskFailure(ctx)
		if err != nil || !cleared {
			return err
		}
	case models.CronStatusRunning:
	default:
		return nil
	}
	return r.driveStages(ctx)
}

func (r *run) driveStages(ctx context.Context) error {
	for range models.Stages {
		stage, ok := r.job.ActiveStage()
		if !ok {
			return nil
		}
		done, err := r.driveStage(ctx, stage)
		if err != nil || !done {
			return err
		}
		next, err := r.completeStage(ctx, stage)
		if err != nil || !next {
			return err
		}
	}
	return nil
}

func (r *run) kickoff(ctx context.Context) error {
	prev := r.release.Status
	if r.release.Status == models.ReleaseStatusPending {
		if err := release.Transition(&r.release, models.ReleaseStatusInProgress); err != nil {
			return err
		}
	}
	r.o.record(ctx, activity.Event{
		ReleaseID:  r.release.ID,
		EntityType: activity.EntityRelease,
		EntityID:   r.release.ID,
		Action:     "RELEASE_STARTED",
		Previous:   map[string]any{"status": prev},
		New:        map[string]any{"status": r.release.Status},
	})
	r.o.logger.Info("release kicked off", zap.String("release", r.release.Key))
	return r.startStage(ctx, models.StageKickoff, "system")
}

// clearTaskFailure resumes a TASK_FAILURE pause once no FAILED task remains.
func (r *run) clearTaskFailure(ctx context.Context) (bool, error) {
	all, err := r.o.store.ListTasks(ctx, store.TaskFilter{ReleaseID: r.release.ID})
	if err != nil {
		return false, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range all {
		if t.Status == models.TaskStatusFailed {
			return false, nil
		}
	}
	r.job.CronStatus = models.CronStatusRunning
	r.job.PauseType = models.PauseTypeNone
	if err := r.saveJob(ctx); err != nil {
		return false, err
	}
	r.recordJob(ctx, "CRON_RESUMED", models.PauseTypeTaskFailure, "system", "failed tasks were retried")
	return true, nil
}

func (r *run) startStage(ctx context.Context, stage models.Stage, actor string) error {
	if stage != models.StageRegression {
		if err := r.o.ensureStageTasks(ctx, r.release.ID, stage); err != nil {
			return err
		}
	}
	r.job.SetStageStatus(stage, models.StageStatusInProgress)
	r.job.CronStatus = models.CronStatusRunning
	r.job.PauseType = models.PauseTypeNone
	if err := r.saveJob(ctx); err != nil {
		return err
	}
	r.release.CurrentStage = stage
	if err := r.saveRelease(ctx); err != nil {
		return err
	}
	r.o.record(ctx, activity.Event{
		ReleaseID:  r.release.ID,
		EntityType: activity.EntityCronJob,
		EntityID:   r.job.ID,
		Action:     "STAGE_STARTED",
		New:        map[string]any{"stage": stage},
		Actor:      actor,
	})
	r.o.logger.Info("stage started", zap.String("release", r.release.Key), zap.String("stage", string(stage)))
	return nil
}

// completeStage marks stage COMPLETED and reports whether the next stage was started.
func (r *run) completeStage(ctx context.Context, stage models.Stage) (bool, error) {
	r.job.SetStageStatus(stage, models.StageStatusCompleted)
	r.o.record(ctx, activity.Event{
		ReleaseID:  r.release.ID,
		EntityType: activity.EntityCronJob,
		EntityID:   r.job.ID,
		Action:     "STAGE_COMPLETED",
		Previous:   map[string]any{"stage": stage, "status": models.StageStatusInProgress},
		New:        map[string]any{"stage": stage, "status": models.StageStatusCompleted},
	})

	next, ok := stage.Next()
	if !ok {
		return false, r.submit(ctx)
	}
	if !r.job.AutoTransitionTo(next) {
		return false, r.awaitTrigger(ctx, "")
	}
	if next == models.StagePostRegression {
		eval, err := r.o.gate.Evaluate(ctx, r.release)
		if err != nil {
			return false, err
		}
		if !eval.CanApprove {
			return false, r.awaitTrigger(ctx, fmt.Sprintf("approval requirements not met: %v", eval.Failed()))
		}
	}
	return true, r.startStage(ctx, next, "system")
}

func (r *run) awaitTrigger(ctx context.Context, reason string) error {
	r.job.CronStatus = models.CronStatusPaused
	r.job.PauseType = models.PauseTypeAwaitingStageTrigger
	if err := r.saveJob(ctx); err != nil {
		return err
	}
	r.recordJob(ctx, "CRON_PAUSED", models.PauseTypeNone, "system", reason)
	return nil
}

// submit finishes the last stage: the release is handed to the rollout controller.
func (r *run) submit(ctx context.Context) error {
	prev := r.release.Status
	if err := release.Transition(&r.release, models.ReleaseStatusSubmitted); err != nil {
		return err
	}
	r.job.CronStatus = models.CronStatusCompleted
	r.job.PauseType = models.PauseTypeNone
	if err := r.saveJob(ctx); err != nil {
		return err
	}
	if err := r.saveRelease(ctx); err != nil {
		return err
	}
	r.o.record(ctx, activity.Event{
		ReleaseID:  r.release.ID,
		EntityType: activity.EntityRelease,
		EntityID:   r.release.ID,
		Action:     "RELEASE_SUBMITTED",
		Previous:   map[string]any{"status": prev},
		New:        map[string]any{"status": r.release.Status},
	})
	r.o.logger.Info("release submitted", zap.String("release", r.release.Key))
	return nil
}

func (r *run) driveStage(ctx context.Context, stage models.Stage) (bool, error) {
	if stage == models.StageRegression {
		return r.driveRegression(ctx)
	}
	if err := r.o.ensureStageTasks(ctx, r.release.ID, stage); err != nil {
		return false, err
	}
	st := stage
	ts, err := r.o.store.ListTasks(ctx, store.TaskFilter{ReleaseID: r.release.ID, Stage: &st})
	if err != nil {
		return false, fmt.Errorf("list %s tasks: %w", stage, err)
	}
	return r.driveTasks(ctx, ts, nil, nil)
}

// maxCycleSteps bounds how many cycle transitions one pass may make.
const maxCycleSteps = 8

func (r *run) driveRegression(ctx context.Context) (bool, error) {
	for step := 0; step < maxCycleSteps; step++ {
		latest, err := r.o.cycles.Latest(ctx, r.release.ID)
		if err != nil {
			return false, err
		}
		upcoming, err := r.o.cycles.UpcomingSlots(ctx, r.release.ID)
		if err != nil {
			return false, err
		}
		switch {
		case latest == nil,
			latest.Status == models.CycleStatusAbandoned && len(upcoming) > 0,
			latest.Status == models.CycleStatusDone && len(upcoming) > 0:
			if _, err := r.o.cycles.StartCycle(ctx, r.release, "system"); err != nil {
				return false, err
			}
			continue
		case latest.Status == models.CycleStatusAbandoned:
			// Waits for a new slot or a manual cycle start.
			return false, nil
		case latest.Status == models.CycleStatusDone:
			return true, nil
		case latest.Status == models.CycleStatusNotStarted:
			activated, err := r.o.cycles.ActivateIfDue(ctx, *latest)
			if err != nil {
				return false, err
			}
			if activated.Status != models.CycleStatusInProgress {
				return false, nil
			}
			continue
		}

		cfg, err := r.o.cycles.SlotConfig(ctx, *latest)
		if err != nil {
			return false, err
		}
		cycleID := latest.ID
		ts, err := r.o.store.ListTasks(ctx, store.TaskFilter{ReleaseID: r.release.ID, CycleID: &cycleID})
		if err != nil {
			return false, fmt.Errorf("list cycle tasks: %w", err)
		}
		done, err := r.driveTasks(ctx, ts, latest, &cfg)
		if err != nil || !done {
			return false, err
		}
		// Tasks may have updated the cycle (RC tag) since it was loaded.
		current, err := r.o.store.GetCycle(ctx, latest.ID)
		if err != nil {
			return false, err
		}
		res, err := r.o.cycles.CompleteCycle(ctx, r.release, current, "system")
		if err != nil {
			return false, err
		}
		if res.StageReady() {
			return true, nil
		}
	}
	return false, nil
}

// driveTasks walks tasks in declared order and reports whether all of them are done.
// Nothing starts before its predecessor is COMPLETED or SKIPPED.
func (r *run) driveTasks(ctx context.Context, ts []models.ReleaseTask, cycle *models.RegressionCycle, cfg *models.SlotConfig) (bool, error) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Order < ts[j].Order })
	for _, t := range ts {
		switch {
		case t.Status.Done():
			continue
		case t.Status == models.TaskStatusFailed:
			return false, r.pauseForFailure(ctx, t)
		case t.Status.Awaiting():
			return false, nil
		}

		def, ok := r.o.pipeline.Def(t.Type)
		if !ok {
			def = tasks.TaskDef{Type: t.Type}
		}
		platforms := def.RequiredPlatforms(r.release)

		if t.Status == models.TaskStatusPending {
			reason := ""
			switch {
			case len(platforms) == 0:
				reason = "no targeted platform for this task"
			case cfg != nil && !def.EnabledBy(*cfg):
				reason = "disabled by the regression slot configuration"
			}
			if reason != "" {
				if _, err := r.o.transitionTask(ctx, t, "TASK_SKIPPED", "system", reason, func(t *models.ReleaseTask) error {
					return tasks.Skip(t, reason, r.o.now())
				}); err != nil {
					return false, err
				}
				continue
			}
			started, err := r.o.transitionTask(ctx, t, "TASK_STARTED", "system", "", func(t *models.ReleaseTask) error {
				return tasks.Start(t, r.o.now())
			})
			if err != nil {
				return false, err
			}
			t = started
		}

		finished, err := r.runTask(ctx, t, def, platforms, cycle)
		if err != nil || !finished {
			return false, err
		}
	}
	return true, nil
}

// runTask performs one visit of an IN_PROGRESS task and reports whether it finished.
func (r *run) runTask(ctx context.Context, t models.ReleaseTask, def tasks.TaskDef, platforms []models.Platform, cycle *models.RegressionCycle) (bool, error) {
	if def.IsBuild() && r.release.BuildMode == models.BuildModeManual {
		return r.consumeStagedBuilds(ctx, t, def)
	}
	if t.Type == models.TaskSubmitToTarget {
		return r.submitToTarget(ctx, t, platforms)
	}

	res, err := r.o.executor.Execute(ctx, ExecuteRequest{Release: r.release, Task: t, Cycle: cycle, Platforms: platforms})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, r.failTask(ctx, t, err)
	}
	switch {
	case len(res.Output) > 0:
		done, _, err := r.o.finishTask(ctx, t, res.Output, "system")
		if apperrors.IsCode(err, apperrors.CodeValidation) {
			return false, r.failTask(ctx, t, err)
		}
		if err != nil {
			return false, err
		}
		return done.Status == models.TaskStatusCompleted, nil
	case res.Awaiting:
		mode := models.BuildModeCICD
		if def.IsBuild() {
			mode = r.release.BuildMode
		}
		_, err := r.o.transitionTask(ctx, t, "TASK_AWAITING_INPUT", "system", "", func(t *models.ReleaseTask) error {
			return tasks.Await(t, mode, res.ExternalID)
		})
		return false, err
	}
	return false, nil
}

func (r *run) submitToTarget(ctx context.Context, t models.ReleaseTask, platforms []models.Platform) (bool, error) {
	if r.o.submitter == nil {
		return false, r.failTask(ctx, t, errors.New("no submission controller configured"))
	}
	subs, err := r.o.submitter.SubmitRelease(ctx, r.release, platforms, "system")
	if err != nil {
		return false, r.failTask(ctx, t, err)
	}
	out := &tasks.SubmissionOutput{}
	for _, s := range subs {
		out.Submissions = append(out.Submissions, tasks.SubmissionRef{Platform: s.Platform, SubmissionID: s.ID.String()})
	}
	raw, err := tasks.MarshalOutput(t.Type, out)
	if err != nil {
		return false, r.failTask(ctx, t, err)
	}
	done, _, err := r.o.finishTask(ctx, t, raw, "system")
	if err != nil {
		return false, err
	}
	return done.Status == models.TaskStatusCompleted, nil
}

// consumeStagedBuilds links uploaded builds to a MANUAL-mode build task and parks it
// until every required platform has one.
func (r *run) consumeStagedBuilds(ctx context.Context, t models.ReleaseTask, def tasks.TaskDef) (bool, error) {
	if err := r.o.linkStagedBuilds(ctx, t, r.release, def); err != nil {
		return false, err
	}
	t, err := r.o.completeIfCovered(ctx, t, r.release, def, "system")
	if err != nil {
		return false, err
	}
	switch t.Status {
	case models.TaskStatusCompleted:
		return true, nil
	case models.TaskStatusInProgress:
		_, err := r.o.transitionTask(ctx, t, "TASK_AWAITING_INPUT", "system", "", func(t *models.ReleaseTask) error {
			return tasks.Await(t, models.BuildModeManual, "")
		})
		return false, err
	}
	return false, nil
}

func (r *run) failTask(ctx context.Context, t models.ReleaseTask, cause error) error {
	failed, err := r.o.markFailed(ctx, t, cause, "system")
	if err != nil {
		return err
	}
	return r.pauseForFailure(ctx, failed)
}

// pauseForFailure halts the release until the failed task is retried.
func (r *run) pauseForFailure(ctx context.Context, t models.ReleaseTask) error {
	if r.job.CronStatus == models.CronStatusPaused && r.job.PauseType == models.PauseTypeTaskFailure {
		return nil
	}
	prev := r.job.PauseType
	r.job.CronStatus = models.CronStatusPaused
	r.job.PauseType = models.PauseTypeTaskFailure
	if err := r.saveJob(ctx); err != nil {
		return err
	}
	reason := ""
	if t.Conclusion != nil {
		reason = *t.Conclusion
	}
	r.recordJob(ctx, "CRON_PAUSED", prev, "system", reason)
	r.o.logger.Error("release halted by task failure",
		zap.String("release", r.release.Key),
		zap.String("task_id", t.ID.String()),
		zap.String("task_type", string(t.Type)),
		zap.String("reason", reason))
	return nil
}

func (r *run) recordJob(ctx context.Context, action string, prevPause models.PauseType, actor, reason string) {
	r.o.record(ctx, activity.Event{
		ReleaseID:  r.release.ID,
		EntityType: activity.EntityCronJob,
		EntityID:   r.job.ID,
		Action:     action,
		Previous:   map[string]any{"pauseType": prevPause},
		New:        map[string]any{"cronStatus": r.job.CronStatus, "pauseType": r.job.PauseType},
		Actor:      actor,
		Reason:     reason,
	})
}

// ensureStageTasks creates a non-regression stage's tasks the first time it starts.
func (o *Orchestrator) ensureStageTasks(ctx context.Context, releaseID uuid.UUID, stage models.Stage) error {
	st := stage
	existing, err := o.store.ListTasks(ctx, store.TaskFilter{ReleaseID: releaseID, Stage: &st})
	if err != nil {
		return fmt.Errorf("list %s tasks: %w", stage, err)
	}
	if len(existing) > 0 {
		return nil
	}
	if err := o.store.CreateTasks(ctx, o.pipeline.NewStageTasks(releaseID, stage)); err != nil {
		return fmt.Errorf("create %s tasks: %w", stage, err)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, ev activity.Event) {
	if o.activity == nil {
		return
	}
	if _, err := o.activity.Record(ctx, ev); err != nil {
		o.logger.Error("record activity", zap.String("action", ev.Action), zap.Error(err))
	}
}

// recordRejection audits a refused state change. Validation errors, missing records
// and lock contention are not recorded.
func (o *Orchestrator) recordRejection(ctx context.Context, releaseID uuid.UUID, entity activity.EntityType, entityID uuid.UUID, op, actor string, cause error) {
	switch apperrors.CodeOf(cause) {
	case apperrors.CodeValidation, apperrors.CodeNotFound, apperrors.CodeLockContention, apperrors.CodeInternal:
		return
	}
	o.record(ctx, activity.Event{
		ReleaseID:  releaseID,
		EntityType: entity,
		EntityID:   entityID,
		Action:     op + "_REJECTED",
		Actor:      actor,
		Reason:     cause.Error(),
		Metadata:   map[string]any{"code": apperrors.CodeOf(cause), "meta": apperrors.MetaOf(cause)},
	})
}
