package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

// transitionTask applies fn, persists the task and records action.
func (o *Orchestrator) transitionTask(ctx context.Context, t models.ReleaseTask, action, actor, reason string, fn func(*models.ReleaseTask) error) (models.ReleaseTask, error) {
	prev := t.Status
	if err := fn(&t); err != nil {
		return t, err
	}
	updated, err := o.store.UpdateTask(ctx, t)
	if err != nil {
		return t, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	o.recordTask(ctx, updated, action, prev, actor, reason, nil)
	return updated, nil
}

func (o *Orchestrator) recordTask(ctx context.Context, t models.ReleaseTask, action string, prev models.TaskStatus, actor, reason string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["taskType"] = t.Type
	if t.CycleID != nil {
		meta["cycleId"] = t.CycleID.String()
	}
	o.record(ctx, activity.Event{
		ReleaseID:  t.ReleaseID,
		EntityType: activity.EntityTask,
		EntityID:   t.ID,
		Action:     action,
		Previous:   map[string]any{"status": prev},
		New:        map[string]any{"status": t.Status},
		Actor:      actor,
		Reason:     reason,
		Metadata:   meta,
	})
}

// finishTask completes t with output. It reports changed=false for an identical
// repeat and DuplicateCompletionConflict for a differing one; both repeat outcomes
// leave the stored task untouched.
func (o *Orchestrator) finishTask(ctx context.Context, t models.ReleaseTask, output json.RawMessage, actor string) (models.ReleaseTask, bool, error) {
	prev := t.Status
	changed, err := tasks.Complete(&t, output, o.now())
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeDuplicateCompletion) {
			o.recordRejection(ctx, t.ReleaseID, activity.EntityTask, t.ID, "TASK_COMPLETION", actor, err)
			o.logger.Warn("conflicting completion rejected", zap.String("task_id", t.ID.String()), zap.Error(err))
		}
		return t, false, err
	}
	if !changed {
		return t, false, nil
	}
	updated, err := o.store.UpdateTask(ctx, t)
	if err != nil {
		return t, false, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	o.recordTask(ctx, updated, "TASK_COMPLETED", prev, actor, "", nil)
	if updated.Type == models.TaskCreateRCTag && updated.CycleID != nil {
		o.tagCycle(ctx, updated)
	}
	return updated, true, nil
}

// tagCycle copies the RC tag onto the regression cycle that produced it.
func (o *Orchestrator) tagCycle(ctx context.Context, t models.ReleaseTask) {
	out, err := tasks.DecodeOutput(t.Type, t.Output)
	if err != nil {
		o.logger.Warn("decode rc tag", zap.Error(err))
		return
	}
	tag := out.(*tasks.TagOutput).TagName
	c, err := o.store.GetCycle(ctx, *t.CycleID)
	if err != nil {
		o.logger.Warn("load cycle for rc tag", zap.Error(err))
		return
	}
	c.Tag = &tag
	if _, err := o.store.UpdateCycle(ctx, c); err != nil {
		o.logger.Warn("store rc tag", zap.String("cycle_id", c.ID.String()), zap.Error(err))
	}
}

// markFailed moves t to FAILED with the cause as its conclusion.
func (o *Orchestrator) markFailed(ctx context.Context, t models.ReleaseTask, cause error, actor string) (models.ReleaseTask, error) {
	reason := cause.Error()
	prev := t.Status
	if err := tasks.Fail(&t, reason, o.now()); err != nil {
		return t, err
	}
	updated, err := o.store.UpdateTask(ctx, t)
	if err != nil {
		return t, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	o.recordTask(ctx, updated, "TASK_FAILED", prev, actor, reason, map[string]any{"code": apperrors.CodeTaskFailure})
	return updated, nil
}

// checkCycleMutable rejects activity on tasks of a cycle that is no longer the active
// latest cycle.
func (o *Orchestrator) checkCycleMutable(ctx context.Context, t models.ReleaseTask) error {
	if t.CycleID == nil {
		return nil
	}
	c, err := o.store.GetCycle(ctx, *t.CycleID)
	if err != nil {
		return err
	}
	if !c.IsLatest || !c.Status.Active() {
		return apperrors.InvalidTransition("regression cycle %s is %s and no longer accepts task activity", c.ID, c.Status)
	}
	return nil
}

// linkStagedBuilds attaches the newest staged build of each missing platform to t.
func (o *Orchestrator) linkStagedBuilds(ctx context.Context, t models.ReleaseTask, rel models.Release, def tasks.TaskDef) error {
	stage := def.Build
	staged, err := o.store.ListBuilds(ctx, store.BuildFilter{ReleaseID: rel.ID, Stage: &stage, Unconsumed: true})
	if err != nil {
		return fmt.Errorf("list staged builds: %w", err)
	}
	linked, err := o.taskBuilds(ctx, t)
	if err != nil {
		return err
	}
	for _, p := range def.RequiredPlatforms(rel) {
		if _, ok := linked[p]; ok {
			continue
		}
		var pick *models.Build
		for i := range staged {
			if staged[i].Platform == p {
				pick = &staged[i]
			}
		}
		if pick == nil {
			continue
		}
		b, err := o.store.LinkBuild(ctx, pick.ID, t.ID, t.CycleID)
		if errors.Is(err, store.ErrBuildLinked) {
			continue
		}
		if err != nil {
			return fmt.Errorf("link build %s: %w", pick.ID, err)
		}
		o.recordBuild(ctx, b, "BUILD_LINKED", "system")
	}
	return nil
}

// taskBuilds returns the builds linked to t, newest per platform.
func (o *Orchestrator) taskBuilds(ctx context.Context, t models.ReleaseTask) (map[models.Platform]models.Build, error) {
	taskID := t.ID
	builds, err := o.store.ListBuilds(ctx, store.BuildFilter{ReleaseID: t.ReleaseID, TaskID: &taskID})
	if err != nil {
		return nil, fmt.Errorf("list task builds: %w", err)
	}
	out := map[models.Platform]models.Build{}
	for _, b := range builds {
		out[b.Platform] = b
	}
	return out, nil
}

// completeIfCovered completes a build task once every required platform has a linked
// build. Concurrent deliveries for different platforms converge on the same output.
func (o *Orchestrator) completeIfCovered(ctx context.Context, t models.ReleaseTask, rel models.Release, def tasks.TaskDef, actor string) (models.ReleaseTask, error) {
	platforms := def.RequiredPlatforms(rel)
	for attempt := 0; attempt < 3; attempt++ {
		linked, err := o.taskBuilds(ctx, t)
		if err != nil {
			return t, err
		}
		for _, p := range platforms {
			if _, ok := linked[p]; !ok {
				return t, nil
			}
		}
		raw, err := tasks.MarshalOutput(t.Type, buildsOutput(linked, platforms))
		if err != nil {
			return t, err
		}
		done, _, err := o.finishTask(ctx, t, raw, actor)
		if errors.Is(err, store.ErrConflict) {
			if t, err = o.store.GetTask(ctx, t.ID); err != nil {
				return t, err
			}
			continue
		}
		return done, err
	}
	return t, store.ErrConflict
}

func buildsOutput(linked map[models.Platform]models.Build, platforms []models.Platform) *tasks.BuildsOutput {
	out := &tasks.BuildsOutput{}
	sorted := append([]models.Platform(nil), platforms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, p := range sorted {
		b := linked[p]
		ref := tasks.BuildRef{Platform: p, BuildID: b.ID.String()}
		if b.ArtifactPath != nil {
			ref.ArtifactPath = *b.ArtifactPath
		}
		if b.JobURL != nil {
			ref.JobURL = *b.JobURL
		}
		if b.TestflightNumber != nil {
			ref.TestflightNumber = *b.TestflightNumber
		}
		if b.InternalTrackLink != nil {
			ref.InternalTrackLink = *b.InternalTrackLink
		}
		if b.VersionCode != nil {
			ref.VersionCode = *b.VersionCode
		}
		out.Builds = append(out.Builds, ref)
	}
	return out
}

func (o *Orchestrator) recordBuild(ctx context.Context, b models.Build, action, actor string) {
	meta := map[string]any{"platform": b.Platform, "stage": b.Stage}
	if b.TaskID != nil {
		meta["taskId"] = b.TaskID.String()
	}
	o.record(ctx, activity.Event{
		ReleaseID:  b.ReleaseID,
		EntityType: activity.EntityBuild,
		EntityID:   b.ID,
		Action:     action,
		New:        b,
		Actor:      actor,
		Metadata:   meta,
	})
}

func platformIn(p models.Platform, list []models.Platform) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
