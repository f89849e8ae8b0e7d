package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/artifacts"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

// InputSource tells which external path delivered a build.
type InputSource string

const (
	SourceCallback     InputSource = "CI_CD_CALLBACK"
	SourceManualUpload InputSource = "MANUAL_UPLOAD"
)

// awaitedStatus is the task status each source may complete.
func (s InputSource) awaitedStatus() models.TaskStatus {
	if s == SourceManualUpload {
		return models.TaskStatusAwaitingManualBuild
	}
	return models.TaskStatusAwaitingCallback
}

// CallbackInput is what a CI/CD system posts when a job finishes.
type CallbackInput struct {
	TaskID            uuid.UUID       `json:"taskId" validate:"required"`
	Platform          models.Platform `json:"platform,omitempty" validate:"omitempty,oneof=ANDROID IOS WEB"`
	JobURL            string          `json:"jobUrl" validate:"required,url"`
	ArtifactPath      string          `json:"artifactPath,omitempty"`
	Status            string          `json:"status,omitempty" validate:"omitempty,oneof=SUCCEEDED FAILED succeeded failed"`
	TestflightNumber  string          `json:"testflightNumber,omitempty"`
	InternalTrackLink string          `json:"internalTrackLink,omitempty"`
	VersionCode       *int64          `json:"versionCode,omitempty"`
	// Output completes non-build tasks that waited for a callback.
	Output json.RawMessage `json:"output,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func (in CallbackInput) failed() bool { return strings.EqualFold(in.Status, "FAILED") }

// HandleCallback applies a CI/CD job result to an AWAITING_CALLBACK task. Each
// platform's report becomes a build linked to the task; the task completes once
// every required platform reported. A FAILED status fails the task and the release
// halts on the next pass.
func (o *Orchestrator) HandleCallback(ctx context.Context, in CallbackInput) (models.ReleaseTask, error) {
	t, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return models.ReleaseTask{}, err
	}
	var (
		out     models.ReleaseTask
		advance bool
	)
	err = o.withInputLease(ctx, t.ReleaseID, func(r *run) error {
		current, err := o.store.GetTask(ctx, in.TaskID)
		if err != nil {
			return err
		}
		out, advance, err = o.applyCallback(ctx, in, current, r.release)
		return err
	})
	if err != nil {
		return models.ReleaseTask{}, err
	}
	if advance {
		o.nudge(ctx, t.ReleaseID)
	}
	return out, nil
}

// applyCallback runs under the release lease. It reports whether the release should
// be advanced once the lease is released.
func (o *Orchestrator) applyCallback(ctx context.Context, in CallbackInput, t models.ReleaseTask, rel models.Release) (models.ReleaseTask, bool, error) {
	def, ok := o.pipeline.Def(t.Type)
	if !ok {
		def = tasks.TaskDef{Type: t.Type}
	}

	if in.failed() {
		if t.Status != models.TaskStatusAwaitingCallback {
			err := apperrors.InvalidTransition("task %s is %s, not awaiting a callback", t.ID, t.Status)
			o.recordRejection(ctx, t.ReleaseID, activity.EntityTask, t.ID, "CALLBACK", "ci", err)
			return models.ReleaseTask{}, false, err
		}
		reason := in.Reason
		if reason == "" {
			reason = "job failed"
		}
		cause := apperrors.Newf(apperrors.CodeTaskFailure, "%s reported failure: %s (%s)", in.Platform, reason, in.JobURL)
		failed, err := o.markFailed(ctx, t, cause, "ci")
		if err != nil {
			return models.ReleaseTask{}, false, err
		}
		return failed, true, nil
	}

	if !def.IsBuild() {
		if t.Status != models.TaskStatusAwaitingCallback && t.Status != models.TaskStatusCompleted {
			err := apperrors.InvalidTransition("task %s is %s, not awaiting a callback", t.ID, t.Status)
			o.recordRejection(ctx, t.ReleaseID, activity.EntityTask, t.ID, "CALLBACK", "ci", err)
			return models.ReleaseTask{}, false, err
		}
		done, changed, err := o.finishTask(ctx, t, in.Output, "ci")
		if err != nil {
			return models.ReleaseTask{}, false, err
		}
		return done, changed, nil
	}

	b := models.Build{
		ReleaseID:         rel.ID,
		Platform:          in.Platform,
		Stage:             def.Build,
		ArtifactPath:      strPtr(in.ArtifactPath),
		JobURL:            strPtr(in.JobURL),
		TestflightNumber:  strPtr(in.TestflightNumber),
		InternalTrackLink: strPtr(in.InternalTrackLink),
		VersionCode:       in.VersionCode,
		WorkflowStatus:    strPtr(strings.ToUpper(in.Status)),
	}
	done, err := o.acceptBuild(ctx, SourceCallback, t, rel, def, b, "ci")
	if err != nil {
		return models.ReleaseTask{}, false, err
	}
	return done, done.Status == models.TaskStatusCompleted && t.Status != models.TaskStatusCompleted, nil
}

// acceptBuild is the single completion path for both input sources. A callback build
// is created already linked; an uploaded build exists staged and gets linked here.
func (o *Orchestrator) acceptBuild(ctx context.Context, src InputSource, t models.ReleaseTask, rel models.Release, def tasks.TaskDef, b models.Build, actor string) (models.ReleaseTask, error) {
	reject := func(err error) (models.ReleaseTask, error) {
		o.recordRejection(ctx, t.ReleaseID, activity.EntityTask, t.ID, string(src), actor, err)
		return models.ReleaseTask{}, err
	}
	if !b.Platform.Valid() || !platformIn(b.Platform, def.RequiredPlatforms(rel)) {
		return models.ReleaseTask{}, apperrors.Validation("task %s does not build for platform %q", t.Type, b.Platform)
	}
	linked, err := o.taskBuilds(ctx, t)
	if err != nil {
		return models.ReleaseTask{}, err
	}
	if existing, ok := linked[b.Platform]; ok {
		if sameDelivery(existing, b) {
			return t, nil
		}
		return reject(apperrors.Newf(apperrors.CodeDuplicateCompletion,
			"task %s already has a %s build from %s", t.ID, b.Platform, deref(existing.JobURL)))
	}
	if t.Status != src.awaitedStatus() {
		return reject(apperrors.InvalidTransition("task %s is %s, expected %s", t.ID, t.Status, src.awaitedStatus()))
	}
	if err := o.checkCycleMutable(ctx, t); err != nil {
		return reject(err)
	}

	var saved models.Build
	if b.ID == uuid.Nil {
		b.TaskID = &t.ID
		b.CycleID = t.CycleID
		saved, err = o.store.CreateBuild(ctx, b)
	} else {
		saved, err = o.store.LinkBuild(ctx, b.ID, t.ID, t.CycleID)
	}
	if err != nil {
		return models.ReleaseTask{}, fmt.Errorf("attach build: %w", err)
	}
	o.recordBuild(ctx, saved, "BUILD_LINKED", actor)
	o.logger.Info("build delivered",
		zap.String("source", string(src)),
		zap.String("task_id", t.ID.String()),
		zap.String("platform", string(saved.Platform)))
	return o.completeIfCovered(ctx, t, rel, def, actor)
}

func sameDelivery(a, b models.Build) bool {
	if b.ID != uuid.Nil {
		return a.ID == b.ID
	}
	return deref(a.JobURL) == deref(b.JobURL) && deref(a.ArtifactPath) == deref(b.ArtifactPath)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// UploadInput is a manual build upload. Either Body or TestflightNumber is required.
type UploadInput struct {
	ReleaseID         uuid.UUID
	Platform          models.Platform
	Stage             models.BuildStage
	FileName          string
	ContentType       string
	Body              io.Reader
	TestflightNumber  string
	InternalTrackLink string
	VersionCode       *int64
	Actor             string
}

// UploadBuild stores a manually built artifact for a MANUAL-mode release. The build
// completes a waiting task right away or stays staged until one asks for it.
func (o *Orchestrator) UploadBuild(ctx context.Context, in UploadInput) (models.Build, error) {
	rel, err := o.store.GetRelease(ctx, in.ReleaseID)
	if err != nil {
		return models.Build{}, err
	}
	if rel.BuildMode != models.BuildModeManual {
		return models.Build{}, apperrors.Validation("release %s takes builds from %s, not uploads", rel.Key, rel.BuildMode)
	}
	if !release.Mutable(rel) {
		return models.Build{}, apperrors.InvalidTransition("release %s is %s", rel.Key, rel.Status)
	}
	if !rel.HasPlatform(in.Platform) {
		return models.Build{}, apperrors.Validation("release %s does not target %q", rel.Key, in.Platform)
	}
	def, ok := o.pipeline.BuildTaskFor(in.Stage, in.Platform)
	if !ok {
		return models.Build{}, apperrors.Validation("no build task consumes %s builds for %s", in.Stage, in.Platform)
	}
	if in.Body == nil && in.TestflightNumber == "" {
		return models.Build{}, apperrors.Validation("a file or a testflightNumber is required")
	}

	b := models.Build{
		ReleaseID:         rel.ID,
		Platform:          in.Platform,
		Stage:             in.Stage,
		TestflightNumber:  strPtr(in.TestflightNumber),
		InternalTrackLink: strPtr(in.InternalTrackLink),
		VersionCode:       in.VersionCode,
	}
	if in.Body != nil {
		obj, err := o.artifacts.Put(ctx, artifacts.Key(o.artifactPrefix, rel.Key, in.Stage, in.Platform, in.FileName), in.Body, in.ContentType)
		if err != nil {
			return models.Build{}, fmt.Errorf("store artifact: %w", err)
		}
		b.ArtifactPath = &obj.Location
	}
	staged, err := o.store.CreateBuild(ctx, b)
	if err != nil {
		return models.Build{}, fmt.Errorf("create build: %w", err)
	}
	o.recordBuild(ctx, staged, "BUILD_UPLOADED", actorOr(in.Actor))

	var (
		linked bool
		done   models.ReleaseTask
	)
	err = o.withInputLease(ctx, rel.ID, func(r *run) error {
		t, found, err := o.waitingUploadTask(ctx, r.release, def, in.Platform)
		if err != nil || !found {
			return err
		}
		done, err = o.acceptBuild(ctx, SourceManualUpload, t, r.release, def, staged, actorOr(in.Actor))
		if err != nil {
			if errors.Is(err, store.ErrBuildLinked) {
				return nil
			}
			return err
		}
		staged.TaskID = &t.ID
		staged.CycleID = t.CycleID
		linked = true
		return nil
	})
	if err != nil {
		return staged, err
	}
	if linked && done.Status == models.TaskStatusCompleted {
		o.nudge(ctx, rel.ID)
	}
	return staged, nil
}

// waitingUploadTask finds the AWAITING_MANUAL_BUILD task of def's type that still
// needs a build for platform.
func (o *Orchestrator) waitingUploadTask(ctx context.Context, rel models.Release, def tasks.TaskDef, p models.Platform) (models.ReleaseTask, bool, error) {
	all, err := o.store.ListTasks(ctx, store.TaskFilter{ReleaseID: rel.ID})
	if err != nil {
		return models.ReleaseTask{}, false, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range all {
		if t.Type != def.Type || t.Status != models.TaskStatusAwaitingManualBuild {
			continue
		}
		if err := o.checkCycleMutable(ctx, t); err != nil {
			continue
		}
		linked, err := o.taskBuilds(ctx, t)
		if err != nil {
			return models.ReleaseTask{}, false, err
		}
		if _, ok := linked[p]; ok {
			continue
		}
		return t, true, nil
	}
	return models.ReleaseTask{}, false, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
