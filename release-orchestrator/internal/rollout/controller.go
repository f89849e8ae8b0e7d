// Package rollout drives per-platform store submissions after a release is submitted:
// review status, staged rollout, pause, resume and halt.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
)

type Store interface {
	store.SubmissionStore
	GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error)
	UpdateRelease(ctx context.Context, r models.Release) (models.Release, error)
	ListBuilds(ctx context.Context, filter store.BuildFilter) ([]models.Build, error)
}

// Defaults apply to submissions created by the orchestrator. A nil InitialRollout
// takes Android submissions LIVE at 100%.
type Defaults struct {
	PhasedRelease  bool
	InitialRollout *float64
}

// DefaultsFrom builds controller defaults from configuration.
func DefaultsFrom(cfg config.Rollout) Defaults {
	pct := cfg.AndroidInitialRollout
	return Defaults{PhasedRelease: cfg.IOSPhasedRelease, InitialRollout: &pct}
}

type Controller struct {
	store    Store
	activity activity.Recorder
	logger   *zap.Logger
	defaults Defaults
	NowFunc  func() time.Time
}

func NewController(st Store, rec activity.Recorder, defaults Defaults, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: st, activity: rec, defaults: defaults, logger: logger.Named("rollout")}
}

func (c *Controller) now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc().UTC()
	}
	return time.Now().UTC()
}

type CreateRequest struct {
	ReleaseID      uuid.UUID       `json:"releaseId"`
	Platform       models.Platform `json:"platform" validate:"required"`
	BuildID        *uuid.UUID      `json:"buildId,omitempty"`
	PhasedRelease  *bool           `json:"phasedRelease,omitempty"`
	InitialRollout *float64        `json:"initialRollout,omitempty"`
	Actor          string          `json:"-"`
}

// CreateSubmission opens a submission for a platform. A REJECTED or CANCELLED
// predecessor is deactivated in the same transaction.
func (c *Controller) CreateSubmission(ctx context.Context, req CreateRequest) (models.Submission, error) {
	if _, err := rulesFor(req.Platform); err != nil {
		return models.Submission{}, err
	}
	r, err := c.store.GetRelease(ctx, req.ReleaseID)
	if err != nil {
		return models.Submission{}, err
	}
	if !r.HasPlatform(req.Platform) {
		return models.Submission{}, apperrors.Validation("release %s does not target %s", r.Key, req.Platform)
	}
	if !release.Mutable(r) {
		return models.Submission{}, apperrors.InvalidTransition("release %s is %s", r.Key, r.Status)
	}
	s := models.Submission{
		ID:            uuid.New(),
		ReleaseID:     r.ID,
		Platform:      req.Platform,
		Status:        models.SubmissionPending,
		PhasedRelease: c.defaults.PhasedRelease,
	}
	if req.PhasedRelease != nil {
		s.PhasedRelease = *req.PhasedRelease
	}
	initial := req.InitialRollout
	if initial == nil {
		initial = c.defaults.InitialRollout
	}
	if initial != nil {
		if err := validPercentage(*initial); err != nil {
			return models.Submission{}, err
		}
		pct := *initial
		s.InitialRollout = &pct
	}
	if s.Platform != models.PlatformIOS {
		s.PhasedRelease = false
	}
	build, err := c.submissionBuild(ctx, r, req.Platform, req.BuildID)
	if err != nil {
		return models.Submission{}, err
	}
	if build != nil {
		s.BuildID = &build.ID
		if s.Platform == models.PlatformAndroid {
			s.VersionCode = build.VersionCode
		}
	}
	s.ActionHistory = []models.SubmissionAction{{
		Action:   "CREATED",
		ToStatus: models.SubmissionPending,
		Actor:    actorOr(req.Actor),
		At:       c.now(),
	}}

	created, err := c.store.CreateSubmission(ctx, s)
	if err != nil {
		if errors.Is(err, store.ErrActiveSubmission) {
			if existing, gerr := c.store.GetActiveSubmission(ctx, r.ID, req.Platform); gerr == nil {
				c.recordRejection(ctx, existing, "CREATE", req.Actor, err)
			}
		}
		return models.Submission{}, err
	}
	c.record(ctx, nil, created, "SUBMISSION_CREATED", req.Actor, "")
	return created, nil
}

// submissionBuild resolves the build to submit: the requested one or the newest
// PRE_RELEASE build for the platform.
func (c *Controller) submissionBuild(ctx context.Context, r models.Release, p models.Platform, id *uuid.UUID) (*models.Build, error) {
	stage := models.BuildStagePreRelease
	builds, err := c.store.ListBuilds(ctx, store.BuildFilter{ReleaseID: r.ID, Platform: &p})
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	if id != nil {
		for _, b := range builds {
			if b.ID == *id {
				return &b, nil
			}
		}
		return nil, apperrors.Validation("build %s does not belong to release %s on %s", *id, r.Key, p)
	}
	var latest *models.Build
	for i := range builds {
		if builds[i].Stage == stage {
			latest = &builds[i]
		}
	}
	return latest, nil
}

// SubmitRelease opens a submission for every listed platform, reusing an existing
// active one. It backs the SUBMIT_TO_TARGET task.
func (c *Controller) SubmitRelease(ctx context.Context, r models.Release, platforms []models.Platform, actor string) ([]models.Submission, error) {
	var out []models.Submission
	for _, p := range platforms {
		existing, err := c.store.GetActiveSubmission(ctx, r.ID, p)
		switch {
		case err == nil && !existing.Status.AllowsResubmission():
			out = append(out, existing)
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		s, err := c.CreateSubmission(ctx, CreateRequest{ReleaseID: r.ID, Platform: p, Actor: actor})
		if err != nil {
			return nil, fmt.Errorf("submit %s: %w", p, err)
		}
		out = append(out, s)
	}
	return out, nil
}

type StoreStatusUpdate struct {
	ReleaseID         uuid.UUID               `json:"releaseId" validate:"required"`
	Platform          models.Platform         `json:"platform" validate:"required"`
	Status            models.SubmissionStatus `json:"status" validate:"required"`
	RolloutPercentage *float64                `json:"rolloutPercentage,omitempty"`
	Reason            string                  `json:"reason,omitempty"`
}

// ApplyStoreStatus records a review outcome reported by the store. Repeated
// deliveries of the current status are no-ops.
func (c *Controller) ApplyStoreStatus(ctx context.Context, u StoreStatusUpdate) (models.Submission, error) {
	s, err := c.store.GetActiveSubmission(ctx, u.ReleaseID, u.Platform)
	if err != nil {
		return models.Submission{}, err
	}
	rules, err := rulesFor(s.Platform)
	if err != nil {
		return models.Submission{}, err
	}
	if s.Status == u.Status {
		if s.Status == models.SubmissionLive && u.RolloutPercentage != nil && s.PhasedRelease {
			return c.storeProgress(ctx, s, *u.RolloutPercentage)
		}
		return s, nil
	}
	if !canStoreTransition(s.Status, u.Status) {
		err := apperrors.InvalidTransition("submission %s cannot move from %s to %s", s.ID, s.Status, u.Status)
		c.recordRejection(ctx, s, "STORE_STATUS", "store", err)
		return models.Submission{}, err
	}
	prev := s
	s.Status = u.Status
	if u.Status == models.SubmissionLive {
		s.RolloutPercentage = rules.liveRollout(s)
	}
	c.appendAction(&s, "STORE_"+string(u.Status), prev, u.Reason, "store")
	updated, err := c.store.UpdateSubmission(ctx, s)
	if err != nil {
		return models.Submission{}, err
	}
	c.record(ctx, &prev, updated, "SUBMISSION_STATUS_CHANGED", "store", u.Reason)
	if err := c.completeReleaseIfDone(ctx, updated.ReleaseID); err != nil {
		return updated, err
	}
	return updated, nil
}

// storeProgress applies the store's own phased-release progression.
func (c *Controller) storeProgress(ctx context.Context, s models.Submission, pct float64) (models.Submission, error) {
	if err := validPercentage(pct); err != nil {
		return models.Submission{}, err
	}
	if pct <= s.RolloutPercentage {
		return s, nil
	}
	prev := s
	s.RolloutPercentage = pct
	c.appendAction(&s, "STORE_PROGRESS", prev, "", "store")
	updated, err := c.store.UpdateSubmission(ctx, s)
	if err != nil {
		return models.Submission{}, err
	}
	c.record(ctx, &prev, updated, "ROLLOUT_UPDATED", "store", "")
	if err := c.completeReleaseIfDone(ctx, updated.ReleaseID); err != nil {
		return updated, err
	}
	return updated, nil
}

// Action is a caller-initiated rollout mutation.
type Action struct {
	ReleaseID  uuid.UUID
	Platform   models.Platform
	Percentage float64
	Reason     string
	Actor      string
}

// UpdateRollout changes the rollout percentage of a LIVE submission. Checks run in
// order: platform capability, range, state, platform target rule.
func (c *Controller) UpdateRollout(ctx context.Context, a Action) (models.Submission, error) {
	return c.mutate(ctx, a, "ROLLOUT_UPDATED", func(s *models.Submission, rules platformRules) error {
		if err := rules.canUpdate(*s); err != nil {
			return err
		}
		if err := validPercentage(a.Percentage); err != nil {
			return err
		}
		if s.Status != models.SubmissionLive {
			return apperrors.InvalidTransition("rollout can only change while LIVE, submission %s is %s", s.ID, s.Status)
		}
		if s.RolloutPercentage >= 100 {
			return apperrors.InvalidTransition("submission %s is already fully rolled out", s.ID)
		}
		if err := rules.validTarget(*s, a.Percentage); err != nil {
			return err
		}
		s.RolloutPercentage = a.Percentage
		return nil
	})
}

func (c *Controller) Pause(ctx context.Context, a Action) (models.Submission, error) {
	return c.mutate(ctx, a, "ROLLOUT_PAUSED", func(s *models.Submission, rules platformRules) error {
		if err := rules.canPause(*s); err != nil {
			return err
		}
		if a.Reason == "" {
			return apperrors.Validation("reason required to pause a rollout")
		}
		if s.Status != models.SubmissionLive {
			return apperrors.InvalidTransition("only LIVE submissions can be paused, submission %s is %s", s.ID, s.Status)
		}
		if s.RolloutPercentage >= 100 {
			return apperrors.InvalidTransition("submission %s is already fully rolled out", s.ID)
		}
		s.Status = models.SubmissionPaused
		return nil
	})
}

func (c *Controller) Resume(ctx context.Context, a Action) (models.Submission, error) {
	return c.mutate(ctx, a, "ROLLOUT_RESUMED", func(s *models.Submission, rules platformRules) error {
		if err := rules.canPause(*s); err != nil {
			return err
		}
		if s.Status != models.SubmissionPaused {
			return apperrors.InvalidTransition("only PAUSED submissions can be resumed, submission %s is %s", s.ID, s.Status)
		}
		s.Status = models.SubmissionLive
		return nil
	})
}

// Halt stops a rollout for good.
func (c *Controller) Halt(ctx context.Context, a Action) (models.Submission, error) {
	return c.mutate(ctx, a, "ROLLOUT_HALTED", func(s *models.Submission, rules platformRules) error {
		if err := rules.canHalt(*s); err != nil {
			return err
		}
		if a.Reason == "" {
			return apperrors.Validation("reason required to halt a rollout")
		}
		if s.Status != models.SubmissionLive {
			return apperrors.InvalidTransition("only LIVE submissions can be halted, submission %s is %s", s.ID, s.Status)
		}
		s.Status = models.SubmissionHalted
		return nil
	})
}

// Cancel withdraws a submission that has not been approved yet.
func (c *Controller) Cancel(ctx context.Context, a Action) (models.Submission, error) {
	return c.mutate(ctx, a, "SUBMISSION_CANCELLED", func(s *models.Submission, _ platformRules) error {
		if s.Status != models.SubmissionPending && s.Status != models.SubmissionInReview {
			return apperrors.InvalidTransition("submission %s cannot be cancelled from %s", s.ID, s.Status)
		}
		s.Status = models.SubmissionCancelled
		return nil
	})
}

func (c *Controller) mutate(ctx context.Context, a Action, action string, apply func(*models.Submission, platformRules) error) (models.Submission, error) {
	rules, err := rulesFor(a.Platform)
	if err != nil {
		return models.Submission{}, err
	}
	s, err := c.store.GetActiveSubmission(ctx, a.ReleaseID, a.Platform)
	if err != nil {
		return models.Submission{}, err
	}
	prev := s
	if err := apply(&s, rules); err != nil {
		c.recordRejection(ctx, prev, action, a.Actor, err)
		return models.Submission{}, err
	}
	c.appendAction(&s, action, prev, a.Reason, a.Actor)
	updated, err := c.store.UpdateSubmission(ctx, s)
	if err != nil {
		return models.Submission{}, err
	}
	c.record(ctx, &prev, updated, action, a.Actor, a.Reason)
	c.logger.Info("submission updated",
		zap.String("submission_id", updated.ID.String()),
		zap.String("platform", string(updated.Platform)),
		zap.String("action", action),
		zap.String("status", string(updated.Status)),
		zap.Float64("rollout", updated.RolloutPercentage))
	if err := c.completeReleaseIfDone(ctx, updated.ReleaseID); err != nil {
		return updated, err
	}
	return updated, nil
}

// completeReleaseIfDone marks a SUBMITTED release COMPLETED once every active
// submission is LIVE at 100%.
func (c *Controller) completeReleaseIfDone(ctx context.Context, releaseID uuid.UUID) error {
	r, err := c.store.GetRelease(ctx, releaseID)
	if err != nil {
		return err
	}
	if r.Status != models.ReleaseStatusSubmitted {
		return nil
	}
	subs, err := c.store.ListSubmissions(ctx, releaseID)
	if err != nil {
		return err
	}
	active := 0
	for _, s := range subs {
		if !s.IsActive {
			continue
		}
		active++
		if s.Status != models.SubmissionLive || s.RolloutPercentage < 100 {
			return nil
		}
	}
	if active == 0 {
		return nil
	}
	prev := r.Status
	if err := release.Transition(&r, models.ReleaseStatusCompleted); err != nil {
		return err
	}
	if _, err := c.store.UpdateRelease(ctx, r); err != nil {
		return fmt.Errorf("complete release: %w", err)
	}
	if c.activity != nil {
		if _, err := c.activity.Record(ctx, activity.Event{
			ReleaseID:  r.ID,
			EntityType: activity.EntityRelease,
			EntityID:   r.ID,
			Action:     "RELEASE_COMPLETED",
			Previous:   map[string]any{"status": prev},
			New:        map[string]any{"status": r.Status},
			Actor:      "system",
		}); err != nil {
			c.logger.Error("record release completion", zap.Error(err))
		}
	}
	c.logger.Info("release completed", zap.String("release", r.Key))
	return nil
}

func (c *Controller) appendAction(s *models.Submission, action string, prev models.Submission, reason, actor string) {
	s.ActionHistory = append(s.ActionHistory, models.SubmissionAction{
		Action:         action,
		FromStatus:     prev.Status,
		ToStatus:       s.Status,
		FromPercentage: prev.RolloutPercentage,
		ToPercentage:   s.RolloutPercentage,
		Reason:         reason,
		Actor:          actorOr(actor),
		At:             c.now(),
	})
}

type submissionState struct {
	Status            models.SubmissionStatus `json:"status"`
	RolloutPercentage float64                 `json:"rolloutPercentage"`
	IsActive          bool                    `json:"isActive"`
}

func stateOf(s models.Submission) submissionState {
	return submissionState{Status: s.Status, RolloutPercentage: s.RolloutPercentage, IsActive: s.IsActive}
}

func (c *Controller) record(ctx context.Context, prev *models.Submission, next models.Submission, action, actor, reason string) {
	if c.activity == nil {
		return
	}
	var previous any
	if prev != nil {
		previous = stateOf(*prev)
	}
	_, err := c.activity.Record(ctx, activity.Event{
		ReleaseID:  next.ReleaseID,
		EntityType: activity.EntitySubmission,
		EntityID:   next.ID,
		Action:     action,
		Previous:   previous,
		New:        stateOf(next),
		Actor:      actorOr(actor),
		Reason:     reason,
		Metadata:   map[string]any{"platform": next.Platform},
	})
	if err != nil {
		c.logger.Error("record submission activity", zap.String("submission_id", next.ID.String()), zap.Error(err))
	}
}

// recordRejection audits refused state changes. Validation failures are not recorded.
func (c *Controller) recordRejection(ctx context.Context, s models.Submission, action, actor string, cause error) {
	if c.activity == nil || apperrors.IsCode(cause, apperrors.CodeValidation) {
		return
	}
	_, err := c.activity.Record(ctx, activity.Event{
		ReleaseID:  s.ReleaseID,
		EntityType: activity.EntitySubmission,
		EntityID:   s.ID,
		Action:     "SUBMISSION_OPERATION_REJECTED",
		Previous:   stateOf(s),
		Actor:      actorOr(actor),
		Reason:     cause.Error(),
		Metadata:   map[string]any{"operation": action, "code": apperrors.CodeOf(cause), "platform": s.Platform},
	})
	if err != nil {
		c.logger.Error("record submission rejection", zap.Error(err))
	}
}

func validPercentage(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return apperrors.Validation("rollout percentage must be within [0,100], got %g", p)
	}
	return nil
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
