// Package regression manages the repeatable test cycles of the REGRESSION stage and
// the scheduled slots that seed them.
package regression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

// DefaultSlotConfig applies to cycles that were not created from a slot.
var DefaultSlotConfig = models.SlotConfig{AutomationRuns: true, ReleaseNotes: true}

// Store is the persistence the manager needs.
type Store interface {
	store.CycleStore
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.ReleaseTask, error)
	UpdateTask(ctx context.Context, t models.ReleaseTask) (models.ReleaseTask, error)
}

type Manager struct {
	store    Store
	pipeline tasks.Pipeline
	activity activity.Recorder
	logger   *zap.Logger
	NowFunc  func() time.Time
}

func NewManager(st Store, pipeline tasks.Pipeline, rec activity.Recorder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, pipeline: pipeline, activity: rec, logger: logger.Named("regression")}
}

func (m *Manager) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc().UTC()
	}
	return time.Now().UTC()
}

// Latest returns the latest cycle of a release, or nil when none was created yet.
func (m *Manager) Latest(ctx context.Context, releaseID uuid.UUID) (*models.RegressionCycle, error) {
	c, err := m.store.LatestCycle(ctx, releaseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpcomingSlots returns the unconsumed slots in the order they will be consumed.
func (m *Manager) UpcomingSlots(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionSlot, error) {
	slots, err := m.store.ListSlots(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	var out []models.RegressionSlot
	for _, s := range slots {
		if !s.Consumed() {
			out = append(out, s)
		}
	}
	return out, nil
}

// StartCycle creates the next latest cycle, consuming the earliest upcoming slot when
// one exists. It fails with CycleAlreadyActive while the latest cycle is still active.
func (m *Manager) StartCycle(ctx context.Context, r models.Release, actor string) (models.RegressionCycle, error) {
	latest, err := m.Latest(ctx, r.ID)
	if err != nil {
		return models.RegressionCycle{}, err
	}
	if latest != nil && latest.Status.Active() {
		return models.RegressionCycle{}, apperrors.Newf(apperrors.CodeCycleAlreadyActive,
			"release %s already has an active regression cycle %s", r.Key, latest.ID).
			WithMeta("cycleId", latest.ID.String())
	}
	upcoming, err := m.UpcomingSlots(ctx, r.ID)
	if err != nil {
		return models.RegressionCycle{}, err
	}

	now := m.now()
	cycle := models.RegressionCycle{
		ID:          uuid.New(),
		ReleaseID:   r.ID,
		Status:      models.CycleStatusNotStarted,
		ScheduledAt: now,
	}
	var slotID *uuid.UUID
	if len(upcoming) > 0 {
		slot := upcoming[0]
		slotID = &slot.ID
		cycle.ScheduledAt = slot.ScheduledAt
	}
	if !now.Before(cycle.ScheduledAt) {
		cycle.Status = models.CycleStatusInProgress
		cycle.StartedAt = &now
	}

	created, err := m.store.CreateCycle(ctx, store.CycleInput{
		Cycle:  cycle,
		Tasks:  m.pipeline.NewCycleTasks(r.ID, cycle.ID),
		SlotID: slotID,
	})
	if err != nil {
		return models.RegressionCycle{}, fmt.Errorf("create cycle: %w", err)
	}
	m.record(ctx, created, "CYCLE_CREATED", nil, actor, "")
	m.logger.Info("regression cycle created",
		zap.String("release", r.Key),
		zap.String("cycle_id", created.ID.String()),
		zap.String("status", string(created.Status)),
		zap.Time("scheduled_at", created.ScheduledAt))
	return created, nil
}

// ActivateIfDue starts a NOT_STARTED cycle once its scheduled time has passed.
func (m *Manager) ActivateIfDue(ctx context.Context, c models.RegressionCycle) (models.RegressionCycle, error) {
	now := m.now()
	if c.Status != models.CycleStatusNotStarted || now.Before(c.ScheduledAt) {
		return c, nil
	}
	prev := c.Status
	c.Status = models.CycleStatusInProgress
	c.StartedAt = &now
	updated, err := m.store.UpdateCycle(ctx, c)
	if err != nil {
		return c, fmt.Errorf("activate cycle: %w", err)
	}
	m.record(ctx, updated, "CYCLE_STARTED", prev, "system", "")
	return updated, nil
}

// CompleteResult reports the finished cycle and, when a slot was waiting, the cycle
// that replaced it as latest.
type CompleteResult struct {
	Cycle models.RegressionCycle
	Next  *models.RegressionCycle
}

// StageReady reports whether the REGRESSION stage may advance.
func (r CompleteResult) StageReady() bool { return r.Next == nil }

// CompleteCycle moves the latest IN_PROGRESS cycle to DONE and starts the next one
// when an upcoming slot exists.
func (m *Manager) CompleteCycle(ctx context.Context, r models.Release, c models.RegressionCycle, actor string) (CompleteResult, error) {
	if c.Status != models.CycleStatusInProgress {
		return CompleteResult{}, apperrors.InvalidTransition("cycle %s cannot complete from %s", c.ID, c.Status)
	}
	if !c.IsLatest {
		return CompleteResult{}, apperrors.InvalidTransition("cycle %s is not the latest cycle", c.ID)
	}
	now := m.now()
	c.Status = models.CycleStatusDone
	c.CompletedAt = &now
	done, err := m.store.UpdateCycle(ctx, c)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("complete cycle: %w", err)
	}
	m.record(ctx, done, "CYCLE_COMPLETED", models.CycleStatusInProgress, actor, "")

	upcoming, err := m.UpcomingSlots(ctx, r.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	if len(upcoming) == 0 {
		return CompleteResult{Cycle: done}, nil
	}
	next, err := m.StartCycle(ctx, r, actor)
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Cycle: done, Next: &next}, nil
}

// AbandonCycle discards an active cycle. Tasks of the cycle that did not finish are
// skipped so they no longer hold up the stage.
func (m *Manager) AbandonCycle(ctx context.Context, c models.RegressionCycle, reason, actor string) (models.RegressionCycle, error) {
	if reason == "" {
		return models.RegressionCycle{}, apperrors.Validation("reason required to abandon a cycle")
	}
	if !c.Status.Active() {
		return models.RegressionCycle{}, apperrors.InvalidTransition("cycle %s cannot be abandoned from %s", c.ID, c.Status)
	}
	now := m.now()
	// Tasks are skipped before the cycle is marked: an ABANDONED cycle never owns a
	// live task.
	cycleID := c.ID
	cycleTasks, err := m.store.ListTasks(ctx, store.TaskFilter{ReleaseID: c.ReleaseID, CycleID: &cycleID})
	if err != nil {
		return models.RegressionCycle{}, err
	}
	for _, t := range cycleTasks {
		if t.Status.Done() {
			continue
		}
		if err := tasks.Abandon(&t, "regression cycle abandoned", now); err != nil {
			return models.RegressionCycle{}, err
		}
		if _, err := m.store.UpdateTask(ctx, t); err != nil {
			return models.RegressionCycle{}, fmt.Errorf("skip task %s: %w", t.ID, err)
		}
	}
	prev := c.Status
	c.Status = models.CycleStatusAbandoned
	c.AbandonReason = &reason
	c.CompletedAt = &now
	abandoned, err := m.store.UpdateCycle(ctx, c)
	if err != nil {
		return models.RegressionCycle{}, fmt.Errorf("abandon cycle: %w", err)
	}
	m.record(ctx, abandoned, "CYCLE_ABANDONED", prev, actor, reason)
	return abandoned, nil
}

// SlotConfig returns the configuration a cycle runs with.
func (m *Manager) SlotConfig(ctx context.Context, c models.RegressionCycle) (models.SlotConfig, error) {
	if c.SlotID == nil {
		return DefaultSlotConfig, nil
	}
	slots, err := m.store.ListSlots(ctx, c.ReleaseID)
	if err != nil {
		return models.SlotConfig{}, err
	}
	for _, s := range slots {
		if s.ID == *c.SlotID {
			return s.Config, nil
		}
	}
	return DefaultSlotConfig, nil
}

// AddSlot schedules a future cycle.
func (m *Manager) AddSlot(ctx context.Context, r models.Release, at time.Time, cfg models.SlotConfig, actor string) (models.RegressionSlot, error) {
	if !at.After(m.now()) {
		return models.RegressionSlot{}, apperrors.Validation("slot must be scheduled in the future")
	}
	slot, err := m.store.CreateSlot(ctx, models.RegressionSlot{
		ID:          uuid.New(),
		ReleaseID:   r.ID,
		ScheduledAt: at.UTC(),
		Config:      cfg,
	})
	if err != nil {
		return models.RegressionSlot{}, fmt.Errorf("create slot: %w", err)
	}
	m.recordSlot(ctx, slot, "SLOT_ADDED", nil, slot, actor)
	return slot, nil
}

// RemoveSlot deletes an upcoming slot. Consumed or past slots cannot be removed.
func (m *Manager) RemoveSlot(ctx context.Context, releaseID, slotID uuid.UUID, actor string) error {
	slots, err := m.store.ListSlots(ctx, releaseID)
	if err != nil {
		return err
	}
	var found *models.RegressionSlot
	for i := range slots {
		if slots[i].ID == slotID {
			found = &slots[i]
		}
	}
	if found == nil {
		return store.ErrNotFound
	}
	if found.Consumed() || !found.ScheduledAt.After(m.now()) {
		return apperrors.InvalidTransition("slot %s is no longer upcoming", slotID)
	}
	if err := m.store.DeleteSlot(ctx, releaseID, slotID); err != nil {
		return err
	}
	m.recordSlot(ctx, *found, "SLOT_REMOVED", *found, nil, actor)
	return nil
}

func (m *Manager) ListCycles(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionCycle, error) {
	return m.store.ListCycles(ctx, releaseID)
}

func (m *Manager) record(ctx context.Context, c models.RegressionCycle, action string, prev any, actor, reason string) {
	if m.activity == nil {
		return
	}
	var previous any
	if prev != nil {
		previous = map[string]any{"status": prev}
	}
	_, err := m.activity.Record(ctx, activity.Event{
		ReleaseID:  c.ReleaseID,
		EntityType: activity.EntityCycle,
		EntityID:   c.ID,
		Action:     action,
		Previous:   previous,
		New:        map[string]any{"status": c.Status, "isLatest": c.IsLatest, "scheduledAt": c.ScheduledAt},
		Actor:      actor,
		Reason:     reason,
	})
	if err != nil {
		m.logger.Error("record cycle activity", zap.String("cycle_id", c.ID.String()), zap.Error(err))
	}
}

func (m *Manager) recordSlot(ctx context.Context, s models.RegressionSlot, action string, prev, next any, actor string) {
	if m.activity == nil {
		return
	}
	_, err := m.activity.Record(ctx, activity.Event{
		ReleaseID:  s.ReleaseID,
		EntityType: activity.EntitySlot,
		EntityID:   s.ID,
		Action:     action,
		Previous:   prev,
		New:        next,
		Actor:      actor,
	})
	if err != nil {
		m.logger.Error("record slot activity", zap.String("slot_id", s.ID.String()), zap.Error(err))
	}
}
