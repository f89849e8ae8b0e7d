package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// --- tasks ---

const taskColumns = `id, release_id, cycle_id, type, stage, task_order, status, conclusion, external_id, output,
	started_at, completed_at, version, created_at, updated_at`

func scanTask(row rowScanner) (models.ReleaseTask, error) {
	var (
		t           models.ReleaseTask
		cycleID     uuid.NullUUID
		conclusion  sql.NullString
		externalID  sql.NullString
		output      []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&t.ReleaseID,
		&cycleID,
		&t.Type,
		&t.Stage,
		&t.Order,
		&t.Status,
		&conclusion,
		&externalID,
		&output,
		&startedAt,
		&completedAt,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return models.ReleaseTask{}, err
	}
	t.CycleID = uuidPtr(cycleID)
	t.Conclusion = stringPtr(conclusion)
	t.ExternalID = stringPtr(externalID)
	if len(output) > 0 {
		t.Output = append(json.RawMessage(nil), output...)
	}
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

// nullableJSON maps an empty output to SQL NULL.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func insertTask(ctx context.Context, q execer, t models.ReleaseTask) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `
		INSERT INTO release_tasks (id, release_id, cycle_id, type, stage, task_order, status, conclusion, external_id, output)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := q.ExecContext(ctx, query, t.ID, t.ReleaseID, t.CycleID, t.Type, t.Stage, t.Order, t.Status,
		t.Conclusion, t.ExternalID, nullableJSON(t.Output))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.Type, err)
	}
	return nil
}

func (s *PGStore) CreateTasks(ctx context.Context, tasks []models.ReleaseTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) GetTask(ctx context.Context, id uuid.UUID) (models.ReleaseTask, error) {
	query := `SELECT ` + taskColumns + ` FROM release_tasks WHERE id=$1`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ReleaseTask{}, ErrNotFound
		}
		return models.ReleaseTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.ReleaseTask, error) {
	query := `SELECT ` + taskColumns + ` FROM release_tasks WHERE release_id=$1`
	args := []interface{}{filter.ReleaseID}
	argPos := 2
	if filter.Stage != nil {
		query += fmt.Sprintf(" AND stage = $%d", argPos)
		args = append(args, *filter.Stage)
		argPos++
	}
	if filter.CycleID != nil {
		query += fmt.Sprintf(" AND cycle_id = $%d", argPos)
		args = append(args, *filter.CycleID)
	}
	query += " ORDER BY created_at, task_order"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.ReleaseTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateTask(ctx context.Context, t models.ReleaseTask) (models.ReleaseTask, error) {
	query := `
		UPDATE release_tasks SET
			status=$3, conclusion=$4, external_id=$5, output=$6, started_at=$7, completed_at=$8,
			version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING ` + taskColumns
	out, err := scanTask(s.db.QueryRowContext(ctx, query,
		t.ID, t.Version, t.Status, t.Conclusion, t.ExternalID, nullableJSON(t.Output), t.StartedAt, t.CompletedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ReleaseTask{}, s.missingOrConflict(ctx, s.db, "release_tasks", t.ID)
		}
		return models.ReleaseTask{}, fmt.Errorf("update task: %w", err)
	}
	return out, nil
}

// --- regression cycles ---

const cycleColumns = `id, release_id, status, is_latest, tag, slot_id, scheduled_at, started_at, completed_at,
	abandon_reason, version, created_at, updated_at`

func scanCycle(row rowScanner) (models.RegressionCycle, error) {
	var (
		c             models.RegressionCycle
		tag           sql.NullString
		slotID        uuid.NullUUID
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		abandonReason sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.ReleaseID,
		&c.Status,
		&c.IsLatest,
		&tag,
		&slotID,
		&c.ScheduledAt,
		&startedAt,
		&completedAt,
		&abandonReason,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return models.RegressionCycle{}, err
	}
	c.Tag = stringPtr(tag)
	c.SlotID = uuidPtr(slotID)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	c.AbandonReason = stringPtr(abandonReason)
	return c, nil
}

func (s *PGStore) CreateCycle(ctx context.Context, in CycleInput) (models.RegressionCycle, error) {
	c := in.Cycle
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var created models.RegressionCycle
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const demote = `
			UPDATE regression_cycles SET is_latest=FALSE, version=version+1, updated_at=NOW()
			WHERE release_id=$1 AND is_latest
		`
		if _, err := tx.ExecContext(ctx, demote, c.ReleaseID); err != nil {
			return fmt.Errorf("demote latest cycle: %w", err)
		}
		query := `
			INSERT INTO regression_cycles (id, release_id, status, is_latest, tag, slot_id, scheduled_at)
			VALUES ($1,$2,$3,TRUE,$4,$5,$6)
			RETURNING ` + cycleColumns
		var err error
		created, err = scanCycle(tx.QueryRowContext(ctx, query, c.ID, c.ReleaseID, c.Status, c.Tag, in.SlotID, c.ScheduledAt))
		if err != nil {
			return fmt.Errorf("insert cycle: %w", err)
		}
		for _, t := range in.Tasks {
			t.CycleID = &created.ID
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		if in.SlotID != nil {
			const consume = `
				UPDATE regression_slots SET cycle_id=$3, consumed_at=NOW()
				WHERE id=$1 AND release_id=$2 AND cycle_id IS NULL
			`
			res, err := tx.ExecContext(ctx, consume, *in.SlotID, c.ReleaseID, created.ID)
			if err != nil {
				return fmt.Errorf("consume slot: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrConflict
			}
		}
		return nil
	})
	if err != nil {
		return models.RegressionCycle{}, err
	}
	return created, nil
}

func (s *PGStore) GetCycle(ctx context.Context, id uuid.UUID) (models.RegressionCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM regression_cycles WHERE id=$1`
	c, err := scanCycle(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RegressionCycle{}, ErrNotFound
		}
		return models.RegressionCycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

func (s *PGStore) LatestCycle(ctx context.Context, releaseID uuid.UUID) (models.RegressionCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM regression_cycles WHERE release_id=$1 AND is_latest`
	c, err := scanCycle(s.db.QueryRowContext(ctx, query, releaseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RegressionCycle{}, ErrNotFound
		}
		return models.RegressionCycle{}, fmt.Errorf("latest cycle: %w", err)
	}
	return c, nil
}

func (s *PGStore) ListCycles(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM regression_cycles WHERE release_id=$1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, releaseID)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()
	var out []models.RegressionCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateCycle(ctx context.Context, c models.RegressionCycle) (models.RegressionCycle, error) {
	query := `
		UPDATE regression_cycles SET
			status=$3, tag=$4, started_at=$5, completed_at=$6, abandon_reason=$7,
			version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING ` + cycleColumns
	out, err := scanCycle(s.db.QueryRowContext(ctx, query,
		c.ID, c.Version, c.Status, c.Tag, c.StartedAt, c.CompletedAt, c.AbandonReason))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RegressionCycle{}, s.missingOrConflict(ctx, s.db, "regression_cycles", c.ID)
		}
		return models.RegressionCycle{}, fmt.Errorf("update cycle: %w", err)
	}
	return out, nil
}

// --- regression slots ---

const slotColumns = `id, release_id, scheduled_at, config, cycle_id, consumed_at, created_at`

func scanSlot(row rowScanner) (models.RegressionSlot, error) {
	var (
		slot       models.RegressionSlot
		config     []byte
		cycleID    uuid.NullUUID
		consumedAt sql.NullTime
	)
	if err := row.Scan(&slot.ID, &slot.ReleaseID, &slot.ScheduledAt, &config, &cycleID, &consumedAt, &slot.CreatedAt); err != nil {
		return models.RegressionSlot{}, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &slot.Config); err != nil {
			return models.RegressionSlot{}, fmt.Errorf("decode slot config: %w", err)
		}
	}
	slot.CycleID = uuidPtr(cycleID)
	slot.ConsumedAt = timePtr(consumedAt)
	return slot, nil
}

func insertSlot(ctx context.Context, q execer, slot models.RegressionSlot) (models.RegressionSlot, error) {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	config, err := json.Marshal(slot.Config)
	if err != nil {
		return models.RegressionSlot{}, fmt.Errorf("encode slot config: %w", err)
	}
	query := `
		INSERT INTO regression_slots (id, release_id, scheduled_at, config)
		VALUES ($1,$2,$3,$4)
		RETURNING ` + slotColumns
	out, err := scanSlot(q.QueryRowContext(ctx, query, slot.ID, slot.ReleaseID, slot.ScheduledAt, config))
	if err != nil {
		return models.RegressionSlot{}, fmt.Errorf("insert slot: %w", err)
	}
	return out, nil
}

func (s *PGStore) CreateSlot(ctx context.Context, slot models.RegressionSlot) (models.RegressionSlot, error) {
	return insertSlot(ctx, s.db, slot)
}

func (s *PGStore) ListSlots(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM regression_slots WHERE release_id=$1 ORDER BY scheduled_at, created_at`
	rows, err := s.db.QueryContext(ctx, query, releaseID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()
	var out []models.RegressionSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return out, nil
}

func (s *PGStore) DeleteSlot(ctx context.Context, releaseID, slotID uuid.UUID) error {
	const query = `DELETE FROM regression_slots WHERE id=$1 AND release_id=$2 AND cycle_id IS NULL`
	res, err := s.db.ExecContext(ctx, query, slotID, releaseID)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, s.db, "regression_slots", slotID)
	}
	return nil
}
