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

// --- builds ---

const buildColumns = `id, release_id, task_id, cycle_id, platform, stage, artifact_path, testflight_number,
	internal_track_link, version_code, workflow_status, job_url, created_at`

func scanBuild(row rowScanner) (models.Build, error) {
	var (
		b              models.Build
		taskID         uuid.NullUUID
		cycleID        uuid.NullUUID
		artifactPath   sql.NullString
		testflight     sql.NullString
		trackLink      sql.NullString
		versionCode    sql.NullInt64
		workflowStatus sql.NullString
		jobURL         sql.NullString
	)
	if err := row.Scan(
		&b.ID,
		&b.ReleaseID,
		&taskID,
		&cycleID,
		&b.Platform,
		&b.Stage,
		&artifactPath,
		&testflight,
		&trackLink,
		&versionCode,
		&workflowStatus,
		&jobURL,
		&b.CreatedAt,
	); err != nil {
		return models.Build{}, err
	}
	b.TaskID = uuidPtr(taskID)
	b.CycleID = uuidPtr(cycleID)
	b.ArtifactPath = stringPtr(artifactPath)
	b.TestflightNumber = stringPtr(testflight)
	b.InternalTrackLink = stringPtr(trackLink)
	b.VersionCode = int64Ptr(versionCode)
	b.WorkflowStatus = stringPtr(workflowStatus)
	b.JobURL = stringPtr(jobURL)
	return b, nil
}

func (s *PGStore) CreateBuild(ctx context.Context, b models.Build) (models.Build, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	query := `
		INSERT INTO builds (id, release_id, task_id, cycle_id, platform, stage, artifact_path, testflight_number,
			internal_track_link, version_code, workflow_status, job_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING ` + buildColumns
	out, err := scanBuild(s.db.QueryRowContext(ctx, query, b.ID, b.ReleaseID, b.TaskID, b.CycleID, b.Platform, b.Stage,
		b.ArtifactPath, b.TestflightNumber, b.InternalTrackLink, b.VersionCode, b.WorkflowStatus, b.JobURL))
	if err != nil {
		return models.Build{}, fmt.Errorf("insert build: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListBuilds(ctx context.Context, filter BuildFilter) ([]models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE release_id=$1`
	args := []interface{}{filter.ReleaseID}
	argPos := 2
	if filter.Stage != nil {
		query += fmt.Sprintf(" AND stage = $%d", argPos)
		args = append(args, *filter.Stage)
		argPos++
	}
	if filter.Platform != nil {
		query += fmt.Sprintf(" AND platform = $%d", argPos)
		args = append(args, *filter.Platform)
		argPos++
	}
	if filter.TaskID != nil {
		query += fmt.Sprintf(" AND task_id = $%d", argPos)
		args = append(args, *filter.TaskID)
	}
	if filter.Unconsumed {
		query += " AND task_id IS NULL"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()
	var out []models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return out, nil
}

func (s *PGStore) LinkBuild(ctx context.Context, buildID, taskID uuid.UUID, cycleID *uuid.UUID) (models.Build, error) {
	query := `
		UPDATE builds SET task_id=$2, cycle_id=COALESCE($3, cycle_id)
		WHERE id=$1 AND task_id IS NULL
		RETURNING ` + buildColumns
	out, err := scanBuild(s.db.QueryRowContext(ctx, query, buildID, taskID, cycleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if missing := s.missingOrConflict(ctx, s.db, "builds", buildID); errors.Is(missing, ErrNotFound) {
				return models.Build{}, ErrNotFound
			}
			return models.Build{}, ErrBuildLinked
		}
		return models.Build{}, fmt.Errorf("link build: %w", err)
	}
	return out, nil
}

// --- submissions ---

const submissionColumns = `id, release_id, platform, build_id, status, rollout_percentage, initial_rollout,
	phased_release, version_code, is_active, action_history, version, created_at, updated_at`

func scanSubmission(row rowScanner) (models.Submission, error) {
	var (
		sub         models.Submission
		buildID     uuid.NullUUID
		versionCode sql.NullInt64
		initial     sql.NullFloat64
		history     []byte
	)
	if err := row.Scan(
		&sub.ID,
		&sub.ReleaseID,
		&sub.Platform,
		&buildID,
		&sub.Status,
		&sub.RolloutPercentage,
		&initial,
		&sub.PhasedRelease,
		&versionCode,
		&sub.IsActive,
		&history,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return models.Submission{}, err
	}
	sub.BuildID = uuidPtr(buildID)
	sub.VersionCode = int64Ptr(versionCode)
	sub.InitialRollout = float64Ptr(initial)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &sub.ActionHistory); err != nil {
			return models.Submission{}, fmt.Errorf("decode action history: %w", err)
		}
	}
	return sub, nil
}

func encodeHistory(h []models.SubmissionAction) ([]byte, error) {
	if h == nil {
		h = []models.SubmissionAction{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode action history: %w", err)
	}
	return b, nil
}

func (s *PGStore) CreateSubmission(ctx context.Context, sub models.Submission) (models.Submission, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	history, err := encodeHistory(sub.ActionHistory)
	if err != nil {
		return models.Submission{}, err
	}
	var created models.Submission
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		const selectActive = `
			SELECT id, status FROM submissions
			WHERE release_id=$1 AND platform=$2 AND is_active
			FOR UPDATE
		`
		var (
			activeID     uuid.UUID
			activeStatus models.SubmissionStatus
		)
		err := tx.QueryRowContext(ctx, selectActive, sub.ReleaseID, sub.Platform).Scan(&activeID, &activeStatus)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select active submission: %w", err)
		case !activeStatus.AllowsResubmission():
			return ErrActiveSubmission
		default:
			const deactivate = `UPDATE submissions SET is_active=FALSE, version=version+1, updated_at=NOW() WHERE id=$1`
			if _, err := tx.ExecContext(ctx, deactivate, activeID); err != nil {
				return fmt.Errorf("deactivate submission: %w", err)
			}
		}
		query := `
			INSERT INTO submissions (id, release_id, platform, build_id, status, rollout_percentage, initial_rollout,
				phased_release, version_code, is_active, action_history)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE,$10)
			RETURNING ` + submissionColumns
		created, err = scanSubmission(tx.QueryRowContext(ctx, query, sub.ID, sub.ReleaseID, sub.Platform, sub.BuildID,
			sub.Status, sub.RolloutPercentage, sub.InitialRollout, sub.PhasedRelease, sub.VersionCode, history))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveSubmission
			}
			return fmt.Errorf("insert submission: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Submission{}, err
	}
	return created, nil
}

func (s *PGStore) GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) GetActiveSubmission(ctx context.Context, releaseID uuid.UUID, platform models.Platform) (models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE release_id=$1 AND platform=$2 AND is_active`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, query, releaseID, platform))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("get active submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) ListSubmissions(ctx context.Context, releaseID uuid.UUID) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE release_id=$1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, releaseID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var out []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateSubmission(ctx context.Context, sub models.Submission) (models.Submission, error) {
	history, err := encodeHistory(sub.ActionHistory)
	if err != nil {
		return models.Submission{}, err
	}
	query := `
		UPDATE submissions SET
			status=$3, rollout_percentage=$4, phased_release=$5, version_code=$6, build_id=$7, action_history=$8,
			version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2 AND is_active
		RETURNING ` + submissionColumns
	out, err := scanSubmission(s.db.QueryRowContext(ctx, query,
		sub.ID, sub.Version, sub.Status, sub.RolloutPercentage, sub.PhasedRelease, sub.VersionCode, sub.BuildID, history))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, s.missingOrConflict(ctx, s.db, "submissions", sub.ID)
		}
		return models.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	return out, nil
}
