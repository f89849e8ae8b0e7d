package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/lease"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

type PGStore struct {
	db *sql.DB
	// NowFunc drives lease expiry. Defaults to UTC wall clock.
	NowFunc func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc().UTC()
	}
	return time.Now().UTC()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PGStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// missingOrConflict resolves a versioned UPDATE that touched no rows.
func (s *PGStore) missingOrConflict(ctx context.Context, q execer, table string, id uuid.UUID) error {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id=$1", table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	return ErrConflict
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func uuidPtr(nu uuid.NullUUID) *uuid.UUID {
	if !nu.Valid {
		return nil
	}
	v := nu.UUID
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// --- releases ---

const releaseColumns = `id, key, tenant_id, type, status, current_stage, app_version, base_branch, release_branch,
	kickoff_date, target_release_date, targets, pilot_id, owner_id, build_mode, test_pass_threshold,
	pm_approved_by, pm_approved_at, archived_at, version, created_at, updated_at`

func scanRelease(row rowScanner) (models.Release, error) {
	var (
		r            models.Release
		targetDate   sql.NullTime
		targets      []byte
		pmApprovedBy sql.NullString
		pmApprovedAt sql.NullTime
		archivedAt   sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.Key,
		&r.TenantID,
		&r.Type,
		&r.Status,
		&r.CurrentStage,
		&r.AppVersion,
		&r.BaseBranch,
		&r.ReleaseBranch,
		&r.KickoffDate,
		&targetDate,
		&targets,
		&r.PilotID,
		&r.OwnerID,
		&r.BuildMode,
		&r.TestPassThreshold,
		&pmApprovedBy,
		&pmApprovedAt,
		&archivedAt,
		&r.Version,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return models.Release{}, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &r.Targets); err != nil {
			return models.Release{}, fmt.Errorf("decode targets: %w", err)
		}
	}
	r.TargetReleaseDate = timePtr(targetDate)
	r.PMApprovedBy = stringPtr(pmApprovedBy)
	r.PMApprovedAt = timePtr(pmApprovedAt)
	r.ArchivedAt = timePtr(archivedAt)
	return r, nil
}

func insertRelease(ctx context.Context, q execer, r models.Release) (models.Release, error) {
	targets, err := json.Marshal(r.Targets)
	if err != nil {
		return models.Release{}, fmt.Errorf("encode targets: %w", err)
	}
	query := `
		INSERT INTO releases (id, key, tenant_id, type, status, current_stage, app_version, base_branch, release_branch,
			kickoff_date, target_release_date, targets, pilot_id, owner_id, build_mode, test_pass_threshold)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING ` + releaseColumns
	row := q.QueryRowContext(ctx, query,
		r.ID, r.Key, r.TenantID, r.Type, r.Status, r.CurrentStage, r.AppVersion, r.BaseBranch, r.ReleaseBranch,
		r.KickoffDate, r.TargetReleaseDate, targets, r.PilotID, r.OwnerID, r.BuildMode, r.TestPassThreshold)
	out, err := scanRelease(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Release{}, ErrConflict
		}
		return models.Release{}, fmt.Errorf("insert release: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id=$1`
	r, err := scanRelease(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("get release: %w", err)
	}
	return r, nil
}

func (s *PGStore) GetReleaseByKey(ctx context.Context, key string) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE key=$1`
	r, err := scanRelease(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("get release by key: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListReleases(ctx context.Context, filter ReleaseFilter) ([]models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argPos)
		args = append(args, filter.TenantID)
		argPos++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		args = append(args, pq.Array(statuses))
		argPos++
	}
	query += " ORDER BY kickoff_date DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()
	var out []models.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate releases: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateRelease(ctx context.Context, r models.Release) (models.Release, error) {
	targets, err := json.Marshal(r.Targets)
	if err != nil {
		return models.Release{}, fmt.Errorf("encode targets: %w", err)
	}
	query := `
		UPDATE releases SET
			status=$3, current_stage=$4, release_branch=$5, target_release_date=$6, targets=$7,
			pilot_id=$8, owner_id=$9, test_pass_threshold=$10, pm_approved_by=$11, pm_approved_at=$12,
			archived_at=$13, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING ` + releaseColumns
	out, err := scanRelease(s.db.QueryRowContext(ctx, query,
		r.ID, r.Version, r.Status, r.CurrentStage, r.ReleaseBranch, r.TargetReleaseDate, targets,
		r.PilotID, r.OwnerID, r.TestPassThreshold, r.PMApprovedBy, r.PMApprovedAt, r.ArchivedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, s.missingOrConflict(ctx, s.db, "releases", r.ID)
		}
		return models.Release{}, fmt.Errorf("update release: %w", err)
	}
	return out, nil
}

func (s *PGStore) Kickoff(ctx context.Context, in KickoffInput) (models.Release, error) {
	var created models.Release
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertRelease(ctx, tx, in.Release)
		if err != nil {
			return err
		}
		if err := insertCronJob(ctx, tx, in.CronJob); err != nil {
			return err
		}
		for _, t := range in.Tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, slot := range in.Slots {
			if _, err := insertSlot(ctx, tx, slot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	return created, nil
}

// --- cron jobs ---

const cronColumns = `id, release_id, stage1_status, stage2_status, stage3_status, cron_status, pause_type,
	lock_holder, lock_token, lock_acquired_at, lock_timeout_ms, stage_data, auto_transition_stage2,
	auto_transition_stage3, version, created_at, updated_at`

func scanCronJob(row rowScanner) (models.CronJob, error) {
	var (
		job        models.CronJob
		holder     sql.NullString
		token      uuid.NullUUID
		acquiredAt sql.NullTime
		timeoutMS  int64
		stageData  []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.ReleaseID,
		&job.Stage1Status,
		&job.Stage2Status,
		&job.Stage3Status,
		&job.CronStatus,
		&job.PauseType,
		&holder,
		&token,
		&acquiredAt,
		&timeoutMS,
		&stageData,
		&job.AutoTransitionToStage2,
		&job.AutoTransitionToStage3,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.CronJob{}, err
	}
	if holder.Valid {
		job.Lock = models.CronLock{
			Holder:     holder.String,
			Token:      token.UUID,
			AcquiredAt: acquiredAt.Time,
			Timeout:    time.Duration(timeoutMS) * time.Millisecond,
		}
	}
	job.StageData = append(json.RawMessage(nil), stageData...)
	return job, nil
}

func insertCronJob(ctx context.Context, q execer, job models.CronJob) error {
	query := `
		INSERT INTO cron_jobs (id, release_id, stage1_status, stage2_status, stage3_status, cron_status, pause_type,
			stage_data, auto_transition_stage2, auto_transition_stage3)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := q.ExecContext(ctx, query, job.ID, job.ReleaseID, job.Stage1Status, job.Stage2Status, job.Stage3Status,
		job.CronStatus, job.PauseType, ensureJSON(job.StageData, "{}"), job.AutoTransitionToStage2, job.AutoTransitionToStage3)
	if err != nil {
		return fmt.Errorf("insert cron job: %w", err)
	}
	return nil
}

func (s *PGStore) GetCronJob(ctx context.Context, releaseID uuid.UUID) (models.CronJob, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_jobs WHERE release_id=$1`
	job, err := scanCronJob(s.db.QueryRowContext(ctx, query, releaseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CronJob{}, ErrNotFound
		}
		return models.CronJob{}, fmt.Errorf("get cron job: %w", err)
	}
	return job, nil
}

func (s *PGStore) ListTickCandidates(ctx context.Context) ([]uuid.UUID, error) {
	const query = `
		SELECT c.release_id FROM cron_jobs c
		JOIN releases r ON r.id = c.release_id
		WHERE r.status IN ('PENDING','IN_PROGRESS')
		  AND (c.cron_status IN ('PENDING','RUNNING') OR (c.cron_status='PAUSED' AND c.pause_type='TASK_FAILURE'))
		ORDER BY r.kickoff_date
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tick candidates: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tick candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tick candidates: %w", err)
	}
	return ids, nil
}

// AcquireLease row-locks the cron job and applies lease.Acquire against the stored lock.
func (s *PGStore) AcquireLease(ctx context.Context, releaseID uuid.UUID, holder string, ttl time.Duration) (lease.Lease, error) {
	var granted lease.Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const selectLock = `
			SELECT lock_holder, lock_token, lock_acquired_at, lock_timeout_ms
			FROM cron_jobs WHERE release_id=$1
			FOR UPDATE
		`
		var (
			h         sql.NullString
			token     uuid.NullUUID
			acquired  sql.NullTime
			timeoutMS int64
		)
		if err := tx.QueryRowContext(ctx, selectLock, releaseID).Scan(&h, &token, &acquired, &timeoutMS); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select cron lock: %w", err)
		}
		var current models.CronLock
		if h.Valid {
			current = models.CronLock{Holder: h.String, Token: token.UUID, AcquiredAt: acquired.Time, Timeout: time.Duration(timeoutMS) * time.Millisecond}
		}
		lock, l, err := lease.Acquire(releaseID, current, holder, s.now(), ttl)
		if err != nil {
			return err
		}
		const claim = `
			UPDATE cron_jobs SET lock_holder=$2, lock_token=$3, lock_acquired_at=$4, lock_timeout_ms=$5
			WHERE release_id=$1
		`
		if _, err := tx.ExecContext(ctx, claim, releaseID, lock.Holder, lock.Token, lock.AcquiredAt, lock.Timeout.Milliseconds()); err != nil {
			return fmt.Errorf("claim cron lock: %w", err)
		}
		granted = l
		return nil
	})
	if err != nil {
		return lease.Lease{}, err
	}
	return granted, nil
}

// ReleaseLease clears the lock if l still owns it. Releasing a lost lease is a no-op.
func (s *PGStore) ReleaseLease(ctx context.Context, l lease.Lease) error {
	const query = `
		UPDATE cron_jobs SET lock_holder=NULL, lock_token=NULL, lock_acquired_at=NULL, lock_timeout_ms=0
		WHERE release_id=$1 AND lock_token=$2
	`
	if _, err := s.db.ExecContext(ctx, query, l.ReleaseID, l.Token); err != nil {
		return fmt.Errorf("release cron lock: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateCronJob(ctx context.Context, l lease.Lease, job models.CronJob) (models.CronJob, error) {
	if !l.Valid(s.now()) || l.ReleaseID != job.ReleaseID {
		return models.CronJob{}, lease.Contention(job.ReleaseID, job.Lock)
	}
	query := `
		UPDATE cron_jobs SET
			stage1_status=$4, stage2_status=$5, stage3_status=$6, cron_status=$7, pause_type=$8,
			stage_data=$9, auto_transition_stage2=$10, auto_transition_stage3=$11,
			version=version+1, updated_at=NOW()
		WHERE release_id=$1 AND version=$2 AND lock_token=$3
		RETURNING ` + cronColumns
	out, err := scanCronJob(s.db.QueryRowContext(ctx, query,
		job.ReleaseID, job.Version, l.Token, job.Stage1Status, job.Stage2Status, job.Stage3Status,
		job.CronStatus, job.PauseType, ensureJSON(job.StageData, "{}"), job.AutoTransitionToStage2, job.AutoTransitionToStage3))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CronJob{}, fmt.Errorf("update cron job: %w", err)
	}
	current, getErr := s.GetCronJob(ctx, job.ReleaseID)
	if getErr != nil {
		return models.CronJob{}, getErr
	}
	if current.Lock.Token != l.Token {
		return models.CronJob{}, lease.Contention(job.ReleaseID, current.Lock)
	}
	return models.CronJob{}, ErrConflict
}
