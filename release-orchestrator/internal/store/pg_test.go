package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

var submissionCols = []string{"id", "release_id", "platform", "build_id", "status", "rollout_percentage", "initial_rollout",
	"phased_release", "version_code", "is_active", "action_history", "version", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGGetReleaseNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM releases WHERE id=\\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetRelease(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAcquireLeaseContention(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s.NowFunc = func() time.Time { return now }
	releaseID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lock_holder, lock_token, lock_acquired_at, lock_timeout_ms").
		WithArgs(releaseID).
		WillReturnRows(sqlmock.NewRows([]string{"lock_holder", "lock_token", "lock_acquired_at", "lock_timeout_ms"}).
			AddRow("worker-1", uuid.New().String(), now.Add(-10*time.Second), int64(60000)))
	mock.ExpectRollback()

	_, err := s.AcquireLease(context.Background(), releaseID, "worker-2", time.Minute)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeLockContention))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAcquireLeaseReclaimsExpired(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s.NowFunc = func() time.Time { return now }
	releaseID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lock_holder, lock_token, lock_acquired_at, lock_timeout_ms").
		WithArgs(releaseID).
		WillReturnRows(sqlmock.NewRows([]string{"lock_holder", "lock_token", "lock_acquired_at", "lock_timeout_ms"}).
			AddRow("worker-1", uuid.New().String(), now.Add(-5*time.Minute), int64(60000)))
	mock.ExpectExec("UPDATE cron_jobs SET lock_holder=\\$2").
		WithArgs(releaseID, "worker-2", sqlmock.AnyArg(), now, int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	l, err := s.AcquireLease(context.Background(), releaseID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", l.Holder)
	assert.Equal(t, now.Add(time.Minute), l.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateTaskVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	task := models.ReleaseTask{ID: uuid.New(), Version: 3, Status: models.TaskStatusInProgress}

	mock.ExpectQuery("UPDATE release_tasks SET").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT 1 FROM release_tasks WHERE id=\\$1").
		WithArgs(task.ID).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	_, err := s.UpdateTask(context.Background(), task)
	assert.True(t, errors.Is(err, ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateSubmissionReplacesRejected(t *testing.T) {
	s, mock := newMockStore(t)
	releaseID, oldID, newID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	initial := 20.0

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status FROM submissions").
		WithArgs(releaseID, models.PlatformAndroid).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(oldID.String(), "REJECTED"))
	mock.ExpectExec("UPDATE submissions SET is_active=FALSE").
		WithArgs(oldID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO submissions").
		WillReturnRows(sqlmock.NewRows(submissionCols).
			AddRow(newID.String(), releaseID.String(), "ANDROID", nil, "PENDING", 0.0, 20.0, false, int64(412), true, []byte("[]"), int64(1), now, now))
	mock.ExpectCommit()

	sub, err := s.CreateSubmission(context.Background(), models.Submission{
		ID:             newID,
		ReleaseID:      releaseID,
		Platform:       models.PlatformAndroid,
		Status:         models.SubmissionPending,
		InitialRollout: &initial,
	})
	require.NoError(t, err)
	assert.True(t, sub.IsActive)
	require.NotNil(t, sub.InitialRollout)
	assert.Equal(t, 20.0, *sub.InitialRollout)
	require.NotNil(t, sub.VersionCode)
	assert.Equal(t, int64(412), *sub.VersionCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateSubmissionRejectsLiveDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	releaseID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status FROM submissions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(uuid.New().String(), "LIVE"))
	mock.ExpectRollback()

	_, err := s.CreateSubmission(context.Background(), models.Submission{ReleaseID: releaseID, Platform: models.PlatformIOS})
	assert.True(t, errors.Is(err, ErrActiveSubmission))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGDeleteConsumedSlot(t *testing.T) {
	s, mock := newMockStore(t)
	releaseID, slotID := uuid.New(), uuid.New()

	mock.ExpectExec("DELETE FROM regression_slots").
		WithArgs(slotID, releaseID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM regression_slots").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := s.DeleteSlot(context.Background(), releaseID, slotID)
	assert.True(t, errors.Is(err, ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}
