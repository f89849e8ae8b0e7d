package activity

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	produceFunc func(ctx context.Context, key, value []byte) (time.Time, error)
	keys        []string
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	f.keys = append(f.keys, string(key))
	if f.produceFunc != nil {
		return f.produceFunc(ctx, key, value)
	}
	return time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeArchiver struct {
	archiveFunc func(ctx context.Context, e Entry) (string, error)
}

func (f *fakeArchiver) Archive(ctx context.Context, e Entry) (string, error) {
	if f.archiveFunc != nil {
		return f.archiveFunc(ctx, e)
	}
	return ObjectKey("prefix", e), nil
}

func sampleEntry() Entry {
	return Entry{
		ID:         uuid.New(),
		ReleaseID:  uuid.New(),
		EntityType: EntityTask,
		EntityID:   uuid.New(),
		Action:     "TASK_COMPLETED",
		Actor:      "system",
		Hash:       "deadbeef",
		CreatedAt:  time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestProcessEntrySuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	prod := &fakeProducer{}
	streamer := NewStreamer(NewPGStore(db), prod, &fakeArchiver{}, StreamerConfig{BatchSize: 1, MaxConcurrency: 1}, nil)
	e := sampleEntry()

	mock.ExpectExec("UPDATE\\s+activity_log SET stream_status = 'done'").
		WithArgs(sql.NullString{String: ObjectKey("prefix", e), Valid: true}, e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, streamer.processEntry(context.Background(), e))
	assert.Equal(t, []string{e.ReleaseID.String()}, prod.keys, "entries are keyed by release")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEntryProducerFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	archived := false
	prod := &fakeProducer{produceFunc: func(context.Context, []byte, []byte) (time.Time, error) {
		return time.Time{}, errors.New("broker down")
	}}
	arch := &fakeArchiver{archiveFunc: func(context.Context, Entry) (string, error) {
		archived = true
		return "", nil
	}}
	streamer := NewStreamer(NewPGStore(db), prod, arch, StreamerConfig{}, nil)
	e := sampleEntry()

	mock.ExpectExec("UPDATE\\s+activity_log SET stream_status = 'failed'").
		WithArgs(sqlmock.AnyArg(), e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.Error(t, streamer.processEntry(context.Background(), e))
	assert.False(t, archived)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEntryArchiveFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	arch := &fakeArchiver{archiveFunc: func(context.Context, Entry) (string, error) {
		return "", errors.New("access denied")
	}}
	streamer := NewStreamer(NewPGStore(db), &fakeProducer{}, arch, StreamerConfig{}, nil)
	e := sampleEntry()

	mock.ExpectExec("UPDATE\\s+activity_log SET stream_status = 'failed'").
		WithArgs(sql.NullString{String: "s3 archive: access denied", Valid: true}, e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = streamer.processEntry(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 archive")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestObjectKeyLayout(t *testing.T) {
	e := sampleEntry()
	assert.Equal(t, "audit-archive/activity/2026/05/04/"+e.ID.String()+".json", ObjectKey("audit-archive", e))
}
