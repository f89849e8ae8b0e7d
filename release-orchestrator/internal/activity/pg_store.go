package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Schema creates the activity_log table. Stream columns track delivery to Kafka and S3.
const Schema = `
CREATE TABLE IF NOT EXISTS activity_log (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	release_id UUID NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id UUID NOT NULL,
	action TEXT NOT NULL,
	previous_value JSONB,
	new_value JSONB,
	actor TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	prev_hash TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	stream_status TEXT NOT NULL DEFAULT 'pending',
	stream_attempts INT NOT NULL DEFAULT 0,
	last_stream_error TEXT,
	s3_object_key TEXT,
	streamed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS activity_log_release_idx ON activity_log (release_id, seq);
CREATE INDEX IF NOT EXISTS activity_log_stream_idx ON activity_log (stream_status, seq);
`

// chainLockKey serializes appends so every entry links to the true chain head.
const chainLockKey = 7301

const (
	streamPending    = "pending"
	streamInProgress = "in_progress"
	streamDone       = "done"
	streamFailed     = "failed"
)

const entryColumns = `seq, id, release_id, entity_type, entity_id, action, previous_value, new_value,
	actor, reason, metadata, prev_hash, hash, created_at`

type PGStore struct {
	db *sql.DB
	// MaxStreamAttempts bounds redelivery of failed entries.
	MaxStreamAttempts int
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, MaxStreamAttempts: 10}
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate activity schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e          Entry
		entityType string
		prev, next, meta   []byte
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.ReleaseID, &entityType, &e.EntityID, &e.Action, &prev, &next,
		&e.Actor, &e.Reason, &meta, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.EntityType = EntityType(entityType)
	e.PreviousValue = rawOrNil(prev)
	e.NewValue = rawOrNil(next)
	e.Metadata = rawOrNil(meta)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(append([]byte(nil), b...))
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Append takes a transaction-scoped advisory lock, reads the chain head and inserts e.
func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("lock activity chain: %w", err)
	}
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM activity_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}
	if err := seal(e, prev, time.Now().UTC()); err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `
INSERT INTO activity_log (id, release_id, entity_type, entity_id, action, previous_value, new_value,
	actor, reason, metadata, prev_hash, hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING seq`,
		e.ID, e.ReleaseID, string(e.EntityType), e.EntityID, e.Action,
		nullableJSON(e.PreviousValue), nullableJSON(e.NewValue),
		e.Actor, e.Reason, nullableJSON(e.Metadata), e.PrevHash, e.Hash, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	clauses := []string{"release_id = $1"}
	args := []interface{}{filter.ReleaseID}
	argPos := 2
	if filter.EntityType != "" {
		clauses = append(clauses, fmt.Sprintf("entity_type = $%d", argPos))
		args = append(args, string(filter.EntityType))
		argPos++
	}
	if filter.EntityID != nil {
		clauses = append(clauses, fmt.Sprintf("entity_id = $%d", argPos))
		args = append(args, *filter.EntityID)
		argPos++
	}
	query := fmt.Sprintf(`SELECT %s FROM activity_log WHERE %s ORDER BY seq ASC`, entryColumns, strings.Join(clauses, " AND "))
	if filter.Limit > 0 {
		// newest N, still returned oldest first
		query = fmt.Sprintf(`SELECT * FROM (SELECT %s FROM activity_log WHERE %s ORDER BY seq DESC LIMIT $%d) recent ORDER BY seq ASC`,
			entryColumns, strings.Join(clauses, " AND "), argPos)
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Walk pages through the chain in seq order.
func (s *PGStore) Walk(ctx context.Context, fn func(Entry) error) error {
	const page = 500
	var after int64
	for {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM activity_log WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, entryColumns), after, page)
		if err != nil {
			return fmt.Errorf("walk activity: %w", err)
		}
		var batch []Entry
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan activity: %w", err)
			}
			batch = append(batch, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
			after = e.Seq
		}
		if len(batch) < page {
			return nil
		}
	}
}

// FetchPendingForStreaming claims up to limit undelivered entries with SKIP LOCKED so
// several streamers can share the table.
func (s *PGStore) FetchPendingForStreaming(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM activity_log
WHERE stream_status IN ($1, $2) AND stream_attempts < $3
ORDER BY seq ASC
LIMIT $4
FOR UPDATE SKIP LOCKED`, entryColumns), streamPending, streamFailed, s.MaxStreamAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending activity: %w", err)
	}
	var (
		out []Entry
		ids []string
	)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, e)
		ids = append(ids, e.ID.String())
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE activity_log SET stream_status = $1, stream_attempts = stream_attempts + 1
WHERE id = ANY($2::uuid[])`, streamInProgress, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// MarkStreamResult records the delivery outcome of one entry.
func (s *PGStore) MarkStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, errMsg sql.NullString) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
UPDATE activity_log SET stream_status = 'done', s3_object_key = $1, last_stream_error = NULL, streamed_at = NOW()
WHERE id = $2`, archivedKey, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
UPDATE activity_log SET stream_status = 'failed', last_stream_error = $1
WHERE id = $2`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	return nil
}
