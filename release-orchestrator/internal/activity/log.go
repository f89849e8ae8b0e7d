package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
)

// Event describes a state change before it is encoded into an Entry.
type Event struct {
	ReleaseID  uuid.UUID
	EntityType EntityType
	EntityID   uuid.UUID
	Action     string
	Previous   any
	New        any
	Actor      string
	Reason     string
	Metadata   map[string]any
}

// Recorder is what orchestration components depend on.
type Recorder interface {
	Record(ctx context.Context, ev Event) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

type Log struct {
	store   Store
	logger  *zap.Logger
	NowFunc func() time.Time
}

func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, logger: logger}
}

func (l *Log) now() time.Time {
	if l.NowFunc != nil {
		return l.NowFunc().UTC()
	}
	return time.Now().UTC()
}

func (l *Log) Record(ctx context.Context, ev Event) (Entry, error) {
	if ev.EntityType == "" || ev.Action == "" {
		return Entry{}, apperrors.Validation("activity entity type and action are required")
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	prev, err := encodeValue(ev.Previous)
	if err != nil {
		return Entry{}, err
	}
	next, err := encodeValue(ev.New)
	if err != nil {
		return Entry{}, err
	}
	var meta json.RawMessage
	if len(ev.Metadata) > 0 {
		if meta, err = json.Marshal(ev.Metadata); err != nil {
			return Entry{}, fmt.Errorf("encode activity metadata: %w", err)
		}
	}
	e := Entry{
		ReleaseID:     ev.ReleaseID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Action:        ev.Action,
		PreviousValue: prev,
		NewValue:      next,
		Actor:         ev.Actor,
		Reason:        ev.Reason,
		Metadata:      meta,
		CreatedAt:     l.now(),
	}
	if err := l.store.Append(ctx, &e); err != nil {
		return Entry{}, fmt.Errorf("append activity: %w", err)
	}
	l.logger.Debug("activity recorded",
		zap.String("release_id", e.ReleaseID.String()),
		zap.String("entity", string(e.EntityType)),
		zap.String("action", e.Action),
		zap.String("actor", e.Actor))
	return e, nil
}

func (l *Log) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return l.store.List(ctx, filter)
}

// Verify walks the whole chain.
func (l *Log) Verify(ctx context.Context) (int, error) {
	return VerifyChain(ctx, l.store)
}

func encodeValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode activity value: %w", err)
	}
	return b, nil
}
