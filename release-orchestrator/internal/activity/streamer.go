package activity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/canonical"
)

// Producer is the subset of Kafka behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

// StreamQueue is the durable outbox the streamer drains.
type StreamQueue interface {
	FetchPendingForStreaming(ctx context.Context, limit int) ([]Entry, error)
	MarkStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, errMsg sql.NullString) error
}

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

// Streamer delivers committed entries to Kafka then S3, recording the outcome on the
// row so the database stays the source of truth for retries.
type Streamer struct {
	queue    StreamQueue
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewStreamer(queue StreamQueue, producer Producer, archiver Archiver, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		queue:    queue,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.Named("activity.streamer"),
	}
}

// Run polls until ctx is cancelled. Each claimed batch is drained before the next fetch.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("starting", zap.Int("batch", s.cfg.BatchSize), zap.Int("concurrency", s.cfg.MaxConcurrency))
	defer s.logger.Info("stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.queue.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Warn("fetch pending", zap.Error(err))
		}
		if err != nil || len(entries) == 0 {
			s.sleep(ctx)
			continue
		}

		for _, e := range entries {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(e Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, e); err != nil {
					s.logger.Warn("process entry", zap.String("entry_id", e.ID.String()), zap.Error(err))
				}
			}(e)
		}
		s.wg.Wait()
	}
}

func (s *Streamer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.PollInterval):
	}
}

func (s *Streamer) processEntry(parent context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	fail := func(stage string, err error) error {
		msg := sql.NullString{String: fmt.Sprintf("%s: %v", stage, err), Valid: true}
		_ = s.queue.MarkStreamResult(parent, e.ID, sql.NullString{}, false, msg)
		return fmt.Errorf("%s: %w", stage, err)
	}

	body, err := canonical.Marshal(e)
	if err != nil {
		return fail("canonicalize entry", err)
	}
	producedAt, err := s.producer.Produce(ctx, []byte(e.ReleaseID.String()), body)
	if err != nil {
		return fail("kafka produce", err)
	}
	var archivedKey sql.NullString
	if s.archiver != nil {
		key, err := s.archiver.Archive(ctx, e)
		if err != nil {
			return fail("s3 archive", err)
		}
		archivedKey = sql.NullString{String: key, Valid: key != ""}
	}
	if err := s.queue.MarkStreamResult(parent, e.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	s.logger.Debug("entry streamed",
		zap.String("entry_id", e.ID.String()),
		zap.Time("produced_at", producedAt),
		zap.String("archived_key", archivedKey.String))
	return nil
}
