// Package scheduler fires orchestrator ticks on a cron schedule and fans the
// candidate releases out over a fixed set of workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
)

// Ticker is the part of the orchestrator the scheduler drives.
type Ticker interface {
	Candidates(ctx context.Context) ([]uuid.UUID, error)
	TickRelease(ctx context.Context, releaseID uuid.UUID) error
}

type Config struct {
	// Schedule is a cron expression such as "@every 30s" or "*/1 * * * *".
	Schedule string
	Workers  int
	Logger   *zap.Logger
}

// Summary reports one pass.
type Summary struct {
	Candidates int           `json:"candidates"`
	Advanced   int           `json:"advanced"`
	Contended  int           `json:"contended"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

type Scheduler struct {
	ticker  Ticker
	router  *Router
	workers int
	cron    *cron.Cron
	logger  *zap.Logger

	mu   sync.Mutex
	ctx  context.Context
	last Summary
}

func New(t Ticker, cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		ticker:  t,
		router:  NewRouter(workers),
		workers: workers,
		logger:  logger,
		ctx:     context.Background(),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.fire); err != nil {
		return nil, fmt.Errorf("invalid tick schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start runs ticks in the background until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

// Stop prevents new ticks; the returned context is done once a running tick returns.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Last returns the summary of the most recent pass.
func (s *Scheduler) Last() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	sum, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("tick failed", zap.Error(err))
		return
	}
	if sum.Candidates > 0 {
		s.logger.Info("tick finished",
			zap.Int("candidates", sum.Candidates),
			zap.Int("advanced", sum.Advanced),
			zap.Int("contended", sum.Contended),
			zap.Int("failed", sum.Failed),
			zap.Duration("duration", sum.Duration))
	}
}

// RunOnce advances every candidate once. Releases routed to the same worker run
// sequentially; workers run in parallel.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	started := time.Now()
	ids, err := s.ticker.Candidates(ctx)
	if err != nil {
		return Summary{}, err
	}
	queues := make([][]uuid.UUID, s.workers)
	for _, id := range ids {
		w := s.router.Worker(id)
		queues[w] = append(queues[w], id)
	}

	sum := Summary{Candidates: len(ids)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, queue := range queues {
		if len(queue) == 0 {
			continue
		}
		wg.Add(1)
		go func(queue []uuid.UUID) {
			defer wg.Done()
			for _, id := range queue {
				if ctx.Err() != nil {
					return
				}
				err := s.ticker.TickRelease(ctx, id)
				mu.Lock()
				switch {
				case err == nil:
					sum.Advanced++
				case apperrors.IsCode(err, apperrors.CodeLockContention):
					sum.Contended++
				default:
					sum.Failed++
					s.logger.Error("tick release failed", zap.String("release_id", id.String()), zap.Error(err))
				}
				mu.Unlock()
			}
		}(queue)
	}
	wg.Wait()
	sum.Duration = time.Since(started)

	s.mu.Lock()
	s.last = sum
	s.mu.Unlock()
	return sum, ctx.Err()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
