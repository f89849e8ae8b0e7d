package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
)

type fakeTicker struct {
	mu       sync.Mutex
	ids      []uuid.UUID
	outcomes map[uuid.UUID]error
	ticked   []uuid.UUID
}

func (f *fakeTicker) Candidates(ctx context.Context) ([]uuid.UUID, error) {
	return f.ids, nil
}

func (f *fakeTicker) TickRelease(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticked = append(f.ticked, id)
	return f.outcomes[id]
}

func TestRouterIsStable(t *testing.T) {
	a := NewRouter(4)
	b := NewRouter(4)
	for i := 0; i < 200; i++ {
		id := uuid.New()
		w := a.Worker(id)
		assert.GreaterOrEqual(t, w, 0)
		assert.Less(t, w, 4)
		assert.Equal(t, w, a.Worker(id))
		assert.Equal(t, w, b.Worker(id))
	}
}

func TestRouterSpreadsReleases(t *testing.T) {
	r := NewRouter(4)
	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		counts[r.Worker(uuid.New())]++
	}
	assert.Len(t, counts, 4)
	for w, n := range counts {
		assert.Greater(t, n, 100, "worker %d", w)
	}
}

func TestRouterHandlesManyWorkers(t *testing.T) {
	r := NewRouter(64)
	seen := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		seen[r.Worker(uuid.New())] = true
	}
	assert.Greater(t, len(seen), 32)
}

func TestRunOnceCountsOutcomes(t *testing.T) {
	ok1, ok2, busy, broken := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	ft := &fakeTicker{
		ids: []uuid.UUID{ok1, ok2, busy, broken},
		outcomes: map[uuid.UUID]error{
			busy:   apperrors.New(apperrors.CodeLockContention, "lease held"),
			broken: errors.New("db down"),
		},
	}
	s, err := New(ft, Config{Schedule: "@every 30s", Workers: 3})
	require.NoError(t, err)

	sum, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Candidates)
	assert.Equal(t, 2, sum.Advanced)
	assert.Equal(t, 1, sum.Contended)
	assert.Equal(t, 1, sum.Failed)
	assert.ElementsMatch(t, ft.ids, ft.ticked)
	assert.Equal(t, sum, s.Last())
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	ft := &fakeTicker{ids: []uuid.UUID{uuid.New(), uuid.New()}}
	s, err := New(ft, Config{Schedule: "@every 1m", Workers: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ft.ticked)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeTicker{}, Config{Schedule: "every now and then"})
	assert.Error(t, err)
}
