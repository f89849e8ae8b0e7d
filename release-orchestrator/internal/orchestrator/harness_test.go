package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/regression"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/rollout"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

var t0 = time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedExecutor delegates to LocalExecutor unless a task type is told to fail or
// to keep polling.
type scriptedExecutor struct {
	mu    sync.Mutex
	local *LocalExecutor
	fail  map[models.TaskType]int
	poll  map[models.TaskType]bool
	calls map[models.TaskType]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		local: NewLocalExecutor(),
		fail:  map[models.TaskType]int{},
		poll:  map[models.TaskType]bool{},
		calls: map[models.TaskType]int{},
	}
}

func (e *scriptedExecutor) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	e.mu.Lock()
	typ := req.Task.Type
	e.calls[typ]++
	if e.fail[typ] > 0 {
		e.fail[typ]--
		e.mu.Unlock()
		return Result{}, errors.New("runner exited with status 1")
	}
	poll := e.poll[typ]
	e.mu.Unlock()
	if poll {
		return Result{}, nil
	}
	return e.local.Execute(ctx, req)
}

type harness struct {
	ctx     context.Context
	clock   *clock
	store   *store.MemoryStore
	log     *activity.Log
	rollout *rollout.Controller
	exec    *scriptedExecutor
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: t0}
	st := store.NewMemoryStore()
	st.NowFunc = clk.Now
	log := activity.NewLog(activity.NewMemoryStore(), nil)
	log.NowFunc = clk.Now
	pipeline := tasks.MustDefaultPipeline()
	cycles := regression.NewManager(st, pipeline, log, nil)
	cycles.NowFunc = clk.Now
	ctrl := rollout.NewController(st, log, rollout.Defaults{}, nil)
	ctrl.NowFunc = clk.Now
	exec := newScriptedExecutor()
	o := New(Deps{
		Store:     st,
		Pipeline:  pipeline,
		Cycles:    cycles,
		Submitter: ctrl,
		Executor:  exec,
		Activity:  log,
	})
	o.NowFunc = clk.Now
	return &harness{ctx: context.Background(), clock: clk, store: st, log: log, rollout: ctrl, exec: exec, orch: o}
}

func (h *harness) kickoff(t *testing.T, mutate func(*KickoffRequest)) release.View {
	t.Helper()
	req := KickoffRequest{
		Key:         "app-" + uuid.NewString()[:8],
		TenantID:    "acme",
		Type:        models.ReleaseTypeMinor,
		AppVersion:  "4.2.0",
		BaseBranch:  "main",
		KickoffDate: t0,
		Targets: []models.PlatformTarget{
			{Platform: models.PlatformAndroid, Target: "PLAY_STORE"},
			{Platform: models.PlatformIOS, Target: "APP_STORE"},
		},
		TestPassThreshold:      90,
		AutoTransitionToStage2: true,
		AutoTransitionToStage3: true,
		Slots:                  []SlotRequest{{ScheduledAt: t0, Config: models.SlotConfig{AutomationRuns: true, ReleaseNotes: true}}},
		Actor:                  "rm@acme.io",
	}
	if mutate != nil {
		mutate(&req)
	}
	v, err := h.orch.Kickoff(h.ctx, req)
	require.NoError(t, err)
	return v
}

func (h *harness) tick(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.NoError(t, h.orch.TickRelease(h.ctx, id))
}

func (h *harness) view(t *testing.T, id uuid.UUID) release.View {
	t.Helper()
	v, err := h.orch.View(h.ctx, id)
	require.NoError(t, err)
	return v
}

// task returns the newest task of typ.
func (h *harness) task(t *testing.T, id uuid.UUID, typ models.TaskType) models.ReleaseTask {
	t.Helper()
	var found *models.ReleaseTask
	for _, task := range h.view(t, id).Tasks {
		if task.Type == typ {
			task := task
			found = &task
		}
	}
	require.NotNil(t, found, "no %s task", typ)
	return *found
}

// deliver reports a successful CI/CD build for every platform.
func (h *harness) deliver(t *testing.T, id uuid.UUID, typ models.TaskType, platforms ...models.Platform) models.ReleaseTask {
	t.Helper()
	task := h.task(t, id, typ)
	var out models.ReleaseTask
	for i, p := range platforms {
		var err error
		out, err = h.orch.HandleCallback(h.ctx, CallbackInput{
			TaskID:       task.ID,
			Platform:     p,
			JobURL:       "https://ci.acme.io/jobs/" + string(p) + "/" + task.ID.String()[:8],
			ArtifactPath: "builds/" + string(p) + ".bin",
			Status:       "SUCCEEDED",
			VersionCode:  int64Ptr(int64(400 + i)),
		})
		require.NoError(t, err)
	}
	return out
}

func (h *harness) actions(t *testing.T, id uuid.UUID) []string {
	t.Helper()
	entries, err := h.log.List(h.ctx, activity.Filter{ReleaseID: id})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }
