package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/lease"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// MemoryStore is the in-process Store used by tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	releases    map[uuid.UUID]models.Release
	cronJobs    map[uuid.UUID]models.CronJob // keyed by release id
	tasks       map[uuid.UUID]models.ReleaseTask
	cycles      map[uuid.UUID]models.RegressionCycle
	slots       map[uuid.UUID]models.RegressionSlot
	builds      map[uuid.UUID]models.Build
	submissions map[uuid.UUID]models.Submission
	seq         int64
	created     map[uuid.UUID]int64

	NowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		releases:    map[uuid.UUID]models.Release{},
		cronJobs:    map[uuid.UUID]models.CronJob{},
		tasks:       map[uuid.UUID]models.ReleaseTask{},
		cycles:      map[uuid.UUID]models.RegressionCycle{},
		slots:       map[uuid.UUID]models.RegressionSlot{},
		builds:      map[uuid.UUID]models.Build{},
		submissions: map[uuid.UUID]models.Submission{},
		created:     map[uuid.UUID]int64{},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc().UTC()
	}
	return time.Now().UTC()
}

// stamp records insertion order; wall clocks in tests often do not advance.
func (m *MemoryStore) stamp(id uuid.UUID) {
	m.seq++
	m.created[id] = m.seq
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func cloneRelease(r models.Release) models.Release {
	r.Targets = append([]models.PlatformTarget(nil), r.Targets...)
	return r
}

func cloneTask(t models.ReleaseTask) models.ReleaseTask {
	t.Output = copyJSON(t.Output)
	return t
}

func cloneCronJob(j models.CronJob) models.CronJob {
	j.StageData = copyJSON(j.StageData)
	return j
}

func cloneSubmission(s models.Submission) models.Submission {
	s.ActionHistory = append([]models.SubmissionAction(nil), s.ActionHistory...)
	if s.InitialRollout != nil {
		pct := *s.InitialRollout
		s.InitialRollout = &pct
	}
	return s
}

// --- releases ---

func (m *MemoryStore) Kickoff(ctx context.Context, in KickoffInput) (models.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.releases {
		if existing.Key == in.Release.Key {
			return models.Release{}, ErrConflict
		}
	}
	now := m.now()
	r := cloneRelease(in.Release)
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now
	m.releases[r.ID] = r
	m.stamp(r.ID)

	job := cloneCronJob(in.CronJob)
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.ReleaseID = r.ID
	job.Lock = models.CronLock{}
	job.Version = 1
	job.CreatedAt, job.UpdatedAt = now, now
	m.cronJobs[r.ID] = job

	for _, t := range in.Tasks {
		m.insertTask(t, now)
	}
	for _, slot := range in.Slots {
		m.insertSlot(slot, now)
	}
	return cloneRelease(r), nil
}

func (m *MemoryStore) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	return cloneRelease(r), nil
}

func (m *MemoryStore) GetReleaseByKey(ctx context.Context, key string) (models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.releases {
		if r.Key == key {
			return cloneRelease(r), nil
		}
	}
	return models.Release{}, ErrNotFound
}

func (m *MemoryStore) ListReleases(ctx context.Context, filter ReleaseFilter) ([]models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := map[models.ReleaseStatus]bool{}
	for _, st := range filter.Statuses {
		wanted[st] = true
	}
	var out []models.Release
	for _, r := range m.releases {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if len(wanted) > 0 && !wanted[r.Status] {
			continue
		}
		out = append(out, cloneRelease(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KickoffDate.After(out[j].KickoffDate) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateRelease(ctx context.Context, r models.Release) (models.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.releases[r.ID]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	if current.Version != r.Version {
		return models.Release{}, ErrConflict
	}
	// Identity fields are immutable.
	r.Key, r.TenantID, r.Type, r.AppVersion, r.BaseBranch = current.Key, current.TenantID, current.Type, current.AppVersion, current.BaseBranch
	r.KickoffDate, r.BuildMode, r.CreatedAt = current.KickoffDate, current.BuildMode, current.CreatedAt
	r.Version++
	r.UpdatedAt = m.now()
	m.releases[r.ID] = cloneRelease(r)
	return cloneRelease(r), nil
}

// --- cron jobs ---

func (m *MemoryStore) GetCronJob(ctx context.Context, releaseID uuid.UUID) (models.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.cronJobs[releaseID]
	if !ok {
		return models.CronJob{}, ErrNotFound
	}
	return cloneCronJob(job), nil
}

func (m *MemoryStore) ListTickCandidates(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates []models.Release
	for id, job := range m.cronJobs {
		r := m.releases[id]
		if tickable(r, job) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].KickoffDate.Equal(candidates[j].KickoffDate) {
			return candidates[i].KickoffDate.Before(candidates[j].KickoffDate)
		}
		return m.created[candidates[i].ID] < m.created[candidates[j].ID]
	})
	ids := make([]uuid.UUID, len(candidates))
	for i, r := range candidates {
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, releaseID uuid.UUID, holder string, ttl time.Duration) (lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.cronJobs[releaseID]
	if !ok {
		return lease.Lease{}, ErrNotFound
	}
	lock, l, err := lease.Acquire(releaseID, job.Lock, holder, m.now(), ttl)
	if err != nil {
		return lease.Lease{}, err
	}
	job.Lock = lock
	m.cronJobs[releaseID] = job
	return l, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, l lease.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.cronJobs[l.ReleaseID]
	if !ok || job.Lock.Token != l.Token {
		return nil
	}
	job.Lock = models.CronLock{}
	m.cronJobs[l.ReleaseID] = job
	return nil
}

func (m *MemoryStore) UpdateCronJob(ctx context.Context, l lease.Lease, job models.CronJob) (models.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.cronJobs[job.ReleaseID]
	if !ok {
		return models.CronJob{}, ErrNotFound
	}
	if err := lease.Check(l, current.Lock, m.now()); err != nil {
		return models.CronJob{}, err
	}
	if current.Version != job.Version {
		return models.CronJob{}, ErrConflict
	}
	job.ID, job.CreatedAt = current.ID, current.CreatedAt
	job.Lock = current.Lock
	job.Version++
	job.UpdatedAt = m.now()
	m.cronJobs[job.ReleaseID] = cloneCronJob(job)
	return cloneCronJob(job), nil
}

// --- tasks ---

func (m *MemoryStore) insertTask(t models.ReleaseTask, now time.Time) models.ReleaseTask {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	t = cloneTask(t)
	m.tasks[t.ID] = t
	m.stamp(t.ID)
	return t
}

func (m *MemoryStore) CreateTasks(ctx context.Context, tasks []models.ReleaseTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(tasks) > 0 {
		if _, ok := m.releases[tasks[0].ReleaseID]; !ok {
			return ErrNotFound
		}
	}
	now := m.now()
	for _, t := range tasks {
		m.insertTask(t, now)
	}
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (models.ReleaseTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ReleaseTask{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.ReleaseTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ReleaseTask
	for _, t := range m.tasks {
		if t.ReleaseID != filter.ReleaseID {
			continue
		}
		if filter.Stage != nil && t.Stage != *filter.Stage {
			continue
		}
		if filter.CycleID != nil && (t.CycleID == nil || *t.CycleID != *filter.CycleID) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	// Tasks are inserted in declared order, so insertion order is stage order.
	sort.Slice(out, func(i, j int) bool { return m.created[out[i].ID] < m.created[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t models.ReleaseTask) (models.ReleaseTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[t.ID]
	if !ok {
		return models.ReleaseTask{}, ErrNotFound
	}
	if current.Version != t.Version {
		return models.ReleaseTask{}, ErrConflict
	}
	t.ReleaseID, t.CycleID, t.Type, t.Stage, t.Order = current.ReleaseID, current.CycleID, current.Type, current.Stage, current.Order
	t.CreatedAt = current.CreatedAt
	t.Version++
	t.UpdatedAt = m.now()
	m.tasks[t.ID] = cloneTask(t)
	return cloneTask(t), nil
}

// --- regression cycles ---

func (m *MemoryStore) CreateCycle(ctx context.Context, in CycleInput) (models.RegressionCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := in.Cycle
	if _, ok := m.releases[c.ReleaseID]; !ok {
		return models.RegressionCycle{}, ErrNotFound
	}
	var slot models.RegressionSlot
	if in.SlotID != nil {
		var ok bool
		slot, ok = m.slots[*in.SlotID]
		if !ok || slot.ReleaseID != c.ReleaseID {
			return models.RegressionCycle{}, ErrNotFound
		}
		if slot.Consumed() {
			return models.RegressionCycle{}, ErrConflict
		}
	}
	now := m.now()
	for id, existing := range m.cycles {
		if existing.ReleaseID == c.ReleaseID && existing.IsLatest {
			existing.IsLatest = false
			existing.Version++
			existing.UpdatedAt = now
			m.cycles[id] = existing
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.IsLatest = true
	c.SlotID = in.SlotID
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now, now
	m.cycles[c.ID] = c
	m.stamp(c.ID)

	for _, t := range in.Tasks {
		id := c.ID
		t.CycleID = &id
		m.insertTask(t, now)
	}
	if in.SlotID != nil {
		id := c.ID
		slot.CycleID = &id
		slot.ConsumedAt = &now
		m.slots[slot.ID] = slot
	}
	return c, nil
}

func (m *MemoryStore) GetCycle(ctx context.Context, id uuid.UUID) (models.RegressionCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[id]
	if !ok {
		return models.RegressionCycle{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) LatestCycle(ctx context.Context, releaseID uuid.UUID) (models.RegressionCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cycles {
		if c.ReleaseID == releaseID && c.IsLatest {
			return c, nil
		}
	}
	return models.RegressionCycle{}, ErrNotFound
}

func (m *MemoryStore) ListCycles(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RegressionCycle
	for _, c := range m.cycles {
		if c.ReleaseID == releaseID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.created[out[i].ID] < m.created[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) UpdateCycle(ctx context.Context, c models.RegressionCycle) (models.RegressionCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.cycles[c.ID]
	if !ok {
		return models.RegressionCycle{}, ErrNotFound
	}
	if current.Version != c.Version {
		return models.RegressionCycle{}, ErrConflict
	}
	c.ReleaseID, c.IsLatest, c.SlotID, c.ScheduledAt, c.CreatedAt = current.ReleaseID, current.IsLatest, current.SlotID, current.ScheduledAt, current.CreatedAt
	c.Version++
	c.UpdatedAt = m.now()
	m.cycles[c.ID] = c
	return c, nil
}

func (m *MemoryStore) insertSlot(slot models.RegressionSlot, now time.Time) models.RegressionSlot {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	slot.CycleID = nil
	slot.ConsumedAt = nil
	slot.CreatedAt = now
	m.slots[slot.ID] = slot
	m.stamp(slot.ID)
	return slot
}

func (m *MemoryStore) CreateSlot(ctx context.Context, slot models.RegressionSlot) (models.RegressionSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[slot.ReleaseID]; !ok {
		return models.RegressionSlot{}, ErrNotFound
	}
	return m.insertSlot(slot, m.now()), nil
}

func (m *MemoryStore) ListSlots(ctx context.Context, releaseID uuid.UUID) ([]models.RegressionSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RegressionSlot
	for _, slot := range m.slots {
		if slot.ReleaseID == releaseID {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return m.created[out[i].ID] < m.created[out[j].ID]
	})
	return out, nil
}

func (m *MemoryStore) DeleteSlot(ctx context.Context, releaseID, slotID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[slotID]
	if !ok || slot.ReleaseID != releaseID {
		return ErrNotFound
	}
	if slot.Consumed() {
		return ErrConflict
	}
	delete(m.slots, slotID)
	return nil
}

// --- builds ---

func (m *MemoryStore) CreateBuild(ctx context.Context, b models.Build) (models.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[b.ReleaseID]; !ok {
		return models.Build{}, ErrNotFound
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = m.now()
	m.builds[b.ID] = b
	m.stamp(b.ID)
	return b, nil
}

func (m *MemoryStore) ListBuilds(ctx context.Context, filter BuildFilter) ([]models.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Build
	for _, b := range m.builds {
		if b.ReleaseID != filter.ReleaseID {
			continue
		}
		if filter.Stage != nil && b.Stage != *filter.Stage {
			continue
		}
		if filter.Platform != nil && b.Platform != *filter.Platform {
			continue
		}
		if filter.TaskID != nil && (b.TaskID == nil || *b.TaskID != *filter.TaskID) {
			continue
		}
		if filter.Unconsumed && b.Consumed() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return m.created[out[i].ID] < m.created[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) LinkBuild(ctx context.Context, buildID, taskID uuid.UUID, cycleID *uuid.UUID) (models.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return models.Build{}, ErrNotFound
	}
	if b.Consumed() {
		return models.Build{}, ErrBuildLinked
	}
	tid := taskID
	b.TaskID = &tid
	if cycleID != nil {
		cid := *cycleID
		b.CycleID = &cid
	}
	m.builds[buildID] = b
	return b, nil
}

// --- submissions ---

func (m *MemoryStore) CreateSubmission(ctx context.Context, s models.Submission) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[s.ReleaseID]; !ok {
		return models.Submission{}, ErrNotFound
	}
	now := m.now()
	for id, existing := range m.submissions {
		if existing.ReleaseID != s.ReleaseID || existing.Platform != s.Platform || !existing.IsActive {
			continue
		}
		if !existing.Status.AllowsResubmission() {
			return models.Submission{}, ErrActiveSubmission
		}
		existing.IsActive = false
		existing.Version++
		existing.UpdatedAt = now
		m.submissions[id] = existing
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.IsActive = true
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	m.submissions[s.ID] = cloneSubmission(s)
	m.stamp(s.ID)
	return cloneSubmission(s), nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return cloneSubmission(s), nil
}

func (m *MemoryStore) GetActiveSubmission(ctx context.Context, releaseID uuid.UUID, platform models.Platform) (models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.submissions {
		if s.ReleaseID == releaseID && s.Platform == platform && s.IsActive {
			return cloneSubmission(s), nil
		}
	}
	return models.Submission{}, ErrNotFound
}

func (m *MemoryStore) ListSubmissions(ctx context.Context, releaseID uuid.UUID) ([]models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Submission
	for _, s := range m.submissions {
		if s.ReleaseID == releaseID {
			out = append(out, cloneSubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.created[out[i].ID] < m.created[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) UpdateSubmission(ctx context.Context, s models.Submission) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.submissions[s.ID]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	if current.Version != s.Version || !current.IsActive {
		return models.Submission{}, ErrConflict
	}
	s.ReleaseID, s.Platform, s.InitialRollout, s.IsActive, s.CreatedAt = current.ReleaseID, current.Platform, current.InitialRollout, true, current.CreatedAt
	s.Version++
	s.UpdatedAt = m.now()
	m.submissions[s.ID] = cloneSubmission(s)
	return cloneSubmission(s), nil
}
