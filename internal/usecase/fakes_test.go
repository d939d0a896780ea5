package usecase

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srirohitha/job-queue/internal/domain"
)

// memStore is an in-memory JobStore + TriggerStore for service tests.
// InTx hands the store itself to fn; there is no rollback, which is
// fine for the single-step transactions these tests exercise.
type memStore struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]domain.Job
	triggers []domain.JobTrigger
	txErr    error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]domain.Job{}}
}

func (m *memStore) InTx(_ domain.Context, fn func(tx domain.JobTx) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn((*memTx)(m))
}

func (m *memStore) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memStore) List(_ domain.Context, tenantID string, f domain.JobFilter) ([]domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Job
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *memStore) FindActiveByIdemKey(_ domain.Context, tenantID, key string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.IdemKey != nil && *j.IdemKey == key && !j.Status.Terminal() {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (m *memStore) FindByIdemKey(_ domain.Context, tenantID, key string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.IdemKey != nil && *j.IdemKey == key {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (m *memStore) StatusCounts(_ domain.Context, tenantID string) (map[domain.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, j := range m.jobs {
		if j.TenantID == tenantID {
			out[j.Status]++
		}
	}
	return out, nil
}

func (m *memStore) CountRunning(_ domain.Context, tenantID, excludeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memTx)(m).countRunningLocked(tenantID, excludeID), nil
}

func (m *memStore) DuePending(_ domain.Context, cutoff time.Time, limit int) ([]string, error) {
	return m.selectIDs(limit, func(j domain.Job) bool {
		return j.Status == domain.JobPending && !j.UpdatedAt.After(cutoff)
	}), nil
}

func (m *memStore) DueThrottled(_ domain.Context, now time.Time, limit int) ([]string, error) {
	return m.selectIDs(limit, func(j domain.Job) bool {
		return j.Status == domain.JobThrottled && j.NextRunAt != nil && !j.NextRunAt.After(now)
	}), nil
}

func (m *memStore) DueFailed(_ domain.Context, now time.Time, limit int) ([]string, error) {
	return m.selectIDs(limit, func(j domain.Job) bool {
		return j.Status == domain.JobFailed && j.NextRetryAt != nil && !j.NextRetryAt.After(now)
	}), nil
}

func (m *memStore) ExpiredLeases(_ domain.Context, now time.Time, limit int) ([]string, error) {
	return m.selectIDs(limit, func(j domain.Job) bool {
		return j.Status == domain.JobRunning && j.LeaseUntil != nil && j.LeaseUntil.Before(now)
	}), nil
}

func (m *memStore) PurgeTerminalBefore(_ domain.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
			if n >= limit {
				break
			}
		}
	}
	return n, nil
}

func (m *memStore) selectIDs(limit int, pred func(domain.Job) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if pred(j) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// TriggerStore

func (m *memStore) CountSince(_ domain.Context, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.triggers {
		if t.TenantID == tenantID && !t.TriggeredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) OldestSince(_ domain.Context, tenantID string, since time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	for _, t := range m.triggers {
		if t.TenantID == tenantID && !t.TriggeredAt.Before(since) {
			if oldest.IsZero() || t.TriggeredAt.Before(oldest) {
				oldest = t.TriggeredAt
			}
		}
	}
	return oldest, nil
}

func (m *memStore) DeleteBefore(_ domain.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.triggers[:0]
	n := 0
	for _, t := range m.triggers {
		if t.TriggeredAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.triggers = kept
	return n, nil
}

// memTx exposes the store under its lock as a JobTx.
type memTx memStore

func (m *memTx) GetForUpdate(_ domain.Context, id string) (domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memTx) OldestRunnable(_ domain.Context, tenantID string, now time.Time) (domain.Job, error) {
	var (
		best  domain.Job
		found bool
	)
	for _, j := range m.jobs {
		if j.TenantID != tenantID || !j.Runnable(now) {
			continue
		}
		if !found || j.CreatedAt.Before(best.CreatedAt) ||
			(j.CreatedAt.Equal(best.CreatedAt) && j.ID < best.ID) {
			best, found = j, true
		}
	}
	if !found {
		return domain.Job{}, domain.ErrNotFound
	}
	return best, nil
}

func (m *memTx) CountRunning(_ domain.Context, tenantID, excludeID string) (int, error) {
	return m.countRunningLocked(tenantID, excludeID), nil
}

func (m *memTx) countRunningLocked(tenantID, excludeID string) int {
	n := 0
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.Status == domain.JobRunning && j.ID != excludeID {
			n++
		}
	}
	return n
}

func (m *memTx) Insert(_ domain.Context, j domain.Job) (string, error) {
	if j.IdemKey != nil {
		for _, ex := range m.jobs {
			if ex.TenantID == j.TenantID && ex.IdemKey != nil && *ex.IdemKey == *j.IdemKey && !ex.Status.Terminal() {
				return "", domain.ErrConflict
			}
		}
	}
	m.seq++
	id := j.ID
	if id == "" {
		id = fmt.Sprintf("job-%04d", m.seq)
	}
	j.ID = id
	m.jobs[id] = j
	return id, nil
}

func (m *memTx) Update(_ domain.Context, j domain.Job) error {
	if _, ok := m.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *memTx) Delete(_ domain.Context, id string) error {
	if _, ok := m.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memTx) InsertTrigger(_ domain.Context, t domain.JobTrigger) error {
	m.triggers = append(m.triggers, t)
	return nil
}

// replayStore runs every transaction body twice, discarding the first
// attempt's writes, the way a store retries fn after a serialization
// failure rolled the first attempt back.
type replayStore struct {
	*memStore
}

func (r *replayStore) InTx(ctx domain.Context, fn func(tx domain.JobTx) error) error {
	r.mu.Lock()
	jobs := make(map[string]domain.Job, len(r.jobs))
	for id, j := range r.jobs {
		jobs[id] = j
	}
	triggers := append([]domain.JobTrigger(nil), r.triggers...)
	seq := r.seq
	r.mu.Unlock()

	if err := r.memStore.InTx(ctx, fn); err != nil {
		return err
	}

	r.mu.Lock()
	r.jobs, r.triggers, r.seq = jobs, triggers, seq
	r.mu.Unlock()
	return r.memStore.InTx(ctx, fn)
}

// fakeQueue records enqueued ids.
type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) EnqueueJob(_ domain.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

// fakePipeline returns a canned result or error, optionally emitting
// progress reports first.
type fakePipeline struct {
	result  map[string]any
	err     error
	reports []int
}

func (p *fakePipeline) Run(ctx domain.Context, _ domain.InputPayload, report domain.ProgressFn) (map[string]any, error) {
	for _, pr := range p.reports {
		if report != nil {
			if err := report(ctx, pr, pr, domain.StageProcessing); err != nil {
				return nil, err
			}
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

// memTenants is an in-memory TenantRepository.
type memTenants struct {
	mu      sync.Mutex
	seq     int
	byID    map[string]domain.Tenant
	byLogin map[string]string
}

func newMemTenants() *memTenants {
	return &memTenants{byID: map[string]domain.Tenant{}, byLogin: map[string]string{}}
}

func (m *memTenants) Create(_ domain.Context, t domain.Tenant) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byLogin[strings.ToLower(t.Username)]; ok {
		return "", domain.ErrConflict
	}
	m.seq++
	id := fmt.Sprintf("tenant-%02d", m.seq)
	t.ID = id
	m.byID[id] = t
	m.byLogin[strings.ToLower(t.Username)] = id
	return id, nil
}

func (m *memTenants) GetByUsername(_ domain.Context, username string) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byLogin[strings.ToLower(username)]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memTenants) Get(_ domain.Context, id string) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return t, nil
}

// testClock is a settable clock for driving lease and backoff windows.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func strptr(s string) *string { return &s }

func payloadRows(n int) domain.InputPayload {
	rows := make([]any, n)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	return domain.InputPayload{"rows": rows}
}
