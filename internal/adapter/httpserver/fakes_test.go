package httpserver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srirohitha/job-queue/internal/domain"
)

// memStore backs the handler tests with an in-memory JobStore and
// TriggerStore. InTx hands the store itself to fn under the lock.
type memStore struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]domain.Job
	triggers []domain.JobTrigger
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]domain.Job{}}
}

func (m *memStore) InTx(_ domain.Context, fn func(tx domain.JobTx) error) error {
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

func (m *memStore) DuePending(_ domain.Context, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func (m *memStore) DueThrottled(_ domain.Context, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func (m *memStore) DueFailed(_ domain.Context, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func (m *memStore) ExpiredLeases(_ domain.Context, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func (m *memStore) PurgeTerminalBefore(_ domain.Context, _ time.Time, _ int) (int, error) {
	return 0, nil
}

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
		if !found || j.CreatedAt.Before(best.CreatedAt) {
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

// fakeLimiter denies once armed.
type fakeLimiter struct {
	deny bool
	err  error
	keys []string
}

func (l *fakeLimiter) Allow(_ domain.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return true, l.err
	}
	return !l.deny, nil
}
