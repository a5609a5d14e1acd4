package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"timerd/internal/job"
)

// Memory is the reference backend: a mutex-guarded map holding encoded
// snapshots so callers never alias the stored trigger state.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string][]byte
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string][]byte), now: time.Now}
}

var _ JobRepository = (*Memory)(nil)

func (m *Memory) Save(_ context.Context, d *job.Details) (*job.Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[d.ID]; ok {
		return nil, errors.Wrapf(ErrExists, "id %s", d.ID)
	}
	now := m.now().UTC()
	d.Created = now
	d.LastUpdate = now
	return d, m.put(d)
}

func (m *Memory) Get(_ context.Context, id string) (*job.Details, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.jobs[id]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) Update(_ context.Context, d *job.Details) (*job.Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[d.ID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", d.ID)
	}
	d.LastUpdate = m.now().UTC()
	return d, m.put(d)
}

func (m *Memory) FindAll(_ context.Context) ([]*job.Details, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*job.Details, 0, len(m.jobs))
	for id := range m.jobs {
		d, err := m.get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) FindByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Details, error) {
	all, err := m.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	set := statusSet(statuses)
	out := all[:0]
	for _, d := range all {
		if _, ok := set[d.Status]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Details, error) {
	candidates, err := m.FindByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, d := range candidates {
		if d.Trigger == nil {
			continue
		}
		next := d.Trigger.NextFireTime()
		if next == nil || next.Before(from) || !next.Before(to) {
			continue
		}
		out = append(out, d)
	}
	sortByPriority(out)
	return out, nil
}

func (m *Memory) CompareAndTransition(_ context.Context, id string, to job.Status, expected ...job.Status) (*job.Details, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.get(id)
	if err != nil {
		return nil, false, err
	}
	if _, ok := statusSet(expected)[d.Status]; !ok {
		return d, false, nil
	}
	d.Status = to
	d.LastUpdate = m.now().UTC()
	if err := m.put(d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// put and get assume the caller holds the appropriate lock.
func (m *Memory) put(d *job.Details) error {
	data, err := job.MarshalDetails(d)
	if err != nil {
		return err
	}
	m.jobs[d.ID] = data
	return nil
}

func (m *Memory) get(id string) (*job.Details, error) {
	data, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return job.UnmarshalDetails(data)
}

func sortByID(jobs []*job.Details) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}

// sortByPriority orders by priority descending, id ascending on ties, so
// recovery ordering is stable across backends.
func sortByPriority(jobs []*job.Details) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})
}
