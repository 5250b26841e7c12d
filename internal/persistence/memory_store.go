package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// InMemoryJobStore is a goroutine-safe JobStore backed by a map. It is used
// by tests and by the in-memory orchestrator.
type InMemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*api.Job
	now  func() time.Time
}

// Ensure InMemoryJobStore implements JobStore.
var _ JobStore = (*InMemoryJobStore)(nil)

// NewInMemoryJobStore creates an empty store.
func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[string]*api.Job),
		now:  time.Now,
	}
}

func (s *InMemoryJobStore) Create(ctx context.Context, id string, cfg api.JobConfig, input api.InputDescriptor) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return nil, api.Conflictf("job %s already exists", id)
	}
	job := NewJob(id, cfg, input, s.now())
	s.jobs[id] = job
	return job.Clone(), nil
}

func (s *InMemoryJobStore) Get(ctx context.Context, id string) (*api.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, api.NotFoundf("job %s not found", id)
	}
	return job.Clone(), nil
}

func (s *InMemoryJobStore) List(ctx context.Context, filter ListFilter) ([]*api.Job, int, error) {
	s.mu.RLock()
	var all []*api.Job
	for _, job := range s.jobs {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		all = append(all, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if filter.PageSize <= 0 {
		return all, total, nil
	}
	page := max(filter.Page, 1)
	start := (page - 1) * filter.PageSize
	if start >= total {
		return []*api.Job{}, total, nil
	}
	end := min(start+filter.PageSize, total)
	return all[start:end], total, nil
}

func (s *InMemoryJobStore) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	var pending []*api.Job
	for _, job := range s.jobs {
		if job.Status == api.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	ids := make([]string, 0, len(pending))
	for _, job := range pending {
		ids = append(ids, job.ID)
	}
	s.mu.RUnlock()

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *InMemoryJobStore) Transition(ctx context.Context, id string, from []api.Status, to api.Status, upd Update) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, api.NotFoundf("job %s not found", id)
	}
	if !slices.Contains(legalSources(from, to), job.Status) {
		return nil, conflictFor(id, job.Status, to)
	}

	next := job.Clone()
	applyUpdate(next, to, upd)
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *InMemoryJobStore) UpdateProgress(ctx context.Context, id string, status api.Status, p api.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return api.NotFoundf("job %s not found", id)
	}
	if job.Status != status {
		return api.Conflictf("job %s is %s, not %s", id, job.Status, status)
	}
	job.Progress = p
	return nil
}

func (s *InMemoryJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return api.NotFoundf("job %s not found", id)
	}
	if !job.Status.IsTerminal() {
		return api.Conflictf("job %s is %s; only finished jobs can be deleted", id, job.Status)
	}
	delete(s.jobs, id)
	return nil
}

func (s *InMemoryJobStore) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*api.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryJobStore) Ping(ctx context.Context) error { return nil }
