package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// LineageStore is the append-only audit trail of pipeline runs.
//
// Append assigns At (when zero) and the next per-job Seq, starting at 1.
// Appends for one job are issued sequentially by the runner that owns it;
// different jobs may append concurrently.
type LineageStore interface {
	Append(ctx context.Context, ev api.LineageEvent) (api.LineageEvent, error)
	List(ctx context.Context, jobID string) ([]api.LineageEvent, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// InMemoryLineageStore keeps lineage events in memory.
type InMemoryLineageStore struct {
	mu     sync.Mutex
	events map[string][]api.LineageEvent
}

var _ LineageStore = (*InMemoryLineageStore)(nil)

func NewInMemoryLineageStore() *InMemoryLineageStore {
	return &InMemoryLineageStore{events: make(map[string][]api.LineageEvent)}
}

func (s *InMemoryLineageStore) Append(ctx context.Context, ev api.LineageEvent) (api.LineageEvent, error) {
	payload, err := clonePayload(ev.Payload)
	if err != nil {
		return api.LineageEvent{}, err
	}
	ev.Payload = payload
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev.Seq = int64(len(s.events[ev.JobID])) + 1
	s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	return ev, nil
}

func (s *InMemoryLineageStore) List(ctx context.Context, jobID string) ([]api.LineageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.LineageEvent, len(s.events[jobID]))
	copy(out, s.events[jobID])
	return out, nil
}

func (s *InMemoryLineageStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, jobID)
	return nil
}
