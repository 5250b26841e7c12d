package persistence

import (
	"context"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// Update lists the job fields written together with a status transition.
// Nil fields are left unchanged.
type Update struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    *api.Progress
	Error       *string
	Result      *api.ResultDescriptor
}

// ListFilter selects jobs for List. Page is 1-based; PageSize <= 0 returns
// every matching job.
type ListFilter struct {
	Statuses []api.Status
	Page     int
	PageSize int
}

// JobStore persists job records. All methods are safe for concurrent use.
type JobStore interface {
	// Create inserts a new pending job.
	Create(ctx context.Context, id string, cfg api.JobConfig, input api.InputDescriptor) (*api.Job, error)

	// Get returns api.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*api.Job, error)

	// List returns one page of jobs, newest first, and the total number of
	// jobs matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*api.Job, int, error)

	// PendingIDs returns up to limit pending job ids, oldest first.
	PendingIDs(ctx context.Context, limit int) ([]string, error)

	// Transition atomically moves a job to 'to' if its current status is in
	// from and the edge is legal, writing upd in the same step. Otherwise it
	// returns api.ErrConflict and the job is unchanged. Of several concurrent
	// callers racing for the same job, at most one succeeds.
	Transition(ctx context.Context, id string, from []api.Status, to api.Status, upd Update) (*api.Job, error)

	// UpdateProgress writes p only while the job is still in status.
	UpdateProgress(ctx context.Context, id string, status api.Status, p api.Progress) error

	// Delete removes a terminal job. Non-terminal jobs yield api.ErrConflict.
	Delete(ctx context.Context, id string) error

	// ListCompletedBefore returns terminal jobs whose CompletedAt is before cutoff.
	ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*api.Job, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// NewJob builds the record Create stores.
func NewJob(id string, cfg api.JobConfig, input api.InputDescriptor, now time.Time) *api.Job {
	return &api.Job{
		ID:        id,
		Status:    api.StatusPending,
		CreatedAt: now,
		Progress: api.Progress{
			Stage:   string(api.StatusPending),
			Percent: 0,
			Message: "Job created, waiting to start",
		},
		Input:  input,
		Config: cfg,
	}
}

// legalSources keeps the statuses of from that may move to 'to'.
func legalSources(from []api.Status, to api.Status) []api.Status {
	out := make([]api.Status, 0, len(from))
	for _, s := range from {
		if api.CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

func applyUpdate(job *api.Job, to api.Status, upd Update) {
	job.Status = to
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		job.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		job.CompletedAt = &t
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	if upd.Result != nil {
		r := *upd.Result
		job.Result = &r
	}
}

func conflictFor(id string, current api.Status, to api.Status) error {
	return api.Conflictf("job %s is %s and cannot move to %s", id, current, to)
}
