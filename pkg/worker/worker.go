package worker

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/costbook/internal/persistence"
	"github.com/petrijr/costbook/pkg/api"
)

// Store is the part of the job store a Worker claims from.
type Store interface {
	PendingIDs(ctx context.Context, limit int) ([]string, error)
	Transition(ctx context.Context, id string, from []api.Status, to api.Status, upd persistence.Update) (*api.Job, error)
}

// JobRunner executes a claimed job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job *api.Job) (*api.Job, error)
}

// Worker claims pending jobs and hands them to a JobRunner.
type Worker struct {
	store      Store
	runner     JobRunner
	observer   api.Observer
	claimBatch int
	now        func() time.Time
}

// NewWorker creates a Worker. claimBatch bounds how many pending ids are
// read per claim attempt; it defaults to 16.
func NewWorker(store Store, runner JobRunner, observer api.Observer, claimBatch int) *Worker {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	if claimBatch <= 0 {
		claimBatch = 16
	}
	return &Worker{
		store:      store,
		runner:     runner,
		observer:   observer,
		claimBatch: claimBatch,
		now:        time.Now,
	}
}

// Claim moves the oldest claimable pending job to processing and returns it.
// It returns (nil, nil) when no pending job could be claimed. Losing a race
// for one job to another worker or to a cancellation just moves on to the
// next candidate.
func (w *Worker) Claim(ctx context.Context) (*api.Job, error) {
	ids, err := w.store.PendingIDs(ctx, w.claimBatch)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		now := w.now()
		job, err := w.store.Transition(ctx, id, []api.Status{api.StatusPending}, api.StatusProcessing, persistence.Update{
			StartedAt: &now,
			Progress:  &api.Progress{Stage: string(api.StatusProcessing), Percent: 0, Message: "Starting pipeline..."},
		})
		switch {
		case err == nil:
			w.observer.OnJobClaimed(ctx, job)
			return job, nil
		case errors.Is(err, api.ErrConflict), errors.Is(err, api.ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

// Execute runs a claimed job. Cancelling ctx does not interrupt the job: a
// stage, once started, runs to completion or failure.
func (w *Worker) Execute(ctx context.Context, job *api.Job) (*api.Job, error) {
	return w.runner.Run(context.WithoutCancel(ctx), job)
}

// ProcessOne claims and runs a single job.
// Returns (processed, error):
//   - processed == false, err == nil: nothing was pending
//   - processed == true: a job was run; err is the job's failure, if any.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	_, err = w.Execute(ctx, job)
	return true, err
}
