package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/costbook/pkg/api"
)

// runJobStoreContract exercises the behavior every JobStore backend must share.
// newStore must return an empty store.
func runJobStoreContract(t *testing.T, newStore func(t *testing.T) JobStore) {
	t.Run("CreateGet", func(t *testing.T) {
		testCreateGet(t, newStore(t))
	})
	t.Run("GetUnknown", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "missing")
		require.ErrorIs(t, err, api.ErrNotFound)
	})
	t.Run("HappyPathTransitions", func(t *testing.T) {
		testHappyPath(t, newStore(t))
	})
	t.Run("IllegalTransitionConflicts", func(t *testing.T) {
		testIllegalTransition(t, newStore(t))
	})
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) {
		testConcurrentClaim(t, newStore(t))
	})
	t.Run("ClaimVersusCancel", func(t *testing.T) {
		testClaimVersusCancel(t, newStore(t))
	})
	t.Run("UpdateProgressGuardedByStatus", func(t *testing.T) {
		testUpdateProgress(t, newStore(t))
	})
	t.Run("DeleteOnlyTerminal", func(t *testing.T) {
		testDelete(t, newStore(t))
	})
	t.Run("ListPagingAndFilter", func(t *testing.T) {
		testList(t, newStore(t))
	})
	t.Run("PendingIDsOldestFirst", func(t *testing.T) {
		testPendingOrder(t, newStore(t))
	})
	t.Run("ListCompletedBefore", func(t *testing.T) {
		testCompletedBefore(t, newStore(t))
	})
}

func createJob(t *testing.T, s JobStore, id string) *api.Job {
	t.Helper()
	job, err := s.Create(context.Background(), id,
		api.JobConfig{CostbookTitle: "Acme", EnableEnrichment: true},
		api.InputDescriptor{Filename: id + ".xlsx", Size: 1234, SHA256: "abc", Source: "s3://catalogs/" + id + ".xlsx"})
	require.NoError(t, err)
	return job
}

// advance walks job id along the forward path up to (and including) target.
func advance(t *testing.T, s JobStore, id string, target api.Status) {
	t.Helper()
	path := []api.Status{api.StatusProcessing, api.StatusStage1, api.StatusStage2, api.StatusStage3, api.StatusCompleted}
	prev := api.StatusPending
	for _, next := range path {
		_, err := s.Transition(context.Background(), id, []api.Status{prev}, next, Update{})
		require.NoError(t, err)
		if next == target {
			return
		}
		prev = next
	}
}

func testCreateGet(t *testing.T, s JobStore) {
	ctx := context.Background()
	created := createJob(t, s, "job-1")
	require.Equal(t, api.StatusPending, created.Status)
	require.Equal(t, "Job created, waiting to start", created.Progress.Message)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)
	require.Equal(t, "Acme", got.Config.CostbookTitle)
	require.True(t, got.Config.EnableEnrichment)
	require.Equal(t, "job-1.xlsx", got.Input.Filename)
	require.EqualValues(t, 1234, got.Input.Size)
	require.Equal(t, "abc", got.Input.SHA256)
	require.Equal(t, "s3://catalogs/job-1.xlsx", got.Input.Source)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.Result)
	require.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)
}

func testHappyPath(t *testing.T, s JobStore) {
	ctx := context.Background()
	createJob(t, s, "job-1")

	started := time.Now()
	job, err := s.Transition(ctx, "job-1", []api.Status{api.StatusPending}, api.StatusProcessing, Update{
		StartedAt: &started,
		Progress:  &api.Progress{Stage: "processing", Message: "Starting pipeline..."},
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, "Starting pipeline...", job.Progress.Message)

	for _, step := range [][2]api.Status{
		{api.StatusProcessing, api.StatusStage1},
		{api.StatusStage1, api.StatusStage2},
		{api.StatusStage2, api.StatusStage3},
	} {
		_, err := s.Transition(ctx, "job-1", []api.Status{step[0]}, step[1], Update{})
		require.NoError(t, err)
	}

	done := time.Now()
	res := &api.ResultDescriptor{
		OutputFilename: "job-1_costbook.xlsx",
		Stats:          api.ResultStats{SystemsCount: 7, ComponentsCount: 21, ElapsedSeconds: 1.5},
	}
	job, err = s.Transition(ctx, "job-1", []api.Status{api.StatusStage3}, api.StatusCompleted, Update{
		CompletedAt: &done,
		Result:      res,
		Progress:    &api.Progress{Stage: "completed", Percent: 100, Message: "Pipeline completed successfully"},
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, job.Status)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Result)
	require.Equal(t, "job-1_costbook.xlsx", got.Result.OutputFilename)
	require.Equal(t, 7, got.Result.Stats.SystemsCount)
	require.Equal(t, 21, got.Result.Stats.ComponentsCount)
	require.Equal(t, 100, got.Progress.Percent)
}

func testIllegalTransition(t *testing.T, s JobStore) {
	ctx := context.Background()
	createJob(t, s, "job-1")

	// Skipping a stage.
	_, err := s.Transition(ctx, "job-1", []api.Status{api.StatusPending}, api.StatusStage2, Update{})
	require.ErrorIs(t, err, api.ErrConflict)

	// Wrong expected source.
	_, err = s.Transition(ctx, "job-1", []api.Status{api.StatusProcessing}, api.StatusStage1, Update{})
	require.ErrorIs(t, err, api.ErrConflict)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)

	// Terminal jobs never move again.
	advance(t, s, "job-1", api.StatusCompleted)
	msg := "late failure"
	_, err = s.Transition(ctx, "job-1", api.AllStatuses, api.StatusFailed, Update{Error: &msg})
	require.ErrorIs(t, err, api.ErrConflict)

	got, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, got.Status)
	require.Empty(t, got.Error)

	_, err = s.Transition(ctx, "missing", []api.Status{api.StatusPending}, api.StatusProcessing, Update{})
	require.ErrorIs(t, err, api.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, s JobStore) {
	ctx := context.Background()
	createJob(t, s, "job-1")

	const racers = 16
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "job-1", []api.Status{api.StatusPending}, api.StatusProcessing, Update{})
			switch {
			case err == nil:
				wins.Add(1)
			case api.KindOf(err) == api.ErrConflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, racers-1, conflicts.Load())
}

func testClaimVersusCancel(t *testing.T, s JobStore) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("job-%d", i)
		createJob(t, s, id)

		var wg sync.WaitGroup
		var claimErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, claimErr = s.Transition(ctx, id, []api.Status{api.StatusPending}, api.StatusProcessing, Update{})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = s.Transition(ctx, id, []api.Status{api.StatusPending}, api.StatusCancelled, Update{})
		}()
		wg.Wait()

		require.True(t, (claimErr == nil) != (cancelErr == nil), "exactly one of claim/cancel must win: claim=%v cancel=%v", claimErr, cancelErr)
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		if claimErr == nil {
			require.Equal(t, api.StatusProcessing, got.Status)
			require.ErrorIs(t, cancelErr, api.ErrConflict)
		} else {
			require.Equal(t, api.StatusCancelled, got.Status)
			require.ErrorIs(t, claimErr, api.ErrConflict)
		}
	}
}

func testUpdateProgress(t *testing.T, s JobStore) {
	ctx := context.Background()
	createJob(t, s, "job-1")
	advance(t, s, "job-1", api.StatusStage2)

	p := api.Progress{Stage: "stage2", Percent: 40, Message: "Transforming sheet 2 of 5"}
	require.NoError(t, s.UpdateProgress(ctx, "job-1", api.StatusStage2, p))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, p, got.Progress)

	err = s.UpdateProgress(ctx, "job-1", api.StatusStage1, api.Progress{Stage: "stage1", Percent: 99})
	require.ErrorIs(t, err, api.ErrConflict)

	err = s.UpdateProgress(ctx, "missing", api.StatusStage1, p)
	require.ErrorIs(t, err, api.ErrNotFound)
}

func testDelete(t *testing.T, s JobStore) {
	ctx := context.Background()
	createJob(t, s, "job-1")

	require.ErrorIs(t, s.Delete(ctx, "job-1"), api.ErrConflict)
	advance(t, s, "job-1", api.StatusStage1)
	require.ErrorIs(t, s.Delete(ctx, "job-1"), api.ErrConflict)

	msg := "boom"
	_, err := s.Transition(ctx, "job-1", api.ActiveStatuses, api.StatusFailed, Update{Error: &msg})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "job-1"))
	_, err = s.Get(ctx, "job-1")
	require.ErrorIs(t, err, api.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "job-1"), api.ErrNotFound)
}

func testList(t *testing.T, s JobStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createJob(t, s, fmt.Sprintf("job-%d", i))
		time.Sleep(2 * time.Millisecond)
	}
	advance(t, s, "job-1", api.StatusProcessing)
	advance(t, s, "job-3", api.StatusProcessing)

	all, total, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, all, 5)
	require.Equal(t, "job-4", all[0].ID, "newest first")
	require.Equal(t, "job-0", all[4].ID)

	page, total, err := s.List(ctx, ListFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, "job-2", page[0].ID)
	require.Equal(t, "job-1", page[1].ID)

	beyond, total, err := s.List(ctx, ListFilter{Page: 9, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Empty(t, beyond)

	processing, total, err := s.List(ctx, ListFilter{Statuses: []api.Status{api.StatusProcessing}})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, processing, 2)
	require.Equal(t, "job-3", processing[0].ID)
}

func testPendingOrder(t *testing.T, s JobStore) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		createJob(t, s, fmt.Sprintf("job-%d", i))
		time.Sleep(2 * time.Millisecond)
	}
	advance(t, s, "job-0", api.StatusProcessing)

	ids, err := s.PendingIDs(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-2"}, ids)
}

func testCompletedBefore(t *testing.T, s JobStore) {
	ctx := context.Background()
	createJob(t, s, "old")
	createJob(t, s, "new")
	createJob(t, s, "running")

	old := time.Now().Add(-48 * time.Hour)
	_, err := s.Transition(ctx, "old", []api.Status{api.StatusPending}, api.StatusCancelled, Update{CompletedAt: &old})
	require.NoError(t, err)
	now := time.Now()
	_, err = s.Transition(ctx, "new", []api.Status{api.StatusPending}, api.StatusCancelled, Update{CompletedAt: &now})
	require.NoError(t, err)
	advance(t, s, "running", api.StatusStage1)

	jobs, err := s.ListCompletedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "old", jobs[0].ID)
}

// runLineageContract exercises the behavior every LineageStore must share.
func runLineageContract(t *testing.T, newStore func(t *testing.T) LineageStore) {
	t.Run("AppendAssignsGaplessSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			ev, err := s.Append(ctx, api.LineageEvent{JobID: "job-a", Kind: api.EventStageStart, Stage: "stage1"})
			require.NoError(t, err)
			require.EqualValues(t, i+1, ev.Seq)
			require.False(t, ev.At.IsZero())
		}
		ev, err := s.Append(ctx, api.LineageEvent{JobID: "job-b", Kind: api.EventError})
		require.NoError(t, err)
		require.EqualValues(t, 1, ev.Seq, "sequence is per job")

		events, err := s.List(ctx, "job-a")
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, ev := range events {
			require.EqualValues(t, i+1, ev.Seq)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, api.LineageEvent{
			JobID: "job-a",
			Kind:  api.EventLLMCall,
			Stage: "stage2",
			Payload: map[string]any{
				"model":             "claude",
				"prompt_tokens":     1200,
				"completion_tokens": 300,
				"cost_usd":          0.0081,
			},
		})
		require.NoError(t, err)

		events, err := s.List(ctx, "job-a")
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, api.EventLLMCall, events[0].Kind)
		require.Equal(t, "stage2", events[0].Stage)
		require.Equal(t, "claude", events[0].Payload["model"])

		usage := api.SummarizeLLMUsage(events)
		require.Equal(t, 1500, usage.TotalTokens)
		require.InDelta(t, 0.0081, usage.CostUSD, 1e-9)
	})

	t.Run("DeleteJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, api.LineageEvent{JobID: "job-a", Kind: api.EventCancellation})
		require.NoError(t, err)
		require.NoError(t, s.DeleteJob(ctx, "job-a"))

		events, err := s.List(ctx, "job-a")
		require.NoError(t, err)
		require.Empty(t, events)

		ev, err := s.Append(ctx, api.LineageEvent{JobID: "job-a", Kind: api.EventStageStart})
		require.NoError(t, err)
		require.EqualValues(t, 1, ev.Seq)
	})

	t.Run("ConcurrentJobsKeepOwnSequences", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(job string) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if _, err := s.Append(ctx, api.LineageEvent{JobID: job, Kind: api.EventLLMCall}); err != nil {
						t.Errorf("append %s: %v", job, err)
						return
					}
				}
			}(fmt.Sprintf("job-%d", j))
		}
		wg.Wait()

		for j := 0; j < 4; j++ {
			events, err := s.List(ctx, fmt.Sprintf("job-%d", j))
			require.NoError(t, err)
			require.Len(t, events, 10)
			for i, ev := range events {
				require.EqualValues(t, i+1, ev.Seq)
			}
		}
	})
}
