package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/costbook/internal/artifact"
	"github.com/petrijr/costbook/internal/cache"
	"github.com/petrijr/costbook/internal/persistence"
	"github.com/petrijr/costbook/pkg/api"
)

type fixture struct {
	jobs      persistence.JobStore
	lineage   persistence.LineageStore
	artifacts *artifact.Store
	cache     cache.Cache
	metrics   *api.BasicMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)
	return &fixture{
		jobs:      persistence.NewInMemoryJobStore(),
		lineage:   persistence.NewInMemoryLineageStore(),
		artifacts: store,
		cache:     cache.NewMemoryCache(),
		metrics:   &api.BasicMetrics{},
	}
}

func (f *fixture) runner(t *testing.T, collab api.Collaborators) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		Jobs:          f.jobs,
		Lineage:       f.lineage,
		Artifacts:     f.artifacts,
		Cache:         f.cache,
		Collaborators: collab,
		Observer:      f.metrics,
	})
	require.NoError(t, err)
	return r
}

// submitAndClaim stores an input artifact, creates the job and claims it.
func (f *fixture) submitAndClaim(t *testing.T, id string, cfg api.JobConfig) *api.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.artifacts.Write(ctx, id, api.StageInput, []byte("catalog-bytes")))
	_, err := f.jobs.Create(ctx, id, cfg, api.InputDescriptor{Filename: "acme.xlsx", Size: 13})
	require.NoError(t, err)
	now := time.Now()
	job, err := f.jobs.Transition(ctx, id, []api.Status{api.StatusPending}, api.StatusProcessing, persistence.Update{StartedAt: &now})
	require.NoError(t, err)
	return job
}

func silverDoc(components ...string) []byte {
	b, _ := json.Marshal(map[string]any{"components": components})
	return b
}

func okCollaborators() api.Collaborators {
	return api.Collaborators{
		Extractor: api.ExtractorFunc(func(ctx context.Context, input []byte, filename string) ([]byte, error) {
			return []byte(`{"sheets":2}`), nil
		}),
		Transformer: api.TransformerFunc(func(ctx context.Context, req api.TransformRequest) ([]byte, api.TransformStats, error) {
			req.Events <- api.TransformEvent{Progress: &api.Progress{Percent: 50, Message: "Processing sheet 1 of 2"}}
			req.Events <- api.TransformEvent{LLMCall: &api.LLMCall{Model: "claude", PromptTokens: 1000, CompletionTokens: 200}}
			req.Events <- api.TransformEvent{LLMCall: &api.LLMCall{Model: "claude", PromptTokens: 500, CompletionTokens: 100, CostUSD: 0.01}}
			return silverDoc("A", "B"), api.TransformStats{SourceType: "excel", SystemsCount: 2, SourcesProcessed: 1}, nil
		}),
		Loader: api.LoaderFunc(func(ctx context.Context, silver []byte, title string) ([]byte, api.LoadStats, error) {
			return []byte("xlsx:" + title), api.LoadStats{SystemsCount: 2, ComponentsCount: 6, RowCount: 12}, nil
		}),
	}
}

func kinds(events []api.LineageEvent) []api.EventKind {
	out := make([]api.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRunner_HappyPath(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, okCollaborators())
	ctx := context.Background()
	job := f.submitAndClaim(t, "job-1", api.JobConfig{CostbookTitle: "Acme 2024"})

	done, err := r.Run(ctx, job)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 100, done.Progress.Percent)
	require.Equal(t, "Pipeline completed successfully", done.Progress.Message)
	require.NotNil(t, done.Result)
	require.Equal(t, "acme_costbook.xlsx", done.Result.OutputFilename)
	require.Equal(t, 2, done.Result.Stats.SystemsCount)
	require.Equal(t, 6, done.Result.Stats.ComponentsCount)
	require.Equal(t, "excel", done.Result.Stats.SourceType)
	require.Equal(t, 2, done.Result.Stats.LLMCalls)
	require.Equal(t, 1800, done.Result.Stats.TotalTokens)
	require.InDelta(t, 1000*api.PromptTokenPriceUSD+200*api.CompletionTokenPriceUSD+0.01, done.Result.Stats.EstimatedCostUSD, 1e-9)

	for _, st := range []api.Stage{api.StageBronze, api.StageSilver, api.StageGold} {
		ok, err := f.artifacts.Exists(ctx, "job-1", st)
		require.NoError(t, err)
		require.True(t, ok, "missing %s", st)
	}
	gold, err := f.artifacts.Read(ctx, "job-1", api.StageGold)
	require.NoError(t, err)
	require.Equal(t, "xlsx:Acme 2024", string(gold))

	events, err := f.lineage.List(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []api.EventKind{
		api.EventStageStart, api.EventStageEnd,
		api.EventStageStart, api.EventLLMCall, api.EventLLMCall, api.EventStageEnd,
		api.EventStageStart, api.EventStageEnd,
	}, kinds(events))
	for i, ev := range events {
		require.EqualValues(t, i+1, ev.Seq)
	}
	require.Equal(t, "stage2", events[3].Stage)
	require.Equal(t, "claude", events[3].Payload["model"])

	snap := f.metrics.Snapshot()
	require.EqualValues(t, 1, snap.JobsCompleted)
	require.EqualValues(t, 3, snap.StagesCompleted)
}

func TestRunner_DefaultsCostbookTitle(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, okCollaborators())
	job := f.submitAndClaim(t, "job-1", api.JobConfig{})

	_, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	gold, err := f.artifacts.Read(context.Background(), "job-1", api.StageGold)
	require.NoError(t, err)
	require.Equal(t, "xlsx:"+api.DefaultCostbookTitle, string(gold))
}

func TestRunner_ExtractionFailureLeavesNoBronze(t *testing.T) {
	f := newFixture(t)
	collab := okCollaborators()
	collab.Extractor = api.ExtractorFunc(func(ctx context.Context, input []byte, filename string) ([]byte, error) {
		return nil, errors.New("sheet 'Prices' is malformed: no header row")
	})
	r := f.runner(t, collab)
	ctx := context.Background()
	job := f.submitAndClaim(t, "job-1", api.JobConfig{})

	failed, err := r.Run(ctx, job)
	require.ErrorIs(t, err, api.ErrExtraction)
	require.Equal(t, api.StatusFailed, failed.Status)
	require.Equal(t, "sheet 'Prices' is malformed: no header row", failed.Error)
	require.NotNil(t, failed.CompletedAt)
	require.Contains(t, failed.Progress.Message, "Failed: sheet 'Prices'")

	ok, err := f.artifacts.Exists(ctx, "job-1", api.StageBronze)
	require.NoError(t, err)
	require.False(t, ok)

	events, err := f.lineage.List(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []api.EventKind{api.EventStageStart, api.EventError}, kinds(events))
	require.Equal(t, "stage1", events[1].Stage)
	require.Equal(t, api.ErrExtraction.Error(), events[1].Payload["kind"])

	stored, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, stored.Status)
}

func TestRunner_TransformAndLoadFailuresAreClassified(t *testing.T) {
	t.Run("transform", func(t *testing.T) {
		f := newFixture(t)
		collab := okCollaborators()
		collab.Transformer = api.TransformerFunc(func(ctx context.Context, req api.TransformRequest) ([]byte, api.TransformStats, error) {
			return nil, api.TransformStats{}, errors.New("model returned invalid JSON")
		})
		failed, err := f.runner(t, collab).Run(context.Background(), f.submitAndClaim(t, "job-1", api.JobConfig{}))
		require.ErrorIs(t, err, api.ErrTransform)
		require.Equal(t, "model returned invalid JSON", failed.Error)

		ok, _ := f.artifacts.Exists(context.Background(), "job-1", api.StageSilver)
		require.False(t, ok)
		ok, _ = f.artifacts.Exists(context.Background(), "job-1", api.StageBronze)
		require.True(t, ok, "earlier artifacts stay")
	})

	t.Run("load", func(t *testing.T) {
		f := newFixture(t)
		collab := okCollaborators()
		collab.Loader = api.LoaderFunc(func(ctx context.Context, silver []byte, title string) ([]byte, api.LoadStats, error) {
			return nil, api.LoadStats{}, errors.New("template missing")
		})
		failed, err := f.runner(t, collab).Run(context.Background(), f.submitAndClaim(t, "job-1", api.JobConfig{}))
		require.ErrorIs(t, err, api.ErrLoad)
		require.Equal(t, api.StatusFailed, failed.Status)

		ok, _ := f.artifacts.Exists(context.Background(), "job-1", api.StageGold)
		require.False(t, ok)
	})
}

func TestRunner_MissingInputFailsWithStorageError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.jobs.Create(ctx, "job-1", api.JobConfig{}, api.InputDescriptor{Filename: "x.pdf", Size: 1})
	require.NoError(t, err)
	job, err := f.jobs.Transition(ctx, "job-1", []api.Status{api.StatusPending}, api.StatusProcessing, persistence.Update{})
	require.NoError(t, err)

	failed, err := f.runner(t, okCollaborators()).Run(ctx, job)
	require.ErrorIs(t, err, api.ErrStorage)
	require.Equal(t, api.StatusFailed, failed.Status)
}

func TestRunner_ProgressIsVisibleWhileTransforming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	observed := make(chan api.Progress, 1)

	collab := okCollaborators()
	collab.Transformer = api.TransformerFunc(func(ctx context.Context, req api.TransformRequest) ([]byte, api.TransformStats, error) {
		req.Events <- api.TransformEvent{Progress: &api.Progress{Percent: 140, Message: "Processing sheet 3 of 3"}}
		// The send above returns once the runner received it; poll until written.
		require.Eventually(t, func() bool {
			j, err := f.jobs.Get(ctx, "job-1")
			if err != nil || j.Progress.Message != "Processing sheet 3 of 3" {
				return false
			}
			observed <- j.Progress
			return true
		}, 2*time.Second, 5*time.Millisecond)
		return silverDoc(), api.TransformStats{}, nil
	})

	_, err := f.runner(t, collab).Run(ctx, f.submitAndClaim(t, "job-1", api.JobConfig{}))
	require.NoError(t, err)

	p := <-observed
	require.Equal(t, "stage2", p.Stage)
	require.Equal(t, 100, p.Percent, "percent is clamped")
}

func TestRunner_EnrichmentUsesCacheAcrossJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	lookups := 0
	collab := okCollaborators()
	collab.Enricher = api.EnricherFunc(func(ctx context.Context, id string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		lookups++
		return []byte(`{"seer":14}`), nil
	})
	collab.Transformer = api.TransformerFunc(func(ctx context.Context, req api.TransformRequest) ([]byte, api.TransformStats, error) {
		if req.Enricher == nil {
			return silverDoc(), api.TransformStats{}, nil
		}
		for _, id := range []string{"GSX140361", "gsx140361"} {
			if _, err := req.Enricher.Lookup(ctx, id); err != nil {
				return nil, api.TransformStats{}, err
			}
		}
		return silverDoc("GSX140361"), api.TransformStats{}, nil
	})
	r := f.runner(t, collab)

	for i := 0; i < 2; i++ {
		_, err := r.Run(ctx, f.submitAndClaim(t, fmt.Sprintf("job-%d", i), api.JobConfig{EnableEnrichment: true}))
		require.NoError(t, err)
	}
	_, err := r.Run(ctx, f.submitAndClaim(t, "job-off", api.JobConfig{EnableEnrichment: false}))
	require.NoError(t, err)

	require.Equal(t, 1, lookups, "only the first lookup reaches the enricher")

	events, err := f.lineage.List(ctx, "job-1")
	require.NoError(t, err)
	var stage2End api.LineageEvent
	for _, ev := range events {
		if ev.Kind == api.EventStageEnd && ev.Stage == "stage2" {
			stage2End = ev
		}
	}
	require.EqualValues(t, 2, stage2End.Payload["enrichment_hits"])
	require.EqualValues(t, 0, stage2End.Payload["enrichment_misses"])
}

func TestRunner_RecoverInterruptedAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costbook.db")
	ctx := context.Background()
	artifacts, err := artifact.NewStore(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)

	// First process: leave jobs in every status.
	db, err := persistence.OpenSQLite(path)
	require.NoError(t, err)
	jobs, err := persistence.NewSQLiteJobStore(db)
	require.NoError(t, err)

	path1 := []api.Status{api.StatusProcessing, api.StatusStage1, api.StatusStage2, api.StatusStage3, api.StatusCompleted}
	for i, target := range []api.Status{api.StatusPending, api.StatusProcessing, api.StatusStage1, api.StatusStage2, api.StatusStage3, api.StatusCompleted} {
		id := fmt.Sprintf("job-%d", i)
		_, err := jobs.Create(ctx, id, api.JobConfig{}, api.InputDescriptor{Filename: "a.pdf", Size: 1})
		require.NoError(t, err)
		prev := api.StatusPending
		for _, next := range path1 {
			if prev == target {
				break
			}
			_, err := jobs.Transition(ctx, id, []api.Status{prev}, next, persistence.Update{})
			require.NoError(t, err)
			prev = next
		}
	}
	_, err = jobs.Create(ctx, "job-cancelled", api.JobConfig{}, api.InputDescriptor{Filename: "a.pdf", Size: 1})
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, "job-cancelled", []api.Status{api.StatusPending}, api.StatusCancelled, persistence.Update{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Second process.
	db2, err := persistence.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	jobs2, err := persistence.NewSQLiteJobStore(db2)
	require.NoError(t, err)
	lineage2, err := persistence.NewSQLiteLineageStore(db2)
	require.NoError(t, err)
	metrics := &api.BasicMetrics{}

	r, err := NewRunner(Config{
		Jobs: jobs2, Lineage: lineage2, Artifacts: artifacts,
		Collaborators: okCollaborators(), Observer: metrics,
	})
	require.NoError(t, err)

	n, err := r.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.EqualValues(t, 4, metrics.Snapshot().JobsFailed)

	want := map[string]api.Status{
		"job-0":         api.StatusPending,
		"job-1":         api.StatusFailed,
		"job-2":         api.StatusFailed,
		"job-3":         api.StatusFailed,
		"job-4":         api.StatusFailed,
		"job-5":         api.StatusCompleted,
		"job-cancelled": api.StatusCancelled,
	}
	for id, status := range want {
		got, err := jobs2.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, status, got.Status, id)
		if status == api.StatusFailed {
			require.Equal(t, InterruptedMessage, got.Error)
			require.NotNil(t, got.CompletedAt)

			events, err := lineage2.List(ctx, id)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, api.EventError, events[0].Kind)
		}
	}

	// Idempotent.
	n, err = r.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// gatedExtractor blocks until release is closed, after signalling entered.
func gatedExtractor(entered chan<- struct{}, release <-chan struct{}) api.Extractor {
	return api.ExtractorFunc(func(ctx context.Context, input []byte, filename string) ([]byte, error) {
		close(entered)
		<-release
		return []byte(`{"sheets":1}`), nil
	})
}

func TestRunner_RecoveryDuringStageKeepsFailedJobUntouched(t *testing.T) {
	f := newFixture(t)
	entered, release := make(chan struct{}), make(chan struct{})
	collab := okCollaborators()
	collab.Extractor = gatedExtractor(entered, release)
	r := f.runner(t, collab)
	ctx := context.Background()
	job := f.submitAndClaim(t, "job-1", api.JobConfig{})

	type result struct {
		job *api.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		j, err := r.Run(ctx, job)
		done <- result{j, err}
	}()
	<-entered

	n, err := r.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	close(release)
	res := <-done

	require.ErrorIs(t, res.err, api.ErrConflict)
	stored, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, stored.Status)
	require.Equal(t, InterruptedMessage, stored.Error)

	ok, err := f.artifacts.Exists(ctx, "job-1", api.StageBronze)
	require.NoError(t, err)
	require.False(t, ok, "a failed job gains no artifacts")

	events, err := f.lineage.List(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []api.EventKind{api.EventStageStart, api.EventError}, kinds(events))
}

func TestRunner_DeletedDuringStageLeavesNoDirectory(t *testing.T) {
	f := newFixture(t)
	entered, release := make(chan struct{}), make(chan struct{})
	collab := okCollaborators()
	collab.Extractor = gatedExtractor(entered, release)
	r := f.runner(t, collab)
	ctx := context.Background()
	job := f.submitAndClaim(t, "job-1", api.JobConfig{})

	errc := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, job)
		errc <- err
	}()
	<-entered

	_, err := r.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Delete(ctx, "job-1"))
	require.NoError(t, f.artifacts.Delete(ctx, "job-1"))
	require.NoError(t, f.lineage.DeleteJob(ctx, "job-1"))
	close(release)

	require.Error(t, <-errc)
	_, err = f.jobs.Get(ctx, "job-1")
	require.ErrorIs(t, err, api.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.artifacts.Root(), "job-1"))
	require.True(t, os.IsNotExist(err), "no orphan job directory")
}

// failingLineage rejects stage-end events of one stage.
type failingLineage struct {
	persistence.LineageStore
	stage api.Status
}

func (l failingLineage) Append(ctx context.Context, ev api.LineageEvent) (api.LineageEvent, error) {
	if ev.Kind == api.EventStageEnd && ev.Stage == string(l.stage) {
		return api.LineageEvent{}, errors.New("lineage disk full")
	}
	return l.LineageStore.Append(ctx, ev)
}

func TestRunner_StageEndLineageFailureWithdrawsArtifact(t *testing.T) {
	f := newFixture(t)
	f.lineage = failingLineage{LineageStore: f.lineage, stage: api.StatusStage2}
	r := f.runner(t, okCollaborators())
	ctx := context.Background()

	failed, err := r.Run(ctx, f.submitAndClaim(t, "job-1", api.JobConfig{}))
	require.ErrorIs(t, err, api.ErrStorage)
	require.Equal(t, api.StatusFailed, failed.Status)

	ok, err := f.artifacts.Exists(ctx, "job-1", api.StageBronze)
	require.NoError(t, err)
	require.True(t, ok, "bronze finished with its lineage recorded")
	ok, err = f.artifacts.Exists(ctx, "job-1", api.StageSilver)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunner_FailureMessagesStayValidUTF8(t *testing.T) {
	f := newFixture(t)
	collab := okCollaborators()
	collab.Extractor = api.ExtractorFunc(func(ctx context.Context, input []byte, filename string) ([]byte, error) {
		return nil, errors.New(strings.Repeat("a", 99) + "é: bad \xff header")
	})
	failed, err := f.runner(t, collab).Run(context.Background(), f.submitAndClaim(t, "job-1", api.JobConfig{}))
	require.ErrorIs(t, err, api.ErrExtraction)
	require.Equal(t, api.StatusFailed, failed.Status)
	require.True(t, utf8.ValidString(failed.Progress.Message))
	require.True(t, utf8.ValidString(failed.Error))
	require.Equal(t, "Failed: "+strings.Repeat("a", 99), failed.Progress.Message)
}

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	_, err := NewRunner(Config{Jobs: f.jobs, Lineage: f.lineage, Artifacts: f.artifacts})
	require.ErrorIs(t, err, api.ErrValidation)
}
