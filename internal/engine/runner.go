package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/costbook/internal/cache"
	"github.com/petrijr/costbook/internal/persistence"
	"github.com/petrijr/costbook/pkg/api"
)

// ArtifactStore is the subset of the artifact store the runner needs.
type ArtifactStore interface {
	Write(ctx context.Context, jobID string, stage api.Stage, data []byte) error
	Read(ctx context.Context, jobID string, stage api.Stage) ([]byte, error)
	Remove(ctx context.Context, jobID string, stage api.Stage) error
	SweepTemp(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config describes how to construct a Runner.
type Config struct {
	Jobs          persistence.JobStore
	Lineage       persistence.LineageStore
	Artifacts     ArtifactStore
	Cache         cache.Cache
	Collaborators api.Collaborators
	Observer      api.Observer
	Logger        *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Runner drives claimed jobs through extraction, transformation and load.
type Runner struct {
	jobs      persistence.JobStore
	lineage   persistence.LineageStore
	artifacts ArtifactStore
	cache     cache.Cache
	collab    api.Collaborators
	observer  api.Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Jobs == nil || cfg.Lineage == nil || cfg.Artifacts == nil {
		return nil, api.Validationf("runner requires a job store, a lineage store and an artifact store")
	}
	if err := cfg.Collaborators.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		jobs:      cfg.Jobs,
		lineage:   cfg.Lineage,
		artifacts: cfg.Artifacts,
		cache:     cfg.Cache,
		collab:    cfg.Collaborators,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if r.cache == nil {
		r.cache = cache.NewMemoryCache()
	}
	if r.observer == nil {
		r.observer = api.NoopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// stageDef describes one pipeline stage.
type stageDef struct {
	from, to   api.Status
	artifact   api.Stage
	startMsg   string
	doneMsg    string
	invoke     func(ctx context.Context) ([]byte, map[string]any, error)
	failedKind error
}

// Run executes every stage of job, which must already be in processing.
// It returns the job in its final state. A stage failure moves the job to
// failed and is returned as the error; the returned job is then the failed
// record.
func (r *Runner) Run(ctx context.Context, job *api.Job) (*api.Job, error) {
	started := r.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	title := job.Config.CostbookTitle
	if title == "" {
		title = api.DefaultCostbookTitle
	}

	input, err := r.artifacts.Read(ctx, job.ID, api.StageInput)
	if err != nil {
		if api.KindOf(err) != api.ErrStorage {
			err = api.StorageError("read input artifact", err)
		}
		return r.fail(ctx, job, err)
	}

	// stage1: extract
	var bronze []byte
	job, bronze, err = r.runStage(ctx, job, stageDef{
		from:     api.StatusProcessing,
		to:       api.StatusStage1,
		artifact: api.StageBronze,
		startMsg: "Starting extraction...",
		doneMsg:  "Extraction complete",
		invoke: func(ctx context.Context) ([]byte, map[string]any, error) {
			out, err := r.collab.Extractor.Extract(ctx, input, job.Input.Filename)
			return out, map[string]any{"input_sha256": job.Input.SHA256, "input_bytes": len(input)}, err
		},
		failedKind: api.ErrExtraction,
	})
	if err != nil {
		return job, err
	}

	// stage2: transform (+ enrichment)
	var (
		silver      []byte
		tstats      api.TransformStats
		usage       api.LLMUsage
		transformer = &transformRun{r: r, job: job}
	)
	job, silver, err = r.runStage(ctx, job, stageDef{
		from:     api.StatusStage1,
		to:       api.StatusStage2,
		artifact: api.StageSilver,
		startMsg: "Starting AI transformation...",
		doneMsg:  "Transformation complete",
		invoke: func(ctx context.Context) ([]byte, map[string]any, error) {
			var out []byte
			var err error
			out, tstats, usage, err = transformer.run(ctx, bronze)
			extra := map[string]any{
				"source_type":       tstats.SourceType,
				"systems_count":     tstats.SystemsCount,
				"llm_calls":         usage.Calls,
				"total_tokens":      usage.TotalTokens,
				"cost_usd":          usage.CostUSD,
				"enrichment_hits":   transformer.hits,
				"enrichment_misses": transformer.misses,
			}
			return out, extra, err
		},
		failedKind: api.ErrTransform,
	})
	if err != nil {
		return job, err
	}

	// stage3: load
	var lstats api.LoadStats
	job, _, err = r.runStage(ctx, job, stageDef{
		from:     api.StatusStage2,
		to:       api.StatusStage3,
		artifact: api.StageGold,
		startMsg: "Generating costbook...",
		doneMsg:  "Costbook generated",
		invoke: func(ctx context.Context) ([]byte, map[string]any, error) {
			var out []byte
			var err error
			out, lstats, err = r.collab.Loader.Generate(ctx, silver, title)
			return out, map[string]any{
				"systems_count":    lstats.SystemsCount,
				"components_count": lstats.ComponentsCount,
				"row_count":        lstats.RowCount,
			}, err
		},
		failedKind: api.ErrLoad,
	})
	if err != nil {
		return job, err
	}

	done := r.now()
	systems := lstats.SystemsCount
	if systems == 0 {
		systems = tstats.SystemsCount
	}
	result := &api.ResultDescriptor{
		OutputFilename: api.OutputFilename(job.Input.Filename),
		Stats: api.ResultStats{
			SourceType:       tstats.SourceType,
			SystemsCount:     systems,
			ComponentsCount:  lstats.ComponentsCount,
			RowCount:         lstats.RowCount,
			SourcesProcessed: tstats.SourcesProcessed,
			ElapsedSeconds:   done.Sub(started).Seconds(),
			LLMCalls:         usage.Calls,
			TotalTokens:      usage.TotalTokens,
			EstimatedCostUSD: usage.CostUSD,
		},
	}
	completed, err := r.jobs.Transition(ctx, job.ID, []api.Status{api.StatusStage3}, api.StatusCompleted, persistence.Update{
		CompletedAt: &done,
		Result:      result,
		Progress:    &api.Progress{Stage: string(api.StatusCompleted), Percent: 100, Message: "Pipeline completed successfully"},
	})
	if err != nil {
		if api.KindOf(err) == api.ErrConflict || api.KindOf(err) == api.ErrNotFound {
			// Only completed jobs carry a costbook.
			r.unpublish(ctx, job.ID, api.StageGold)
			return job, err
		}
		return r.fail(ctx, job, err)
	}
	r.observer.OnJobCompleted(ctx, completed)
	return completed, nil
}

// runStage moves the job into def.to, invokes the collaborator, publishes
// the artifact and records lineage. On failure the job is moved to failed.
func (r *Runner) runStage(ctx context.Context, job *api.Job, def stageDef) (*api.Job, []byte, error) {
	moved, err := r.jobs.Transition(ctx, job.ID, []api.Status{def.from}, def.to, persistence.Update{
		Progress: &api.Progress{Stage: string(def.to), Percent: 0, Message: def.startMsg},
	})
	if err != nil {
		if api.KindOf(err) == api.ErrConflict || api.KindOf(err) == api.ErrNotFound {
			// Recovery failed the job, and it may since have been deleted.
			return job, nil, err
		}
		failed, ferr := r.fail(ctx, job, err)
		return failed, nil, ferr
	}
	job = moved

	if err := r.record(ctx, job.ID, api.EventStageStart, def.to, map[string]any{"artifact": string(def.artifact)}); err != nil {
		failed, ferr := r.fail(ctx, job, err)
		return failed, nil, ferr
	}

	r.observer.OnStageStart(ctx, job, def.to)
	t0 := r.now()
	out, extra, err := def.invoke(ctx)
	lost := false
	if err != nil {
		err = classify(def.failedKind, err)
	} else {
		lost, err = r.publish(ctx, job.ID, def, out)
	}
	d := r.now().Sub(t0)
	r.observer.OnStageCompleted(ctx, job, def.to, err, d)
	if lost {
		r.logger.WarnContext(ctx, "job_taken_over", slog.String("job_id", job.ID), slog.Any("error", err))
		return job, nil, err
	}
	if err != nil {
		failed, ferr := r.fail(ctx, job, err)
		return failed, nil, ferr
	}

	payload := map[string]any{
		"artifact":    string(def.artifact),
		"bytes":       len(out),
		"duration_ms": d.Milliseconds(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := r.record(ctx, job.ID, api.EventStageEnd, def.to, payload); err != nil {
		r.unpublish(ctx, job.ID, def.artifact)
		failed, ferr := r.fail(ctx, job, err)
		return failed, nil, ferr
	}

	p := api.Progress{Stage: string(def.to), Percent: 100, Message: def.doneMsg}
	if err := r.jobs.UpdateProgress(ctx, job.ID, def.to, p); err != nil {
		r.logger.WarnContext(ctx, "progress_update_failed", slog.String("job_id", job.ID), slog.Any("error", err))
	} else {
		job.Progress = p
	}
	return job, out, nil
}

// publish writes out as the artifact of def while the job is still in
// def.to. lost reports that the job left def.to meanwhile, e.g. because
// recovery failed it, in which case nothing stays published.
func (r *Runner) publish(ctx context.Context, jobID string, def stageDef, out []byte) (lost bool, err error) {
	if err := r.checkOwned(ctx, jobID, def.to); err != nil {
		return api.KindOf(err) == api.ErrConflict, err
	}
	if err := r.artifacts.Write(ctx, jobID, def.artifact, out); err != nil {
		return false, err
	}
	if err := r.checkOwned(ctx, jobID, def.to); err != nil {
		r.unpublish(ctx, jobID, def.artifact)
		return api.KindOf(err) == api.ErrConflict, err
	}
	return false, nil
}

// checkOwned returns a conflict when the job is gone or no longer in status.
func (r *Runner) checkOwned(ctx context.Context, jobID string, status api.Status) error {
	job, err := r.jobs.Get(ctx, jobID)
	if api.KindOf(err) == api.ErrNotFound {
		return api.Conflictf("job %s was deleted while in %s", jobID, status)
	}
	if err != nil {
		return err
	}
	if job.Status != status {
		return api.Conflictf("job %s moved from %s to %s", jobID, status, job.Status)
	}
	return nil
}

func (r *Runner) unpublish(ctx context.Context, jobID string, stage api.Stage) {
	if err := r.artifacts.Remove(ctx, jobID, stage); err != nil {
		r.logger.ErrorContext(ctx, "unpublish_artifact",
			slog.String("job_id", jobID),
			slog.String("stage", string(stage)),
			slog.Any("error", err),
		)
	}
}

// classify tags collaborator errors with the stage kind. Storage and
// validation errors raised inside a collaborator keep their own kind.
func classify(kind error, err error) error {
	if k := api.KindOf(err); k != nil {
		return err
	}
	return api.StageError(kind, err)
}

func (r *Runner) record(ctx context.Context, jobID string, kind api.EventKind, stage api.Status, payload map[string]any) error {
	_, err := r.lineage.Append(ctx, api.LineageEvent{
		JobID:   jobID,
		At:      r.now(),
		Kind:    kind,
		Stage:   string(stage),
		Payload: payload,
	})
	if err != nil && api.KindOf(err) != api.ErrStorage {
		err = api.StorageError("record lineage", err)
	}
	return err
}

const maxProgressError = 100

// fail moves job to failed with cause's message verbatim. It returns the
// failed record (or job when the transition itself failed) and cause.
func (r *Runner) fail(ctx context.Context, job *api.Job, cause error) (*api.Job, error) {
	msg := strings.ToValidUTF8(cause.Error(), "\uFFFD")
	short := api.TruncateText(msg, maxProgressError)
	now := r.now()
	stage := job.Status

	failed, err := r.jobs.Transition(ctx, job.ID, api.ActiveStatuses, api.StatusFailed, persistence.Update{
		CompletedAt: &now,
		Error:       &msg,
		Progress:    &api.Progress{Stage: string(stage), Percent: job.Progress.Percent, Message: "Failed: " + short},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "mark_job_failed",
			slog.String("job_id", job.ID),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		return job, errors.Join(cause, err)
	}

	kind := "unknown"
	if k := api.KindOf(cause); k != nil {
		kind = k.Error()
	}
	if lerr := r.record(ctx, job.ID, api.EventError, stage, map[string]any{
		"kind":    kind,
		"message": msg,
	}); lerr != nil {
		r.logger.ErrorContext(ctx, "record_failure_lineage", slog.String("job_id", job.ID), slog.Any("error", lerr))
	}
	r.observer.OnJobFailed(ctx, failed, cause)
	return failed, cause
}

// transformRun carries the per-job state of stage2.
type transformRun struct {
	r      *Runner
	job    *api.Job
	hits   int64
	misses int64
}

// run invokes the Transformer and records the events it emits. Events are
// handled on a separate goroutine so that the Transformer never waits on
// anything but the previous event's bookkeeping.
func (t *transformRun) run(ctx context.Context, bronze []byte) ([]byte, api.TransformStats, api.LLMUsage, error) {
	r := t.r
	var enricher *cache.CachedEnricher
	req := api.TransformRequest{Bronze: bronze, Config: t.job.Config}
	if t.job.Config.EnableEnrichment {
		if r.collab.Enricher == nil {
			r.logger.WarnContext(ctx, "enrichment_requested_without_enricher", slog.String("job_id", t.job.ID))
		} else {
			enricher = cache.NewCachedEnricher(r.cache, r.collab.Enricher, r.logger)
			req.Enricher = enricher
		}
	}

	events := make(chan api.TransformEvent)
	req.Events = events

	var (
		usage     api.LLMUsage
		recordErr error
		drained   = make(chan struct{})
	)
	go func() {
		defer close(drained)
		for ev := range events {
			if err := t.handle(ctx, ev, &usage); err != nil && recordErr == nil {
				recordErr = err
			}
		}
	}()

	out, stats, err := r.collab.Transformer.Transform(ctx, req)
	close(events)
	<-drained

	if enricher != nil {
		t.hits, t.misses = enricher.Stats()
	}
	if err == nil && recordErr != nil {
		err = recordErr
	}
	return out, stats, usage, err
}

func (t *transformRun) handle(ctx context.Context, ev api.TransformEvent, usage *api.LLMUsage) error {
	r := t.r
	switch {
	case ev.Progress != nil:
		p := *ev.Progress
		p.Stage = string(api.StatusStage2)
		p.Percent = min(max(p.Percent, 0), 100)
		if err := r.jobs.UpdateProgress(ctx, t.job.ID, api.StatusStage2, p); err != nil {
			r.logger.WarnContext(ctx, "progress_update_failed", slog.String("job_id", t.job.ID), slog.Any("error", err))
		}
		return nil

	case ev.LLMCall != nil:
		c := *ev.LLMCall
		cost := c.EstimatedCost()
		usage.Calls++
		usage.PromptTokens += c.PromptTokens
		usage.CompletionTokens += c.CompletionTokens
		usage.TotalTokens += c.PromptTokens + c.CompletionTokens
		usage.CostUSD += cost
		payload := map[string]any{
			"model":             c.Model,
			"prompt_tokens":     c.PromptTokens,
			"completion_tokens": c.CompletionTokens,
			"cost_usd":          cost,
			"duration_ms":       c.Duration.Milliseconds(),
		}
		if c.Purpose != "" {
			payload["purpose"] = c.Purpose
		}
		return r.record(ctx, t.job.ID, api.EventLLMCall, api.StatusStage2, payload)
	}
	return nil
}

// InterruptedMessage is the error recorded on jobs failed by recovery.
const InterruptedMessage = "job interrupted by process restart; resubmit to retry"

// ErrInterrupted is reported to observers for jobs failed by recovery.
var ErrInterrupted = errors.New(InterruptedMessage)

// tempArtifactAge is how old a temporary artifact file must be before
// recovery treats it as abandoned.
const tempArtifactAge = 10 * time.Minute

// RecoverInterrupted fails every job left in processing or a stage status by
// a previous process, and removes abandoned temporary artifact files.
// Pending and terminal jobs are untouched. It must run before any worker
// starts and while no other process executes jobs from the same store.
func (r *Runner) RecoverInterrupted(ctx context.Context) (int, error) {
	active, _, err := r.jobs.List(ctx, persistence.ListFilter{Statuses: api.ActiveStatuses})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, job := range active {
		now := r.now()
		msg := InterruptedMessage
		failed, err := r.jobs.Transition(ctx, job.ID, api.ActiveStatuses, api.StatusFailed, persistence.Update{
			CompletedAt: &now,
			Error:       &msg,
			Progress:    &api.Progress{Stage: string(job.Status), Percent: job.Progress.Percent, Message: "Failed: " + msg},
		})
		if err != nil {
			if api.KindOf(err) == api.ErrConflict || api.KindOf(err) == api.ErrNotFound {
				continue
			}
			return count, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		count++

		if err := r.record(ctx, job.ID, api.EventError, job.Status, map[string]any{
			"kind":    "interrupted",
			"message": msg,
		}); err != nil {
			r.logger.ErrorContext(ctx, "record_recovery_lineage", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		r.observer.OnJobFailed(ctx, failed, ErrInterrupted)
	}

	if n, err := r.artifacts.SweepTemp(ctx, tempArtifactAge); err != nil {
		r.logger.WarnContext(ctx, "sweep_temp_artifacts_failed", slog.Any("error", err))
	} else if n > 0 {
		r.logger.InfoContext(ctx, "swept_temp_artifacts", slog.Int("files", n))
	}
	return count, nil
}
