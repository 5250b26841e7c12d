package costbook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/costbook/internal/artifact"
	"github.com/petrijr/costbook/internal/cache"
	"github.com/petrijr/costbook/internal/engine"
	"github.com/petrijr/costbook/internal/persistence"
	"github.com/petrijr/costbook/pkg/api"
	"github.com/petrijr/costbook/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Job             = api.Job
	JobConfig       = api.JobConfig
	Status          = api.Status
	Stage           = api.Stage
	Progress        = api.Progress
	LineageEvent    = api.LineageEvent
	LLMUsage        = api.LLMUsage
	Collaborators   = api.Collaborators
	InputRef        = api.InputRef
	Fetcher         = api.Fetcher
	Observer        = api.Observer
	MetricsSnapshot = api.BasicMetricsSnapshot
	JobStore        = persistence.JobStore
	LineageStore    = persistence.LineageStore
	Cache           = cache.Cache
	SchedulerConfig = worker.Config
	ArtifactStore   = artifact.Store
)

const (
	// DefaultMaxInputBytes caps the size of a submitted catalog.
	DefaultMaxInputBytes int64 = 100 << 20

	DefaultPageSize = 20
	MaxPageSize     = 100
)

// SupportedExtensions lists the accepted catalog file types.
var SupportedExtensions = []string{".xlsx", ".xls", ".xlsm", ".xlsb", ".pdf"}

// Options configures an Orchestrator. Jobs, Lineage, Artifacts and every
// collaborator except the Enricher are required.
type Options struct {
	Jobs          JobStore
	Lineage       LineageStore
	Artifacts     *artifact.Store
	Cache         Cache
	Collaborators Collaborators

	// Fetchers resolve catalogs submitted by reference, keyed by
	// api.SourceURL and api.SourceS3. A kind without a fetcher is rejected.
	Fetchers map[api.SourceKind]Fetcher

	// Observer receives job lifecycle events in addition to the built-in
	// metrics and log observers.
	Observer Observer
	Logger   *slog.Logger

	Scheduler SchedulerConfig

	// MaxInputBytes defaults to DefaultMaxInputBytes.
	MaxInputBytes int64
	// DefaultTitle is used when a submission has no costbook title.
	DefaultTitle string
	// RetentionPeriod, when positive, makes the scheduler periodically
	// delete terminal jobs that completed longer ago than this.
	RetentionPeriod time.Duration

	// NewID defaults to random UUIDs.
	NewID func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator accepts catalog submissions and drives them through the
// extraction, transformation and load pipeline on a bounded worker pool.
type Orchestrator struct {
	jobs      JobStore
	lineage   LineageStore
	artifacts *artifact.Store
	fetchers  map[api.SourceKind]Fetcher
	scheduler *worker.Scheduler
	metrics   *api.BasicMetrics
	logger    *slog.Logger

	maxInput     int64
	defaultTitle string
	retention    time.Duration
	newID        func() string
	now          func() time.Time
}

// New validates opts and assembles an Orchestrator. The scheduler is not
// started until Start is called.
func New(opts Options) (*Orchestrator, error) {
	if opts.Jobs == nil || opts.Lineage == nil || opts.Artifacts == nil {
		return nil, api.Validationf("costbook: job store, lineage store and artifact store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxInputBytes <= 0 {
		opts.MaxInputBytes = DefaultMaxInputBytes
	}
	if strings.TrimSpace(opts.DefaultTitle) == "" {
		opts.DefaultTitle = api.DefaultCostbookTitle
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	metrics := &api.BasicMetrics{}
	observers := []api.Observer{metrics, api.NewLoggingObserver(opts.Logger)}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}
	observer := api.NewCompositeObserver(observers...)

	runner, err := engine.NewRunner(engine.Config{
		Jobs:          opts.Jobs,
		Lineage:       opts.Lineage,
		Artifacts:     opts.Artifacts,
		Cache:         opts.Cache,
		Collaborators: opts.Collaborators,
		Observer:      observer,
		Logger:        opts.Logger,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		jobs:         opts.Jobs,
		lineage:      opts.Lineage,
		artifacts:    opts.Artifacts,
		fetchers:     opts.Fetchers,
		metrics:      metrics,
		logger:       opts.Logger,
		maxInput:     opts.MaxInputBytes,
		defaultTitle: strings.TrimSpace(opts.DefaultTitle),
		retention:    opts.RetentionPeriod,
		newID:        opts.NewID,
		now:          opts.Now,
	}

	schedCfg := opts.Scheduler
	if o.retention > 0 && schedCfg.Maintenance == nil {
		schedCfg.Maintenance = func(ctx context.Context) error {
			_, err := o.PurgeExpired(ctx, o.retention)
			return err
		}
	}
	w := worker.NewWorker(opts.Jobs, runner, observer, schedCfg.ClaimBatch)
	o.scheduler = worker.NewScheduler(w, runner, schedCfg, opts.Logger)
	return o, nil
}

// SubmitRequest is one catalog submission. The catalog is either uploaded
// as Data or named by Source; Data wins when both are set. Filename defaults
// to the last element of the Source path.
type SubmitRequest struct {
	Filename         string
	Data             []byte
	Source           InputRef
	CostbookTitle    string
	EnableEnrichment bool
}

// Submit validates req, fetches a referenced catalog, stores the input
// artifact and creates a pending job. Nothing is persisted when validation
// fails.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	source := string(api.SourceUpload)
	if len(req.Data) == 0 && req.Source.Kind() != "" {
		if err := o.fetchInput(ctx, &req); err != nil {
			return nil, err
		}
		source = req.Source.String()
	}
	filename, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.CostbookTitle)
	if title == "" {
		title = o.defaultTitle
	}
	sum := sha256.Sum256(req.Data)
	id := o.newID()

	// The input must be durable before the job becomes claimable.
	if err := o.artifacts.Write(ctx, id, api.StageInput, req.Data); err != nil {
		return nil, err
	}

	job, err := o.jobs.Create(ctx, id, JobConfig{
		CostbookTitle:    title,
		EnableEnrichment: req.EnableEnrichment,
	}, api.InputDescriptor{
		Filename: filename,
		Size:     int64(len(req.Data)),
		SHA256:   hex.EncodeToString(sum[:]),
		Source:   source,
	})
	if err != nil {
		if derr := o.artifacts.Delete(ctx, id); derr != nil {
			o.logger.ErrorContext(ctx, "discard_orphan_input", slog.String("job_id", id), slog.Any("error", derr))
		}
		return nil, err
	}

	o.logger.InfoContext(ctx, "job_submitted",
		slog.String("job_id", id),
		slog.String("filename", filename),
		slog.String("source", source),
		slog.Int("size", len(req.Data)),
		slog.Bool("enrichment", req.EnableEnrichment),
	)
	o.scheduler.Notify()
	return job, nil
}

// fetchInput resolves req.Source into req.Data. The filename is checked
// before anything is downloaded.
func (o *Orchestrator) fetchInput(ctx context.Context, req *SubmitRequest) error {
	if err := req.Source.Validate(); err != nil {
		return err
	}
	kind := req.Source.Kind()
	fetcher := o.fetchers[kind]
	if fetcher == nil {
		return api.Validationf("%s inputs are not enabled", kind)
	}
	if strings.TrimSpace(req.Filename) == "" {
		req.Filename = req.Source.Filename()
	}
	if _, err := validName(req.Filename); err != nil {
		return err
	}

	data, err := fetcher.Fetch(ctx, req.Source, o.maxInput)
	if api.KindOf(err) == api.ErrNotFound {
		return &api.Error{Kind: api.ErrValidation, Msg: "input not found", Err: err}
	}
	if err != nil {
		return err
	}
	req.Data = data
	return nil
}

func validName(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", api.Validationf("a filename is required")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(SupportedExtensions, ext) {
		return "", api.Validationf("unsupported file type %q; allowed: %s", ext, strings.Join(SupportedExtensions, ", "))
	}
	return name, nil
}

func (o *Orchestrator) validate(req SubmitRequest) (string, error) {
	name, err := validName(req.Filename)
	if err != nil {
		return "", err
	}
	if len(req.Data) == 0 {
		return "", api.Validationf("file is empty")
	}
	if int64(len(req.Data)) > o.maxInput {
		return "", api.Validationf("file too large; maximum size is %d MB", o.maxInput>>20)
	}
	return name, nil
}

// Status returns the current record of a job.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Job, error) {
	return o.jobs.Get(ctx, id)
}

// ListOptions selects a page of jobs. Page is 1-based.
type ListOptions struct {
	Page     int
	PageSize int
	Status   []Status
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs     []*Job
	Total    int
	Page     int
	PageSize int
}

// List returns jobs newest first.
func (o *Orchestrator) List(ctx context.Context, opts ListOptions) (*JobPage, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	switch {
	case opts.PageSize <= 0:
		opts.PageSize = DefaultPageSize
	case opts.PageSize > MaxPageSize:
		opts.PageSize = MaxPageSize
	}
	for _, s := range opts.Status {
		if !s.Valid() {
			return nil, api.Validationf("invalid status %q", s)
		}
	}

	jobs, total, err := o.jobs.List(ctx, persistence.ListFilter{
		Statuses: opts.Status,
		Page:     opts.Page,
		PageSize: opts.PageSize,
	})
	if err != nil {
		return nil, err
	}
	return &JobPage{Jobs: jobs, Total: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

// Cancel moves a pending job to cancelled. A job that has been claimed can
// no longer be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != api.StatusPending {
		return nil, api.Conflictf("only pending jobs can be cancelled")
	}

	now := o.now()
	cancelled, err := o.jobs.Transition(ctx, id, []api.Status{api.StatusPending}, api.StatusCancelled, persistence.Update{
		CompletedAt: &now,
		Progress:    &api.Progress{Stage: string(api.StatusCancelled), Percent: 0, Message: "Job cancelled by user"},
	})
	if errors.Is(err, api.ErrConflict) {
		return nil, api.Conflictf("job already started")
	}
	if err != nil {
		return nil, err
	}

	if _, err := o.lineage.Append(ctx, api.LineageEvent{
		JobID:   id,
		At:      now,
		Kind:    api.EventCancellation,
		Stage:   string(api.StatusPending),
		Payload: map[string]any{"reason": "cancelled by user"},
	}); err != nil {
		o.logger.ErrorContext(ctx, "record_cancellation_lineage", slog.String("job_id", id), slog.Any("error", err))
	}
	o.logger.InfoContext(ctx, "job_cancelled", slog.String("job_id", id))
	return cancelled, nil
}

// Delete removes a terminal job together with its artifacts and lineage.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return api.Conflictf("job %s is %s; only finished jobs can be deleted", id, job.Status)
	}
	if err := o.jobs.Delete(ctx, id); err != nil {
		return err
	}
	if err := o.artifacts.Delete(ctx, id); err != nil {
		return err
	}
	if err := o.lineage.DeleteJob(ctx, id); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "job_deleted", slog.String("job_id", id), slog.String("status", string(job.Status)))
	return nil
}

// Outcome reports what CancelOrDelete did.
type Outcome string

const (
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDeleted   Outcome = "deleted"
)

// CancelOrDelete cancels a pending job or deletes a finished one. Running
// jobs are rejected with a conflict and left untouched.
func (o *Orchestrator) CancelOrDelete(ctx context.Context, id string) (Outcome, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch {
	case job.Status == api.StatusPending:
		if _, err := o.Cancel(ctx, id); err != nil {
			return "", err
		}
		return OutcomeCancelled, nil
	case job.Status.IsTerminal():
		if err := o.Delete(ctx, id); err != nil {
			return "", err
		}
		return OutcomeDeleted, nil
	default:
		return "", api.Conflictf("job %s is %s; a running job cannot be cancelled or deleted", id, job.Status)
	}
}

// Download is an artifact ready to be served.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Download returns the artifact of a job for stage. The gold artifact is
// only served once the job has completed.
func (o *Orchestrator) Download(ctx context.Context, id string, stage Stage) (*Download, error) {
	if !stage.Valid() {
		return nil, api.Validationf("unknown artifact stage %q", stage)
	}
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stage == api.StageGold && job.Status != api.StatusCompleted {
		return nil, api.NotFoundf("job %s has not completed (status %s)", id, job.Status)
	}
	data, err := o.artifacts.Read(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	name := job.ArtifactFilename(stage)
	return &Download{Filename: name, ContentType: contentType(name), Data: data}, nil
}

var contentTypes = map[string]string{
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xlsm": "application/vnd.ms-excel.sheet.macroEnabled.12",
	".xlsb": "application/vnd.ms-excel.sheet.binary.macroEnabled.12",
	".xls":  "application/vnd.ms-excel",
	".pdf":  "application/pdf",
	".json": "application/json",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Lineage returns the ordered lineage events of a job.
func (o *Orchestrator) Lineage(ctx context.Context, id string) ([]LineageEvent, error) {
	if _, err := o.jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.lineage.List(ctx, id)
}

// LLMUsage sums the llm-call events of a job.
func (o *Orchestrator) LLMUsage(ctx context.Context, id string) (LLMUsage, error) {
	events, err := o.Lineage(ctx, id)
	if err != nil {
		return LLMUsage{}, err
	}
	return api.SummarizeLLMUsage(events), nil
}

// PurgeExpired deletes terminal jobs that finished more than olderThan ago
// and returns how many were removed.
func (o *Orchestrator) PurgeExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	expired, err := o.jobs.ListCompletedBefore(ctx, o.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, job := range expired {
		if err := o.Delete(ctx, job.ID); err != nil {
			if errors.Is(err, api.ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		o.logger.InfoContext(ctx, "expired_jobs_purged", slog.Int("count", purged))
	}
	return purged, nil
}

// Start recovers interrupted jobs and starts the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.scheduler.Start(ctx)
}

// Stop stops claiming jobs and waits for running ones to finish.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
}

// Recover fails every job left active by a previous process without
// starting the worker pool. It returns api.ErrConflict while the worker pool
// of this Orchestrator is started. The caller must make sure no other
// process is executing jobs from the same job store.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	return o.scheduler.Recover(ctx)
}

// Ready reports whether the job store and the artifact directory are usable.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if err := o.jobs.Ping(ctx); err != nil {
		return api.StorageError("job store unavailable", err)
	}
	if err := o.artifacts.Ping(ctx); err != nil {
		return api.StorageError("artifact store unavailable", err)
	}
	return nil
}

// Running reports whether the worker pool is started.
func (o *Orchestrator) Running() bool { return o.scheduler.Running() }

// ActiveJobs returns the number of jobs currently executing.
func (o *Orchestrator) ActiveJobs() int { return o.scheduler.Active() }

// Metrics returns a snapshot of the job counters.
func (o *Orchestrator) Metrics() MetricsSnapshot { return o.metrics.Snapshot() }
