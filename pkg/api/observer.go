package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the pipeline runner for logging and metrics.
//
// Implementations should be fast and non-blocking; they run on the worker
// goroutine that executes the job.
type Observer interface {
	// OnJobClaimed is called once a worker has moved a job from pending to
	// processing, before the first stage runs.
	OnJobClaimed(ctx context.Context, job *Job)

	// OnStageStart is called before a stage collaborator is invoked.
	OnStageStart(ctx context.Context, job *Job, stage Status)

	// OnStageCompleted is called after a stage finishes, for both
	// successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, job *Job, stage Status, err error, duration time.Duration)

	// OnJobCompleted is called when a job reaches StatusCompleted.
	OnJobCompleted(ctx context.Context, job *Job)

	// OnJobFailed is called when a job transitions to StatusFailed, including
	// jobs failed by the restart recovery pass.
	OnJobFailed(ctx context.Context, job *Job, err error)
}

// NoopObserver is an Observer that does nothing.
type NoopObserver struct{}

func (NoopObserver) OnJobClaimed(ctx context.Context, job *Job)               {}
func (NoopObserver) OnStageStart(ctx context.Context, job *Job, stage Status) {}
func (NoopObserver) OnStageCompleted(ctx context.Context, job *Job, stage Status, err error, d time.Duration) {
}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *Job)            {}
func (NoopObserver) OnJobFailed(ctx context.Context, job *Job, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobClaimed(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobClaimed(ctx, job)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, job *Job, stage Status) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, job, stage)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, job *Job, stage Status, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, job, stage, err, d)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobFailed(ctx context.Context, job *Job, err error) {
	for _, o := range c.observers {
		o.OnJobFailed(ctx, job, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs job and stage lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnJobClaimed(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_claimed",
		slog.String("job_id", job.ID),
		slog.String("filename", job.Input.Filename),
		slog.Int64("size", job.Input.Size),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, job *Job, stage Status) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, job *Job, stage Status, err error, d time.Duration) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *Job) {
	attrs := []any{slog.String("job_id", job.ID)}
	if job.Result != nil {
		attrs = append(attrs,
			slog.String("output", job.Result.OutputFilename),
			slog.Int("systems", job.Result.Stats.SystemsCount),
			slog.Float64("elapsed_seconds", job.Result.Stats.ElapsedSeconds),
		)
	}
	o.Logger.InfoContext(ctx, "job_completed", attrs...)
}

func (o *LoggingObserver) OnJobFailed(ctx context.Context, job *Job, err error) {
	o.Logger.ErrorContext(ctx, "job_failed",
		slog.String("job_id", job.ID),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	jobsClaimed        atomic.Int64
	jobsCompleted      atomic.Int64
	jobsFailed         atomic.Int64
	stagesCompleted    atomic.Int64
	stagesFailed       atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsClaimed   int64 `json:"jobs_claimed"`
	JobsCompleted int64 `json:"jobs_completed"`
	JobsFailed    int64 `json:"jobs_failed"`
	RunningJobs   int64 `json:"running_jobs"`

	StagesCompleted  int64         `json:"stages_completed"`
	StagesFailed     int64         `json:"stages_failed"`
	AvgStageDuration time.Duration `json:"avg_stage_duration_ns"`
}

func (m *BasicMetrics) OnJobClaimed(ctx context.Context, job *Job) {
	m.jobsClaimed.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *Job) {
	m.jobsCompleted.Add(1)
}

func (m *BasicMetrics) OnJobFailed(ctx context.Context, job *Job, err error) {
	m.jobsFailed.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, job *Job, stage Status, err error, d time.Duration) {
	if err != nil {
		m.stagesFailed.Add(1)
		return
	}
	m.stagesCompleted.Add(1)
	m.totalStageDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	claimed := m.jobsClaimed.Load()
	completed := m.jobsCompleted.Load()
	failed := m.jobsFailed.Load()
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	running := claimed - completed - failed
	if running < 0 {
		// Recovered jobs count as failures without ever being claimed here.
		running = 0
	}

	return BasicMetricsSnapshot{
		JobsClaimed:      claimed,
		JobsCompleted:    completed,
		JobsFailed:       failed,
		RunningJobs:      running,
		StagesCompleted:  stages,
		StagesFailed:     m.stagesFailed.Load(),
		AvgStageDuration: avg,
	}
}
