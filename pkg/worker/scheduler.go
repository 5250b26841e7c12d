package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// Config controls a Scheduler.
type Config struct {
	// MaxConcurrentJobs is the number of worker goroutines and therefore the
	// ceiling on jobs executing at once. Defaults to 3.
	MaxConcurrentJobs int

	// PollInterval is how often an idle worker re-checks for pending jobs
	// without being notified, e.g. jobs submitted by another process.
	// Defaults to 2s.
	PollInterval time.Duration

	// ClaimBatch bounds the pending ids read per claim attempt.
	ClaimBatch int

	// Maintenance, when set, runs every MaintenanceInterval while the
	// scheduler is started (retention purge).
	Maintenance         func(ctx context.Context) error
	MaintenanceInterval time.Duration
}

// Recoverer fails jobs interrupted by a previous process.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Scheduler runs a fixed pool of workers over the pending jobs.
//
// Typical usage:
//
//	s := worker.NewScheduler(w, runner, worker.Config{MaxConcurrentJobs: 3}, logger)
//	if err := s.Start(ctx); err != nil { ... }
//	// after each submission:
//	s.Notify()
//	...
//	s.Stop()
type Scheduler struct {
	worker    *Worker
	recoverer Recoverer
	cfg       Config
	logger    *slog.Logger

	wake   chan struct{}
	active atomic.Int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	draining bool
}

// NewScheduler creates a Scheduler around w. recoverer may be nil when the
// caller recovers jobs itself.
func NewScheduler(w *Worker, recoverer Recoverer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		worker:    w,
		recoverer: recoverer,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Start recovers interrupted jobs and then starts MaxConcurrentJobs worker
// goroutines. Workers run until Stop is called or ctx is cancelled.
//
// If Start is called more than once without Stop, it returns an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.draining {
		return errors.New("worker: scheduler already started")
	}

	if s.recoverer != nil {
		n, err := s.recoverer.RecoverInterrupted(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.WarnContext(ctx, "recovered_interrupted_jobs", slog.Int("count", n))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(s.cfg.MaxConcurrentJobs)
	for i := 0; i < s.cfg.MaxConcurrentJobs; i++ {
		go func(id int) {
			defer s.wg.Done()
			s.loop(ctx, id)
		}(i)
	}

	if s.cfg.Maintenance != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.maintain(ctx)
		}()
	}

	s.logger.InfoContext(ctx, "scheduler_started", slog.Int("workers", s.cfg.MaxConcurrentJobs))
	// Pick up anything left pending by a previous run.
	s.Notify()
	return nil
}

// Notify wakes one idle worker. It never blocks; notifications sent while a
// wake-up is already pending are merged.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Active returns the number of jobs currently executing.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.draining = true
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}

// Recover runs the recoverer on its own. It returns api.ErrConflict while
// workers are started or still draining, since recovery would fail the jobs
// they are executing. Other processes sharing the job store are not
// detected; recovery needs exclusive ownership of the store.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.draining || s.active.Load() > 0 {
		return 0, api.Conflictf("cannot recover jobs while the scheduler is running")
	}
	if s.recoverer == nil {
		return 0, nil
	}
	return s.recoverer.RecoverInterrupted(ctx)
}

func (s *Scheduler) loop(ctx context.Context, id int) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.worker.Claim(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "claim_failed", slog.Int("worker", id), slog.Any("error", err))
		}
		if job == nil {
			timer.Reset(s.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-timer.C:
			}
			continue
		}

		// More jobs may be waiting; let another idle worker look.
		s.Notify()

		s.active.Add(1)
		if _, err := s.worker.Execute(ctx, job); err != nil {
			s.logger.DebugContext(ctx, "job_run_ended_with_error",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		s.active.Add(-1)
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cfg.Maintenance(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "maintenance_failed", slog.Any("error", err))
			}
		}
	}
}
