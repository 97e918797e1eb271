package outreach

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/pkg/distlock"
)

const (
	jobSweep = "sweep"
	jobDaily = "daily"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	SweepInterval time.Duration
	DailyInterval time.Duration
	DailyEnabled  bool
	LockTTL       time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SweepInterval: 15 * time.Minute,
		DailyInterval: time.Hour,
		DailyEnabled:  true,
		LockTTL:       30 * time.Minute,
	}
}

// Runner is the part of the orchestrator driven by the worker.
type Runner interface {
	RunSweep(ctx context.Context) (*SweepReport, error)
	RunDailyBatch(ctx context.Context) (*Result, error)
}

// StatsSource reports dead-letter totals for the queue gauge.
type StatsSource interface {
	Stats(ctx context.Context) (domain.DeadLetterStats, error)
}

// LockFactory returns a lock for a job key.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Worker runs the periodic outreach jobs.
type Worker struct {
	config WorkerConfig
	runner Runner
	locks  LockFactory
	stats  StatsSource

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new outreach worker. locks and stats may be nil.
func NewWorker(config WorkerConfig, runner Runner, locks LockFactory, stats StatsSource) *Worker {
	defaults := DefaultWorkerConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.DailyInterval <= 0 {
		config.DailyInterval = defaults.DailyInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	return &Worker{
		config: config,
		runner: runner,
		locks:  locks,
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Start launches one goroutine per job.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting outreach worker",
		"sweep_interval", w.config.SweepInterval,
		"daily_interval", w.config.DailyInterval,
		"daily_enabled", w.config.DailyEnabled,
	)

	w.wg.Add(1)
	go w.loop(ctx, jobSweep, w.config.SweepInterval, w.sweep)

	if w.config.DailyEnabled {
		w.wg.Add(1)
		go w.loop(ctx, jobDaily, w.config.DailyInterval, w.daily)
	}
}

// Stop gracefully stops the worker and waits for running jobs.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("outreach worker stopped")
}

func (w *Worker) loop(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunJob(ctx, job, fn)
		}
	}
}

// RunJob executes fn under the job's distributed lock. A job already running
// on another replica is skipped.
func (w *Worker) RunJob(ctx context.Context, job string, fn func(context.Context) error) {
	if w.locks != nil {
		lock := w.locks("outreach:"+job, w.config.LockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			slog.Error("failed to acquire job lock", "job", job, "error", err)
			recordSweep(job, "error")
			return
		}
		if !acquired {
			slog.Debug("job locked by another replica", "job", job)
			recordSweep(job, "locked")
			return
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("failed to release job lock", "job", job, "error", err)
			}
		}()
	}

	if err := fn(ctx); err != nil {
		slog.Error("outreach job failed", "job", job, "error", err)
		recordSweep(job, "error")
		return
	}
	recordSweep(job, "ok")
}

func (w *Worker) sweep(ctx context.Context) error {
	report, err := w.runner.RunSweep(ctx)
	if err != nil {
		return err
	}

	if report.Sends.Total > 0 || report.DeadLetters.Attempted > 0 || report.StaleReleased > 0 {
		slog.Info("sweep completed",
			"stale_released", report.StaleReleased,
			"sent", report.Sends.Succeeded,
			"failed", report.Sends.Failed,
			"skipped", report.Sends.Skipped,
			"retried", report.DeadLetters.Attempted,
			"recovered", report.DeadLetters.Succeeded,
		)
	}

	if w.stats != nil {
		stats, err := w.stats.Stats(ctx)
		if err != nil {
			slog.Warn("failed to read dead-letter stats", "error", err)
		} else {
			RecordDeadLetterStats(stats)
		}
	}
	return nil
}

func (w *Worker) daily(ctx context.Context) error {
	result, err := w.runner.RunDailyBatch(ctx)
	if errors.Is(err, ErrDailyBatchNotAllowed) {
		slog.Debug("daily batch not due", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("daily batch completed",
		"batch_id", result.BatchID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return nil
}
