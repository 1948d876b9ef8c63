// Package executor runs background maintenance jobs (lot expiry sweeps,
// scheduled reconciliation) under a concurrency cap.
//
// The executor:
//  1. Refuses a job when every slot is taken or the same job is still running
//  2. Runs each job with its own timeout
//  3. Recovers panics so one broken job never takes the daemon down
//  4. Counts outcomes for Stats and Prometheus
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/infra/observability"
)

// ErrAtCapacity is returned by Submit when no slot is free.
var ErrAtCapacity = errors.New("executor at capacity")

// ErrAlreadyRunning is returned by Submit when a job with the same name has
// not finished yet.
var ErrAlreadyRunning = errors.New("job already running")

// Job is one unit of maintenance work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// JobFunc adapts a function into a Job.
func JobFunc(name string, fn func(context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Config controls executor behavior.
type Config struct {
	MaxConcurrent  int           // Maximum concurrent jobs (default: 2)
	DefaultTimeout time.Duration // Per-run timeout (default: 2m)
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  2,
		DefaultTimeout: 2 * time.Minute,
	}
}

// Executor manages job execution.
type Executor struct {
	mu        sync.RWMutex
	config    Config
	logger    *zap.Logger
	sem       chan struct{}
	running   map[string]bool
	wg        sync.WaitGroup
	active    int
	completed int64
	failed    int64
}

// New creates an executor. A nil logger discards output.
func New(cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		config:  cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		running: make(map[string]bool),
	}
}

// Submit starts job in the background and returns immediately.
func (e *Executor) Submit(ctx context.Context, job Job) error {
	if err := e.acquire(job.Name()); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, job)
	}()
	return nil
}

// RunNow runs job on the caller's goroutine under the same slot and timeout
// rules as Submit, and returns the job's error.
func (e *Executor) RunNow(ctx context.Context, job Job) error {
	if err := e.acquire(job.Name()); err != nil {
		return err
	}
	return e.execute(ctx, job)
}

// Every submits job immediately and then once per interval until ctx is
// done. Ticks that find the job still running are skipped.
func (e *Executor) Every(ctx context.Context, interval time.Duration, job Job) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := e.Submit(ctx, job); err != nil {
				observability.JobRuns.WithLabelValues(job.Name(), "skipped").Inc()
				e.logger.Debug("scheduled job skipped", zap.String("job", job.Name()), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Wait blocks until every submitted job and schedule loop has returned.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) acquire(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[name] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	select {
	case e.sem <- struct{}{}:
	default:
		return fmt.Errorf("%w (%d concurrent jobs)", ErrAtCapacity, e.config.MaxConcurrent)
	}
	e.running[name] = true
	e.active++
	return nil
}

func (e *Executor) release(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, name)
	e.active--
	if err != nil {
		e.failed++
	} else {
		e.completed++
	}
	<-e.sem
}

// execute runs one job with a timeout. The slot is already held.
func (e *Executor) execute(ctx context.Context, job Job) (err error) {
	name := job.Name()
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		e.release(name, err)
		if err != nil {
			observability.JobRuns.WithLabelValues(name, "failed").Inc()
			e.logger.Error("job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
			return
		}
		observability.JobRuns.WithLabelValues(name, "ok").Inc()
		e.logger.Debug("job completed", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}()

	return job.Run(execCtx)
}

// Stats returns executor statistics.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Active:    e.active,
		Completed: e.completed,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}

// ActiveCount returns the number of currently running jobs.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
