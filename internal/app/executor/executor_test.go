package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// blockingJob runs until release is closed.
type blockingJob struct {
	name    string
	started chan struct{}
	release chan struct{}
}

func newBlockingJob(name string) *blockingJob {
	return &blockingJob{name: name, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingJob) Name() string { return b.name }

func (b *blockingJob) Run(ctx context.Context) error {
	close(b.started)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.DefaultTimeout = 2 * time.Second
	return New(cfg, nil)
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.MaxConcurrent)
	}
	if cfg.DefaultTimeout != 2*time.Minute {
		t.Errorf("DefaultTimeout = %v, want 2m", cfg.DefaultTimeout)
	}
	if e := New(Config{}, nil); e.Stats().MaxSlots != 2 {
		t.Errorf("zero config MaxSlots = %d, want default 2", e.Stats().MaxSlots)
	}
}

// ─── Executor Tests ─────────────────────────────────────────────────────────

func TestRunNow(t *testing.T) {
	e := newTestExecutor(t)
	var ran int32
	err := e.RunNow(context.Background(), JobFunc("expire_lots", func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("RunNow() error: %v", err)
	}
	stats := e.Stats()
	if ran != 1 || stats.Completed != 1 || stats.Failed != 0 || stats.Active != 0 {
		t.Errorf("ran=%d stats=%+v", ran, stats)
	}
}

func TestRunNow_ErrorAndPanicCountAsFailed(t *testing.T) {
	e := newTestExecutor(t)
	boom := errors.New("database is locked")

	if err := e.RunNow(context.Background(), JobFunc("a", func(context.Context) error { return boom })); !errors.Is(err, boom) {
		t.Errorf("RunNow() = %v, want %v", err, boom)
	}
	if err := e.RunNow(context.Background(), JobFunc("b", func(context.Context) error { panic("nil map") })); err == nil {
		t.Error("panicking job reported success")
	}
	stats := e.Stats()
	if stats.Failed != 2 || stats.FreeSlots != 2 {
		t.Errorf("stats = %+v, want 2 failed and every slot free", stats)
	}
}

func TestRunNow_Timeout(t *testing.T) {
	e := New(Config{MaxConcurrent: 1, DefaultTimeout: 20 * time.Millisecond}, nil)
	job := newBlockingJob("slow")
	if err := e.RunNow(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunNow() = %v, want deadline exceeded", err)
	}
}

func TestSubmit_RejectsDuplicateName(t *testing.T) {
	e := newTestExecutor(t)
	job := newBlockingJob("reconcile")
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	<-job.started

	if err := e.Submit(context.Background(), newBlockingJob("reconcile")); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Submit() = %v, want ErrAlreadyRunning", err)
	}
	close(job.release)
	e.Wait()
	if e.Stats().Completed != 1 {
		t.Errorf("Completed = %d, want 1", e.Stats().Completed)
	}
}

func TestSubmit_ConcurrencyLimit(t *testing.T) {
	e := newTestExecutor(t) // MaxConcurrent = 2
	var jobs []*blockingJob
	for i := 0; i < 2; i++ {
		j := newBlockingJob(fmt.Sprintf("job-%d", i))
		if err := e.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
		jobs = append(jobs, j)
	}
	for _, j := range jobs {
		<-j.started
	}
	if e.ActiveCount() != 2 {
		t.Errorf("ActiveCount = %d, want 2", e.ActiveCount())
	}

	if err := e.Submit(context.Background(), newBlockingJob("overflow")); !errors.Is(err, ErrAtCapacity) {
		t.Errorf("Submit() = %v, want ErrAtCapacity", err)
	}
	for _, j := range jobs {
		close(j.release)
	}
	e.Wait()
	if e.Stats().FreeSlots != 2 {
		t.Errorf("FreeSlots = %d, want 2", e.Stats().FreeSlots)
	}
}

func TestEvery(t *testing.T) {
	e := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())

	var runs int32
	done := make(chan struct{})
	e.Every(ctx, 5*time.Millisecond, JobFunc("tick", func(context.Context) error {
		if atomic.AddInt32(&runs, 1) == 3 {
			close(done)
		}
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job did not run three times")
	}
	cancel()
	e.Wait()

	e.Every(context.Background(), 0, JobFunc("never", func(context.Context) error {
		t.Error("zero interval scheduled a job")
		return nil
	}))
}
