package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"socialsync/internal/models"
	"socialsync/internal/store"
	"socialsync/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingExecutor notes which jobs it was asked to run.
type recordingExecutor struct {
	calls atomic.Int32
	last  atomic.Value // string job id
}

func (e *recordingExecutor) Execute(_ context.Context, jobID string) {
	e.calls.Add(1)
	e.last.Store(jobID)
}

// inlineSubmitter runs submissions synchronously, or rejects everything.
type inlineSubmitter struct {
	reject bool
}

func (s *inlineSubmitter) Submit(_ string, run func(ctx context.Context)) error {
	if s.reject {
		return worker.ErrQueueFull
	}
	run(context.Background())
	return nil
}

func TestDispatchRunsJob(t *testing.T) {
	mem := store.NewMemory()
	exec := &recordingExecutor{}
	s := New(mem, exec, &inlineSubmitter{}, testLogger())

	job, err := s.Dispatch(context.Background(), "loc_1", models.TypeSyncPosts)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if exec.calls.Load() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.calls.Load())
	}
	if got := exec.last.Load().(string); got != job.ID {
		t.Fatalf("executor ran %q, want %q", got, job.ID)
	}
}

func TestDispatchShedsLoadWhenPoolFull(t *testing.T) {
	mem := store.NewMemory()
	exec := &recordingExecutor{}
	s := New(mem, exec, &inlineSubmitter{reject: true}, testLogger())

	job, err := s.Dispatch(context.Background(), "loc_1", models.TypeSyncPosts)
	if !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("Dispatch on full pool = %v, want ErrQueueFull", err)
	}
	if exec.calls.Load() != 0 {
		t.Fatal("executor ran a shed job")
	}

	// the record must be settled, not left pending forever
	final, getErr := mem.GetJob(context.Background(), job.ID)
	if getErr != nil {
		t.Fatalf("GetJob: %v", getErr)
	}
	if final.Status != models.StatusFailed {
		t.Fatalf("shed job status = %q, want failed", final.Status)
	}
}

func TestTriggerNowRespectsSingleInstance(t *testing.T) {
	s := New(store.NewMemory(), &recordingExecutor{}, &inlineSubmitter{}, testLogger())

	var runs atomic.Int32
	block := make(chan struct{})
	started := make(chan struct{})
	err := s.RegisterPeriodic("slow", "Slow entry", "@every 1h", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	if err := s.TriggerNow("slow"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	<-started

	// second trigger while the first still runs must be skipped
	if err := s.TriggerNow("slow"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)

	if got := runs.Load(); got != 1 {
		t.Fatalf("entry ran %d times, want 1", got)
	}
}

func TestPauseSuppressesRuns(t *testing.T) {
	s := New(store.NewMemory(), &recordingExecutor{}, &inlineSubmitter{}, testLogger())

	var runs atomic.Int32
	if err := s.RegisterPeriodic("tick", "Tick", "@every 1h", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	if err := s.Pause("tick"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Pause("tick"); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if err := s.TriggerNow("tick"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("paused entry ran")
	}

	if err := s.Resume("tick"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := s.TriggerNow("tick"); err != nil {
		t.Fatalf("TriggerNow after resume: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() != 1 {
		t.Fatalf("resumed entry ran %d times, want 1", runs.Load())
	}
}

func TestStopWaitsForManualTrigger(t *testing.T) {
	s := New(store.NewMemory(), &recordingExecutor{}, &inlineSubmitter{}, testLogger())

	started := make(chan struct{})
	release := make(chan struct{})
	if err := s.RegisterPeriodic("slow", "Slow entry", "@every 1h", func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}
	s.Start()

	if err := s.TriggerNow("slow"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a manually triggered run was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the manual run finished")
	}
}

func TestUnknownEntryControls(t *testing.T) {
	s := New(store.NewMemory(), &recordingExecutor{}, &inlineSubmitter{}, testLogger())

	for _, fn := range []func(string) error{s.TriggerNow, s.Pause, s.Resume} {
		if err := fn("ghost"); !errors.Is(err, ErrUnknownEntry) {
			t.Fatalf("control on unknown entry = %v, want ErrUnknownEntry", err)
		}
	}
}

func TestEntriesReporting(t *testing.T) {
	s := New(store.NewMemory(), &recordingExecutor{}, &inlineSubmitter{}, testLogger())
	if err := s.RegisterPeriodic("a", "Entry A", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}
	if err := s.Pause("a"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("Entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != "a" || e.Name != "Entry A" || e.Spec != "@every 1h" || !e.Paused {
		t.Fatalf("entry status = %+v", e)
	}
}
