package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolExecutesSubmittedWork(t *testing.T) {
	p := NewPool(Config{Workers: 2, QueueSize: 8}, testLogger())
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		if err := p.Submit("job", func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if got := ran.Load(); got != 5 {
		t.Fatalf("executed %d tasks, want 5", got)
	}
}

func TestSubmitRejectsWhenSaturated(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, testLogger())
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit("blocker", func(context.Context) {
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started

	// worker is pinned; this one fills the queue
	if err := p.Submit("queued", func(context.Context) {}); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	if err := p.Submit("overflow", func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
	}
	close(block)
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, testLogger())
	p.Start()
	p.Stop()

	err := p.Submit("late", func(context.Context) {})
	if err == nil || errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit after Stop = %v, want pool-stopped error", err)
	}
}

func TestStopCancelsWorkerContext(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, testLogger())
	p.Start()

	started := make(chan struct{})
	done := make(chan struct{})
	if err := p.Submit("long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(done)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	go p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker context not cancelled on Stop")
	}
}
