// Package scheduler owns the two kinds of execution: periodic
// maintenance entries on cron triggers, and ad-hoc "run now" jobs
// dispatched to the worker pool. It is an explicit instance owned by
// the composition root; Start and Stop are its only lifecycle hooks.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"socialsync/internal/models"
	"socialsync/internal/telemetry"
)

// ErrUnknownEntry is returned for manual controls on an unregistered id.
var ErrUnknownEntry = errors.New("unknown scheduler entry")

// JobStore is the slice of persistence the dispatcher needs.
type JobStore interface {
	CreateJob(ctx context.Context, owner, jobType string) (models.Job, error)
	MarkJobFailed(ctx context.Context, id, message string, details json.RawMessage) error
}

// Executor runs one job record to a terminal state.
type Executor interface {
	Execute(ctx context.Context, jobID string)
}

// Submitter hands work to the bounded pool.
type Submitter interface {
	Submit(jobID string, run func(ctx context.Context)) error
}

// entry is one registered periodic job. running enforces
// max_instances=1: a tick that fires mid-run is skipped, not stacked.
type entry struct {
	id       string
	name     string
	spec     string
	fn       func(ctx context.Context) error
	running  atomic.Bool
	paused   atomic.Bool
	cronID   cron.EntryID
}

// EntryStatus is the externally visible state of a periodic entry.
type EntryStatus struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Spec    string     `json:"spec"`
	Paused  bool       `json:"paused"`
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// Scheduler drives periodic entries and ad-hoc job dispatch.
type Scheduler struct {
	jobs   JobStore
	exec   Executor
	pool   Submitter
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	manual sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

func New(jobs JobStore, exec Executor, pool Submitter, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:    jobs,
		exec:    exec,
		pool:    pool,
		cron:    cron.New(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Start begins firing periodic triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.entries))
}

// Stop halts triggers and waits for any tick already executing,
// including runs started out of band via TriggerNow.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.manual.Wait()
	s.logger.Info("scheduler stopped")
}

// RegisterPeriodic adds a periodic entry under a stable id. The spec is
// a cron expression or an @every interval. Re-registering an id
// replaces the previous trigger.
func (s *Scheduler) RegisterPeriodic(id, name, spec string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old.cronID)
	}
	e := &entry{id: id, name: name, spec: spec, fn: fn}
	cronID, err := s.cron.AddFunc(spec, func() { s.runEntry(e) })
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	e.cronID = cronID
	s.entries[id] = e
	return nil
}

func (s *Scheduler) runEntry(e *entry) {
	if e.paused.Load() {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		telemetry.TicksSkipped.Inc()
		s.logger.Warn("skipping tick, previous run still in progress", "entry", e.id)
		return
	}
	defer e.running.Store(false)

	start := time.Now()
	if err := e.fn(s.ctx); err != nil {
		s.logger.Error("periodic entry failed", "entry", e.id, "error", err)
		return
	}
	s.logger.Info("periodic entry finished", "entry", e.id, "elapsed", time.Since(start))
}

// Dispatch creates a pending job record and hands it to a worker. It
// returns the record immediately; callers poll for the outcome. When
// the pool is saturated the record is settled as failed and
// worker.ErrQueueFull is returned so the trigger surface can shed load.
func (s *Scheduler) Dispatch(ctx context.Context, owner, jobType string) (models.Job, error) {
	job, err := s.jobs.CreateJob(ctx, owner, jobType)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsCreated.Inc()

	id := job.ID
	if err := s.pool.Submit(id, func(workerCtx context.Context) {
		s.exec.Execute(workerCtx, id)
	}); err != nil {
		telemetry.JobsRejected.Inc()
		if markErr := s.jobs.MarkJobFailed(ctx, id, "worker queue saturated, try again later", nil); markErr != nil {
			s.logger.Error("could not settle shed job", "job_id", id, "error", markErr)
		}
		return job, fmt.Errorf("dispatch job %s: %w", id, err)
	}
	return job, nil
}

// TriggerNow fires a periodic entry out of band. The max_instances=1
// guard still applies; triggering a running entry is a no-op success.
func (s *Scheduler) TriggerNow(id string) error {
	e, ok := s.entry(id)
	if !ok {
		return ErrUnknownEntry
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		s.runEntry(e)
	}()
	return nil
}

// Pause suspends a periodic entry. Pausing an already-paused entry is a
// no-op success.
func (s *Scheduler) Pause(id string) error {
	e, ok := s.entry(id)
	if !ok {
		return ErrUnknownEntry
	}
	e.paused.Store(true)
	return nil
}

// Resume lifts a pause. Idempotent like Pause.
func (s *Scheduler) Resume(id string) error {
	e, ok := s.entry(id)
	if !ok {
		return ErrUnknownEntry
	}
	e.paused.Store(false)
	return nil
}

// Entries reports every registered periodic entry.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := EntryStatus{
			ID:      e.id,
			Name:    e.name,
			Spec:    e.spec,
			Paused:  e.paused.Load(),
			Running: e.running.Load(),
		}
		if ce := s.cron.Entry(e.cronID); ce.ID == e.cronID && !ce.Next.IsZero() {
			next := ce.Next
			st.NextRun = &next
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) entry(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}
