// Package dque is an embeddable, single-node durable job queue: an
// append-only crash-recoverable store, a priority/delay/dependency/
// rate-limit-aware scheduler, a child-process worker pool, retry/backoff
// with a dead-letter queue, and a repeating-job engine (spec §1-§4).
package dque

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/kodeflow/dque/pkg/dque/dlqview"
	"github.com/kodeflow/dque/pkg/dque/ratelimit"
	"github.com/kodeflow/dque/pkg/dque/repeat"
	"github.com/kodeflow/dque/pkg/dque/scheduler"
	"github.com/kodeflow/dque/pkg/dque/storage"
	"github.com/kodeflow/dque/pkg/dque/worker"
)

// Job is the public alias for the record Storage owns (spec §4.4
// "Ownership"); see storage.Job for field documentation.
type Job = storage.Job

// RepeatConfig is the public alias for a job's recurrence spec (spec §3).
type RepeatConfig = storage.RepeatConfig

// Status values, re-exported for callers that don't want to import storage
// directly.
const (
	StatusWaiting    = storage.StatusWaiting
	StatusDelayed    = storage.StatusDelayed
	StatusPending    = storage.StatusPending
	StatusProcessing = storage.StatusProcessing
	StatusCompleted  = storage.StatusCompleted
	StatusFailed     = storage.StatusFailed
	StatusStalled    = storage.StatusStalled
)

// AddOptions carries the per-job options recognised at add (spec §6 "Job
// options").
type AddOptions struct {
	JobID        string
	Priority     int
	Delay        time.Duration
	DependsOn    []string
	Repeat       *RepeatConfig
	Handler      string
}

// Stats summarises the job population by status, plus the dead-letter count
// (spec §4.8 getStats).
type Stats struct {
	Waiting    int
	Delayed    int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Stalled    int
	DeadLetter int
}

// Queue is the orchestrating runtime (spec §4.8).
type Queue struct {
	cfg Config
	log zerolog.Logger

	store storage.Storage
	dlq   *dlqview.View
	sched *scheduler.Scheduler
	pool  *worker.Pool
	rep   *repeat.Engine
	idx   *storage.SQLiteIndex

	rl rateLimiter

	ev emitter

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu              sync.Mutex
	handlerName     string
	activeJobs      map[string]struct{}
	completedJobIds map[string]struct{}
	isShuttingDown  bool
	paused          bool

	wg sync.WaitGroup
}

// rateLimiter is the minimal surface Queue needs from ratelimit.Limiter,
// kept as an interface so tests can substitute a deterministic fake without
// reaching into the concurrency/timing of the real fixed-window clock.
type rateLimiter interface {
	Consume() bool
}

// New validates cfg, opens Storage (running crash recovery for the file
// backend), and starts the scheduler and stalled-job sweeper. Jobs added
// without their own Handler dispatch only after Process has registered a
// default handler name. Call Shutdown when done.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var store storage.Storage
	switch cfg.Storage {
	case StorageFile:
		store = storage.NewFile(cfg.FilePath, log.With().Str("component", "storage").Logger())
	default:
		store = storage.NewMemory()
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("dque: initialize storage: %w", wrapStorageErr(err))
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	q := &Queue{
		cfg:             cfg,
		log:             log.With().Str("component", "dque").Logger(),
		store:           store,
		dlq:             dlqview.New(store),
		pool:            worker.NewPool(worker.Config{Command: cfg.WorkerCommand, Args: cfg.WorkerArgs, Env: cfg.WorkerEnv, Log: log}, cfg.Concurrency),
		bgCtx:           bgCtx,
		bgCancel:        bgCancel,
		activeJobs:      make(map[string]struct{}),
		completedJobIds: make(map[string]struct{}),
	}

	// Storage is the only durable record of what has already completed: a
	// freshly constructed Queue must rehydrate completedJobIds from it
	// before anything can be offered, or every job left waiting on a
	// dependency that finished in a prior process lifetime would never be
	// promoted (GetPendingJobs only ever returns status=pending).
	existing, err := store.GetAllJobs(ctx)
	if err != nil {
		bgCancel()
		return nil, fmt.Errorf("dque: load existing jobs: %w", wrapStorageErr(err))
	}
	for _, j := range existing {
		if j.Status == storage.StatusCompleted {
			q.completedJobIds[j.ID] = struct{}{}
		}
	}

	if cfg.RateLimiter != nil {
		q.rl = ratelimit.New(cfg.RateLimiter.Max, cfg.RateLimiter.Duration)
	}
	if cfg.SQLiteIndexPath != "" {
		idx, err := storage.OpenSQLiteIndex(cfg.SQLiteIndexPath)
		if err != nil {
			bgCancel()
			return nil, fmt.Errorf("dque: open sqlite index: %w", err)
		}
		q.idx = idx
	}
	q.rep = repeat.New(repeat.Deps{
		Store: store,
		Log:   q.log.With().Str("subcomponent", "repeat").Logger(),
		Mode:  cfg.RepeatMode,
		OnDue: func(j *storage.Job) {},
	})
	q.sched = scheduler.New(scheduler.Deps{
		Store:   store,
		Log:     q.log.With().Str("subcomponent", "scheduler").Logger(),
		Offer:   q.onOffer,
		OnError: q.onSchedulerError,
	})

	// A waiting job's dependency may have completed in a prior process
	// lifetime, after which nothing but promoteSatisfiedDependents ever
	// moves it to pending. Run it once against the rehydrated cache before
	// the scheduler starts so such jobs don't wait for the next live
	// completion that may never come.
	q.promoteSatisfiedDependents(ctx)

	q.sched.Start(bgCtx)
	go q.stalledSweepLoop(bgCtx)

	return q, nil
}

// Process registers the default handler name dispatched to for jobs added
// without an explicit per-job Handler (spec §4.8 admission rule 4: "processor
// is set"). cmd/dque-worker must have a handler registered under this name.
func (q *Queue) Process(handlerName string) {
	q.mu.Lock()
	q.handlerName = handlerName
	q.mu.Unlock()
}

// Subscribe returns a channel of lifecycle events (spec §6 event catalogue).
func (q *Queue) Subscribe(buffer int) <-chan Event {
	return q.ev.Subscribe(buffer)
}

// Add enqueues payload and returns its job id (spec §4.8 "On add").
func (q *Queue) Add(ctx context.Context, payload []byte, opts AddOptions) (string, error) {
	q.mu.Lock()
	shuttingDown := q.isShuttingDown
	q.mu.Unlock()
	if shuttingDown {
		return "", ErrShuttingDown
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := storage.NowMs()
	j := &Job{
		ID:          id,
		Handler:     opts.Handler,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: q.cfg.Retry.MaxAttempts,
		DependsOn:   opts.DependsOn,
		Delay:       opts.Delay.Milliseconds(),
		RepeatConfig: opts.Repeat,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	j.NextRunAt = now + j.Delay
	j.Status = storage.InitialStatus(j.Delay, j.DependsOn)

	if j.RepeatConfig != nil {
		if ok, err := repeat.Schedule(j, now); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidCron, err)
		} else if !ok {
			return "", fmt.Errorf("dque: repeat config has no eligible first occurrence")
		}
	}

	if err := q.store.AddJob(ctx, j); err != nil {
		return "", wrapStorageErr(err)
	}

	switch j.Status {
	case storage.StatusWaiting:
		q.emit(Event{Type: EventWaiting, Job: j.Clone()})
	case storage.StatusDelayed:
		q.emit(Event{Type: EventDelayed, Job: j.Clone()})
	}
	return id, nil
}

// GetJob returns a snapshot of id, or nil if not found.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return j, nil
}

// RemoveJob physically removes id from the main store.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	return wrapStorageErr(q.store.RemoveJob(ctx, id))
}

// Pause stops the scheduler; in-flight work continues (spec §4.8).
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.sched.Stop()
}

// Resume restarts the scheduler unless the queue is shutting down.
func (q *Queue) Resume() {
	q.mu.Lock()
	if q.isShuttingDown {
		q.mu.Unlock()
		return
	}
	q.paused = false
	q.mu.Unlock()
	q.sched.Start(q.bgCtx)
}

// Drain polls until no job is pending/waiting/delayed and no job is
// in-flight, then emits Drained once (spec §4.8).
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			idle, err := q.isIdle(ctx)
			if err != nil {
				return err
			}
			if idle {
				q.emit(Event{Type: EventDrained})
				return nil
			}
		}
	}
}

func (q *Queue) isIdle(ctx context.Context) (bool, error) {
	q.mu.Lock()
	active := len(q.activeJobs)
	q.mu.Unlock()
	if active > 0 {
		return false, nil
	}
	jobs, err := q.store.GetAllJobs(ctx)
	if err != nil {
		return false, wrapStorageErr(err)
	}
	for _, j := range jobs {
		switch j.Status {
		case storage.StatusPending, storage.StatusWaiting, storage.StatusDelayed:
			return false, nil
		}
	}
	return true, nil
}

// Clean physically removes completed jobs older than maxAge (spec §9 "this
// spec treats clean as physical removal").
func (q *Queue) Clean(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := q.store.GetAllJobs(ctx)
	if err != nil {
		return 0, wrapStorageErr(err)
	}
	now := storage.NowMs()
	cutoff := now - maxAge.Milliseconds()
	removed := 0
	for _, j := range jobs {
		if j.Status != storage.StatusCompleted || j.CompletedAt == nil || *j.CompletedAt > cutoff {
			continue
		}
		if err := q.store.RemoveJob(ctx, j.ID); err != nil {
			return removed, wrapStorageErr(err)
		}
		q.mu.Lock()
		delete(q.completedJobIds, j.ID)
		q.mu.Unlock()
		removed++
	}
	return removed, nil
}

// GetFailedJobs returns the dead-letter queue's contents.
func (q *Queue) GetFailedJobs(ctx context.Context) ([]*Job, error) {
	return q.dlq.List(ctx)
}

// ReprocessFailed removes id from the dead-letter queue and re-enters it
// into the pipeline with attempts reset to 0 (spec §8 scenario 3).
func (q *Queue) ReprocessFailed(ctx context.Context, id string) (bool, error) {
	reset, err := q.dlq.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if reset == nil {
		return false, nil
	}
	if err := q.store.AddJob(ctx, reset); err != nil {
		return false, wrapStorageErr(err)
	}
	return true, nil
}

// GetStats returns job counts by status plus the dead-letter count.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	jobs, err := q.store.GetAllJobs(ctx)
	if err != nil {
		return Stats{}, wrapStorageErr(err)
	}
	var s Stats
	for _, j := range jobs {
		switch j.Status {
		case storage.StatusWaiting:
			s.Waiting++
		case storage.StatusDelayed:
			s.Delayed++
		case storage.StatusPending:
			s.Pending++
		case storage.StatusProcessing:
			s.Processing++
		case storage.StatusCompleted:
			s.Completed++
		case storage.StatusFailed:
			s.Failed++
		case storage.StatusStalled:
			s.Stalled++
		}
	}
	dead, err := q.dlq.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.DeadLetter = dead
	return s, nil
}

// Shutdown is idempotent: it stops the scheduler and sweeper, cancels
// pending recurrence timers, waits for in-flight jobs to finish, terminates
// every worker, and closes storage (spec §4.8).
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.isShuttingDown {
		q.mu.Unlock()
		return nil
	}
	q.isShuttingDown = true
	q.mu.Unlock()

	q.sched.Stop()
	q.bgCancel()
	q.rep.CancelAll()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		n := len(q.activeJobs)
		q.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			q.pool.Shutdown()
			_ = q.store.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	q.wg.Wait()
	q.pool.Shutdown()
	err := wrapStorageErr(q.store.Close())
	if q.idx != nil {
		if cerr := q.idx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	q.ev.closeAll()
	return err
}

// IDsByStatus returns job ids in the given status, ordered the way the
// scheduler dispatches them (priority desc, nextRunAt asc). When a
// SQLiteIndex is configured this is served from it, as of its last rebuild;
// otherwise it falls back to scanning the authoritative store directly.
func (q *Queue) IDsByStatus(ctx context.Context, status Status) ([]string, error) {
	if q.idx != nil {
		return q.idx.IDsByStatus(ctx, status)
	}
	jobs, err := q.store.GetAllJobs(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*storage.Job
	for _, j := range jobs {
		if j.Status == status {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool {
		if matched[i].Priority != matched[k].Priority {
			return matched[i].Priority > matched[k].Priority
		}
		return matched[i].NextRunAt < matched[k].NextRunAt
	})
	ids := make([]string, len(matched))
	for i, j := range matched {
		ids[i] = j.ID
	}
	return ids, nil
}

func (q *Queue) emit(evt Event) {
	q.ev.emit(evt)
}

func (q *Queue) onSchedulerError(err error) {
	q.log.Warn().Err(err).Msg("scheduler tick failed")
	q.emit(Event{Type: EventError, Err: err})
}

// onOffer applies the admission rules of spec §4.8 and, if admitted,
// transitions the job to processing and dispatches it to a worker
// asynchronously. The scheduler calls this synchronously once per ready job
// within a tick, so the checks below are race-free with respect to other
// offers in the same tick.
func (q *Queue) onOffer(j *storage.Job) {
	q.mu.Lock()
	if q.isShuttingDown || q.paused {
		q.mu.Unlock()
		return
	}
	if len(q.activeJobs) >= q.cfg.Concurrency {
		q.mu.Unlock()
		return
	}
	if _, inFlight := q.activeJobs[j.ID]; inFlight {
		q.mu.Unlock()
		return
	}
	handler := j.Handler
	if handler == "" {
		handler = q.handlerName
	}
	if handler == "" {
		q.mu.Unlock()
		return
	}
	if !q.dependenciesSatisfiedLocked(j) {
		q.mu.Unlock()
		return
	}
	if q.rl != nil && !q.rl.Consume() {
		q.mu.Unlock()
		return
	}
	q.activeJobs[j.ID] = struct{}{}
	q.mu.Unlock()

	now := storage.NowMs()
	j.Status = storage.StatusProcessing
	j.StartedAt = ptr.Ptr(now)
	j.UpdatedAt = now

	ctx := context.Background()
	if err := q.store.UpdateJob(ctx, j); err != nil {
		q.mu.Lock()
		delete(q.activeJobs, j.ID)
		q.mu.Unlock()
		q.emit(Event{Type: EventError, Err: wrapStorageErr(err)})
		return
	}
	q.emit(Event{Type: EventActive, Job: j.Clone()})

	q.wg.Add(1)
	go q.execute(ctx, j, handler)
}

// dependenciesSatisfiedLocked must be called with q.mu held.
func (q *Queue) dependenciesSatisfiedLocked(j *storage.Job) bool {
	for _, dep := range j.DependsOn {
		if _, ok := q.completedJobIds[dep]; !ok {
			return false
		}
	}
	return true
}

func (q *Queue) execute(ctx context.Context, j *storage.Job, handler string) {
	defer q.wg.Done()

	w, err := q.pool.Acquire(ctx)
	if err != nil || w == nil {
		q.requeueAfterDispatchFailure(ctx, j, err)
		return
	}

	onProg := func(jobID string, p int) {
		progress := storage.ClampProgress(p)
		j.Progress = progress
		_ = q.store.UpdateJob(ctx, j)
		q.emit(Event{Type: EventProgress, Job: j.Clone(), Progress: progress})
	}

	val, execErr := w.Execute(ctx, j.ID, handler, j.Payload, onProg)
	if errors.Is(execErr, worker.ErrCrashed) {
		// The child process is gone; drop it from the pool so Acquire starts
		// a fresh one next time instead of handing out a dead worker (spec
		// §4.7 "the runtime treats that as a normal execution failure" for
		// the job, but the pool still needs to stop tracking the corpse).
		q.pool.Remove(w)
		execErr = fmt.Errorf("%w: %w", ErrWorkerCrashed, execErr)
	}
	q.onResult(ctx, j, val, execErr)
}

// requeueAfterDispatchFailure releases the admission slot and leaves j in
// pending so the scheduler offers it again, for the rare case a worker
// could not be acquired despite passing the concurrency check.
func (q *Queue) requeueAfterDispatchFailure(ctx context.Context, j *storage.Job, err error) {
	q.mu.Lock()
	delete(q.activeJobs, j.ID)
	q.mu.Unlock()

	j.Status = storage.StatusPending
	j.StartedAt = nil
	j.UpdatedAt = storage.NowMs()
	if updErr := q.store.UpdateJob(ctx, j); updErr != nil {
		q.emit(Event{Type: EventError, Err: wrapStorageErr(updErr)})
		return
	}
	if err != nil {
		if errors.Is(err, worker.ErrInitTimeout) {
			err = fmt.Errorf("%w: %w", ErrWorkerInitTimeout, err)
		}
		q.emit(Event{Type: EventError, Err: err})
	}
}

func (q *Queue) onResult(ctx context.Context, j *storage.Job, val []byte, execErr error) {
	q.mu.Lock()
	delete(q.activeJobs, j.ID)
	q.mu.Unlock()

	now := storage.NowMs()
	if execErr == nil {
		j.Status = storage.StatusCompleted
		j.Progress = 100
		j.Result = val
		j.Error = ""
		j.CompletedAt = ptr.Ptr(now)
		j.UpdatedAt = now
		if err := q.store.UpdateJob(ctx, j); err != nil {
			q.emit(Event{Type: EventError, Err: wrapStorageErr(err)})
			return
		}
		q.mu.Lock()
		q.completedJobIds[j.ID] = struct{}{}
		q.mu.Unlock()
		q.emit(Event{Type: EventCompleted, Job: j.Clone(), Result: val})
		q.promoteSatisfiedDependents(ctx)
		q.advanceRepeat(ctx, j)
		return
	}

	j.Attempts++
	j.Error = execErr.Error()
	if j.Attempts >= j.MaxAttempts {
		j.Status = storage.StatusFailed
		j.UpdatedAt = now
		if err := q.dlq.Add(ctx, j); err != nil {
			q.emit(Event{Type: EventError, Err: err})
			return
		}
		q.emit(Event{Type: EventFailed, Job: j.Clone(), Err: execErr})
		q.advanceRepeat(ctx, j)
		return
	}
	delay := q.cfg.Retry.Backoff.Delay(j.Attempts)
	j.NextRunAt = now + delay.Milliseconds()
	j.Status = storage.StatusPending
	j.StartedAt = nil
	j.UpdatedAt = now
	if err := q.store.UpdateJob(ctx, j); err != nil {
		q.emit(Event{Type: EventError, Err: wrapStorageErr(err)})
	}
}

func (q *Queue) advanceRepeat(ctx context.Context, j *storage.Job) {
	if j.RepeatConfig == nil {
		return
	}
	if _, err := q.rep.Advance(ctx, j); err != nil {
		q.emit(Event{Type: EventError, Err: err})
	}
}

// promoteSatisfiedDependents scans for waiting jobs whose dependency set is
// now fully completed and flips them to pending (spec §4.8 "On result ...
// scan the store for waiting jobs whose dependency set becomes satisfied").
func (q *Queue) promoteSatisfiedDependents(ctx context.Context) {
	jobs, err := q.store.GetAllJobs(ctx)
	if err != nil {
		q.emit(Event{Type: EventError, Err: wrapStorageErr(err)})
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range jobs {
		if j.Status != storage.StatusWaiting {
			continue
		}
		if !q.dependenciesSatisfiedLocked(j) {
			continue
		}
		j.Status = storage.StatusPending
		j.UpdatedAt = storage.NowMs()
		if err := q.store.UpdateJob(ctx, j); err != nil {
			q.log.Warn().Err(wrapStorageErr(err)).Str("jobId", j.ID).Msg("failed to promote waiting dependent")
		}
	}
}

func (q *Queue) stalledSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepStalled(ctx)
		}
	}
}

func (q *Queue) sweepStalled(ctx context.Context) {
	jobs, err := q.store.GetAllJobs(ctx)
	if err != nil {
		q.emit(Event{Type: EventError, Err: wrapStorageErr(err)})
		return
	}
	if q.idx != nil {
		if err := q.idx.Rebuild(ctx, jobs); err != nil {
			q.log.Warn().Err(err).Msg("failed to rebuild sqlite index")
		}
	}
	now := storage.NowMs()
	threshold := q.cfg.StalledInterval.Milliseconds()
	for _, j := range jobs {
		if j.Status != storage.StatusProcessing || j.StartedAt == nil {
			continue
		}
		if now-*j.StartedAt <= threshold {
			continue
		}
		j.Status = storage.StatusStalled
		j.UpdatedAt = now
		if err := q.store.UpdateJob(ctx, j); err != nil {
			q.emit(Event{Type: EventError, Err: wrapStorageErr(err)})
			continue
		}
		q.emit(Event{Type: EventStalled, Job: j.Clone()})
	}
}
