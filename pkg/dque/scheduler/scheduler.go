// Package scheduler implements the periodic ticker that selects ready jobs
// and offers them to the runtime (spec §4.6).
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kodeflow/dque/pkg/dque/storage"
)

// TickInterval is the scheduler's fixed tick period (spec §4.6, §5).
const TickInterval = 200 * time.Millisecond

// Deps wires the scheduler to its collaborators.
type Deps struct {
	Store storage.Storage
	Log   zerolog.Logger
	// Offer is called once per ready job, ordered by (priority desc, nextRunAt
	// asc). It must not block for long; the runtime is responsible for
	// admission (concurrency/dependency/rate-limit checks) and may silently
	// decline an offer, per spec §4.6/§4.8.
	Offer func(j *storage.Job)
	// OnError is called when a storage query fails; the ticker continues
	// regardless (spec §4.6).
	OnError func(err error)
	Now     func() int64
}

// Scheduler runs the periodic ticker. Start/Stop are both idempotent.
type Scheduler struct {
	deps Deps

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Scheduler. Call Start to begin ticking.
func New(deps Deps) *Scheduler {
	if deps.Now == nil {
		deps.Now = storage.NowMs
	}
	return &Scheduler{deps: deps}
}

// Start begins the periodic ticker. Idempotent: a second call while already
// running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
}

// Stop cancels the ticker and waits for the run loop to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the ticker is currently active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.deps.Now()
	// Promote delayed jobs whose nextRunAt has passed to pending, so the
	// query below picks them up this tick.
	if all, aerr := s.deps.Store.GetAllJobs(ctx); aerr == nil {
		for _, j := range all {
			if j.Status != storage.StatusDelayed || j.NextRunAt > now {
				continue
			}
			j.Status = storage.StatusPending
			j.UpdatedAt = now
			if uerr := s.deps.Store.UpdateJob(ctx, j); uerr != nil {
				s.deps.Log.Warn().Err(uerr).Str("jobId", j.ID).Msg("scheduler: failed to promote delayed job")
			}
		}
	}
	jobs, err := s.deps.Store.GetPendingJobs(ctx, now)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("scheduler: GetPendingJobs failed")
		if s.deps.OnError != nil {
			s.deps.OnError(err)
		}
		return
	}
	sortReady(jobs)
	for _, j := range jobs {
		if s.deps.Offer != nil {
			s.deps.Offer(j)
		}
	}
}

// sortReady orders jobs by priority desc, then nextRunAt asc (spec §4.6,
// §4.8 "Ordering guarantees"). storage.GetPendingJobs already sorts by
// nextRunAt; this re-sort layers priority as the primary key while keeping
// the nextRunAt tie-break stable.
func sortReady(jobs []*storage.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].NextRunAt < jobs[k].NextRunAt
	})
}
