// Package repeat computes and arms the next occurrence of a repeating job
// (spec §4.9).
package repeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/kodeflow/dque/pkg/dque/cronexpr"
	"github.com/kodeflow/dque/pkg/dque/storage"
)

// Mode selects how the engine carries a job's "next occurrence" forward.
type Mode int

const (
	// ModePersisted persists the next occurrence as an ordinary delayed job
	// (spec §9 design note: robust across restarts, no in-memory timer to
	// lose). This is the default.
	ModePersisted Mode = iota
	// ModeTimer arms a single in-process time.AfterFunc per recurrence.
	// Lower latency for sub-second intervals, but recurrences are lost on
	// process restart unless re-armed by the caller.
	ModeTimer
)

// Deps wires the engine to its collaborators.
type Deps struct {
	Store storage.Storage
	Log   zerolog.Logger
	Mode  Mode
	Now   func() int64
	// OnDue is invoked (ModeTimer only) when an armed occurrence fires,
	// after it has already been persisted via Store.AddJob.
	OnDue func(j *storage.Job)
}

// Engine computes and arms successive occurrences of repeating jobs.
type Engine struct {
	deps Deps

	mu     sync.Mutex
	timers map[string]*time.Timer // jobID -> pending timer, ModeTimer only
}

// New creates a repeat Engine.
func New(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = storage.NowMs
	}
	return &Engine{deps: deps, timers: make(map[string]*time.Timer)}
}

// NextOccurrence computes the next instant a repeating job with cfg should
// run at or after from, per spec §4.9: cron pattern takes precedence over a
// fixed interval, the result is clamped into [startDate, endDate], and a
// limit already reached stops the recurrence. ok is false if the recurrence
// has ended.
func NextOccurrence(cfg *storage.RepeatConfig, from int64, repeatCount int) (next int64, ok bool, err error) {
	if cfg == nil {
		return 0, false, nil
	}
	if cfg.Limit > 0 && repeatCount >= cfg.Limit {
		return 0, false, nil
	}

	if cfg.Pattern != "" {
		sched, perr := cronexpr.Parse(cfg.Pattern)
		if perr != nil {
			return 0, false, perr
		}
		next = sched.Next(time.UnixMilli(from)).UnixMilli()
	} else if cfg.EveryMs > 0 {
		next = from + cfg.EveryMs
	} else {
		return 0, false, nil
	}

	if cfg.StartDate != nil && next < *cfg.StartDate {
		next = *cfg.StartDate
	}
	if cfg.EndDate != nil && next > *cfg.EndDate {
		return 0, false, nil
	}
	return next, true, nil
}

// Schedule sets j.NextRunAt to the first occurrence for a freshly added job
// carrying a RepeatConfig. Callers should call this before the initial
// Storage.AddJob (spec §4.8 "On add ... if repeatConfig is present, arm the
// recurrence").
func Schedule(j *storage.Job, now int64) (bool, error) {
	next, ok, err := NextOccurrence(j.RepeatConfig, now, j.RepeatCount)
	if err != nil || !ok {
		return false, err
	}
	j.NextRunAt = next
	j.Delay = 0
	if next > now {
		j.Status = storage.StatusDelayed
	} else if len(j.DependsOn) > 0 {
		j.Status = storage.StatusWaiting
	} else {
		j.Status = storage.StatusPending
	}
	return true, nil
}

// Advance is called once a repeating job instance reaches a terminal state
// (completed or failed-to-DLQ). It computes the following occurrence, clones
// done into a fresh instance (fresh id, attempts=0, repeatCount+=1,
// result/error/timestamps reset; status delayed while the next occurrence
// lies in the future, else waiting or pending), and either persists it
// immediately (ModePersisted) or arms an in-process timer for it (ModeTimer).
// Returns nil, nil if the recurrence has ended.
func (e *Engine) Advance(ctx context.Context, done *storage.Job) (*storage.Job, error) {
	if done.RepeatConfig == nil {
		return nil, nil
	}
	now := e.deps.Now()
	next, ok, err := NextOccurrence(done.RepeatConfig, now, done.RepeatCount)
	if err != nil {
		e.deps.Log.Warn().Err(err).Str("jobId", done.ID).Msg("repeat: failed to compute next occurrence")
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	clone := done.Clone()
	clone.ID = xid.New().String()
	clone.Attempts = 0
	clone.Progress = 0
	clone.RepeatCount = done.RepeatCount + 1
	clone.Result = nil
	clone.Error = ""
	clone.StartedAt = nil
	clone.CompletedAt = nil
	clone.NextRunAt = next
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if next > now {
		clone.Status = storage.StatusDelayed
	} else if len(clone.DependsOn) > 0 {
		clone.Status = storage.StatusWaiting
	} else {
		clone.Status = storage.StatusPending
	}

	switch e.deps.Mode {
	case ModeTimer:
		e.arm(ctx, clone)
		return clone, nil
	default:
		if err := e.deps.Store.AddJob(ctx, clone); err != nil {
			return nil, err
		}
		return clone, nil
	}
}

// arm schedules an in-process timer (ModeTimer) that persists j when it
// fires. Timers are tracked so CancelAll can stop them on shutdown.
func (e *Engine) arm(ctx context.Context, j *storage.Job) {
	delay := time.Duration(j.NextRunAt-e.deps.Now()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, func() {
		if err := e.deps.Store.AddJob(ctx, j); err != nil {
			e.deps.Log.Warn().Err(err).Str("jobId", j.ID).Msg("repeat: failed to persist armed occurrence")
			return
		}
		e.mu.Lock()
		delete(e.timers, j.ID)
		e.mu.Unlock()
		if e.deps.OnDue != nil {
			e.deps.OnDue(j)
		}
	})
	e.mu.Lock()
	e.timers[j.ID] = t
	e.mu.Unlock()
}

// CancelAll stops every pending ModeTimer timer (spec §4.8 shutdown:
// "cancel pending recurrence timers").
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
