// Package dlqview is a thin projection over storage.Storage for dead-letter
// read, remove, and reset-for-reprocess operations (spec §4.5).
package dlqview

import (
	"context"

	"github.com/kodeflow/dque/pkg/dque/storage"
)

// View wraps a Storage to expose the dead-letter operations.
type View struct {
	store storage.Storage
	now   func() int64
}

// New creates a dead-letter view over store.
func New(store storage.Storage) *View {
	return &View{store: store, now: storage.NowMs}
}

// Add moves a failed job into the dead-letter store.
func (v *View) Add(ctx context.Context, j *storage.Job) error {
	return v.store.MoveToDeadLetter(ctx, j)
}

// List returns a snapshot of the dead-letter store.
func (v *View) List(ctx context.Context) ([]*storage.Job, error) {
	return v.store.GetFailedJobs(ctx)
}

// Count returns the number of dead-lettered jobs.
func (v *View) Count(ctx context.Context) (int, error) {
	jobs, err := v.store.GetFailedJobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Remove removes id from the dead-letter store and returns a reset copy
// ready for re-enqueue: attempts=0, status=pending, nextRunAt=now,
// progress=0, timestamps cleared (spec §4.5).
func (v *View) Remove(ctx context.Context, id string) (*storage.Job, error) {
	jobs, err := v.store.GetFailedJobs(ctx)
	if err != nil {
		return nil, err
	}
	var found *storage.Job
	for _, j := range jobs {
		if j.ID == id {
			found = j
			break
		}
	}
	if found == nil {
		return nil, nil
	}
	if err := v.store.RemoveFromDeadLetter(ctx, id); err != nil {
		return nil, err
	}

	reset := found.Clone()
	reset.Attempts = 0
	reset.Status = storage.StatusPending
	reset.NextRunAt = v.now()
	reset.Progress = 0
	reset.StartedAt = nil
	reset.CompletedAt = nil
	reset.Result = nil
	reset.Error = ""
	reset.UpdatedAt = v.now()
	return reset, nil
}

// Clear removes every job currently in the dead-letter store.
func (v *View) Clear(ctx context.Context) error {
	jobs, err := v.store.GetFailedJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := v.store.RemoveFromDeadLetter(ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}
