package storage

import (
	"context"
	"testing"
)

func TestMemoryAddGetUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	j := &Job{ID: "a", Status: StatusPending, NextRunAt: 100}
	if err := m.AddJob(ctx, j); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := m.AddJob(ctx, j); err != ErrExists {
		t.Fatalf("AddJob duplicate = %v, want ErrExists", err)
	}

	got, err := m.GetJob(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v, %v", got, err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}

	got.Status = StatusCompleted
	if err := m.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	again, _ := m.GetJob(ctx, "a")
	if again.Status != StatusCompleted {
		t.Errorf("after update status = %v, want completed", again.Status)
	}

	if err := m.UpdateJob(ctx, &Job{ID: "missing"}); err != ErrNotFound {
		t.Fatalf("UpdateJob missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryGetJobIsDefensiveCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Initialize(ctx)
	_ = m.AddJob(ctx, &Job{ID: "a", DependsOn: []string{"x"}})

	got, _ := m.GetJob(ctx, "a")
	got.DependsOn[0] = "mutated"

	again, _ := m.GetJob(ctx, "a")
	if again.DependsOn[0] != "x" {
		t.Errorf("mutation leaked into storage: %v", again.DependsOn)
	}
}

func TestMemoryGetPendingJobsOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Initialize(ctx)
	_ = m.AddJob(ctx, &Job{ID: "late", Status: StatusPending, NextRunAt: 300})
	_ = m.AddJob(ctx, &Job{ID: "early", Status: StatusPending, NextRunAt: 100})
	_ = m.AddJob(ctx, &Job{ID: "mid", Status: StatusPending, NextRunAt: 200})
	_ = m.AddJob(ctx, &Job{ID: "future", Status: StatusPending, NextRunAt: 9999})
	_ = m.AddJob(ctx, &Job{ID: "done", Status: StatusCompleted, NextRunAt: 50})

	pending, err := m.GetPendingJobs(ctx, 250)
	if err != nil {
		t.Fatalf("GetPendingJobs: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	if pending[0].ID != "early" || pending[1].ID != "mid" || pending[2].ID != "late" {
		t.Errorf("order = %v, %v, %v", pending[0].ID, pending[1].ID, pending[2].ID)
	}
}

func TestMemoryMoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Initialize(ctx)
	j := &Job{ID: "a", Status: StatusFailed}
	_ = m.AddJob(ctx, j)

	if err := m.MoveToDeadLetter(ctx, j); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if got, _ := m.GetJob(ctx, "a"); got != nil {
		t.Errorf("GetJob after move = %v, want nil", got)
	}
	failed, _ := m.GetFailedJobs(ctx)
	if len(failed) != 1 || failed[0].ID != "a" {
		t.Errorf("GetFailedJobs = %v", failed)
	}

	if err := m.RemoveFromDeadLetter(ctx, "a"); err != nil {
		t.Fatalf("RemoveFromDeadLetter: %v", err)
	}
	failed, _ = m.GetFailedJobs(ctx)
	if len(failed) != 0 {
		t.Errorf("GetFailedJobs after remove = %v, want empty", failed)
	}
}

func TestMemoryClosedRejectsOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Initialize(ctx)
	_ = m.Close()
	if err := m.AddJob(ctx, &Job{ID: "a"}); err != ErrClosed {
		t.Errorf("AddJob after close = %v, want ErrClosed", err)
	}
}
