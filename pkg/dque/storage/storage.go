// Package storage implements the durable job log (spec §4.4): an in-memory
// backend and an append-only file backend with crash recovery, plus an
// optional SQLite secondary index for read-heavy deployments.
//
// Storage owns the authoritative Job record (spec §4.4 "Ownership"), so the
// Job type itself is defined here rather than in the top-level dque package;
// dque aliases it for its public API.
package storage

import (
	"context"
	"errors"
)

// Errors surfaced by every backend, per spec §7.
var (
	ErrNotFound = errors.New("dque/storage: job not found")
	ErrExists   = errors.New("dque/storage: job already exists")
	ErrClosed   = errors.New("dque/storage: storage closed")
	ErrIO       = errors.New("dque/storage: I/O error")
)

// Storage is the contract both backends implement (spec §4.4 table).
type Storage interface {
	// Initialize opens the backend and performs crash recovery if applicable.
	Initialize(ctx context.Context) error
	// AddJob inserts j. Fails with ErrExists if j.ID is already present.
	AddJob(ctx context.Context, j *Job) error
	// UpdateJob replaces the stored record for j.ID. Fails with ErrNotFound
	// if absent.
	UpdateJob(ctx context.Context, j *Job) error
	// GetJob returns a defensive copy, or (nil, nil) if absent.
	GetJob(ctx context.Context, id string) (*Job, error)
	// GetAllJobs returns a snapshot of the main store.
	GetAllJobs(ctx context.Context) ([]*Job, error)
	// GetPendingJobs returns main-store jobs with status=pending and
	// nextRunAt <= nowMs, ordered by ascending nextRunAt.
	GetPendingJobs(ctx context.Context, nowMs int64) ([]*Job, error)
	// MoveToDeadLetter atomically removes j from the main store and inserts
	// it into the DLQ store.
	MoveToDeadLetter(ctx context.Context, j *Job) error
	// GetFailedJobs returns a snapshot of the DLQ store.
	GetFailedJobs(ctx context.Context) ([]*Job, error)
	// RemoveFromDeadLetter removes id from the DLQ store.
	RemoveFromDeadLetter(ctx context.Context, id string) error
	// RemoveJob physically removes id from the main store (used by Clean).
	RemoveJob(ctx context.Context, id string) error
	// Close flushes and releases resources. Idempotent.
	Close() error
}
