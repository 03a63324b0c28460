package dque

import (
	"errors"
	"fmt"

	"github.com/kodeflow/dque/pkg/dque/storage"
)

// Error sentinels for the catalogue in spec §7. Wrap with fmt.Errorf("...: %w")
// and compare with errors.Is rather than matching on error strings.
var (
	// ErrConfigInvalid is returned by New when Config fails validation.
	ErrConfigInvalid = errors.New("dque: invalid config")
	// ErrStorageNotFound wraps storage.ErrNotFound at the package boundary, so
	// callers can errors.Is against a dque-level sentinel without importing
	// the storage package directly.
	ErrStorageNotFound = errors.New("dque: job not found in storage")
	// ErrStorageIO wraps storage.ErrIO, the underlying I/O failures surfaced
	// by the file backend.
	ErrStorageIO = errors.New("dque: storage I/O error")
	// ErrStorageClosed wraps storage.ErrClosed, returned by any storage
	// operation attempted after Close.
	ErrStorageClosed = errors.New("dque: storage closed")
	// ErrJobExists wraps storage.ErrExists, returned by Add when the
	// requested job id is already present.
	ErrJobExists = errors.New("dque: job id already exists")
	// ErrInvalidCron is returned when a recurrence's cron pattern is malformed.
	ErrInvalidCron = errors.New("dque: invalid cron pattern")
	// ErrWorkerInitTimeout wraps worker.ErrInitTimeout, surfaced as a
	// dispatch failure when a child process does not report ready in time.
	ErrWorkerInitTimeout = errors.New("dque: worker init timeout")
	// ErrWorkerCrashed wraps worker.ErrCrashed, surfaced as an execution
	// failure when a child process exits while a job is in flight.
	ErrWorkerCrashed = errors.New("dque: worker crashed")
	// ErrShuttingDown is returned by Add once shutdown has begun.
	ErrShuttingDown = errors.New("dque: queue is shutting down")
)

// wrapStorageErr maps a raw storage.Storage error onto the package's public
// sentinel so callers can errors.Is against ErrJobExists/ErrStorageNotFound/
// ErrStorageClosed/ErrStorageIO without reaching into pkg/dque/storage. The
// original error stays in the chain, so errors.Is(err, storage.ErrNotFound)
// still works too. Non-matching and nil errors pass through unchanged.
func wrapStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %w", ErrJobExists, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrStorageNotFound, err)
	case errors.Is(err, storage.ErrClosed):
		return fmt.Errorf("%w: %w", ErrStorageClosed, err)
	case errors.Is(err, storage.ErrIO):
		return fmt.Errorf("%w: %w", ErrStorageIO, err)
	default:
		return err
	}
}

// ProcessorError wraps a user processor's failure message (spec §7:
// "ProcessorError — user code threw; message captured into job.error").
type ProcessorError struct {
	Err error
}

func (e *ProcessorError) Error() string {
	if e == nil || e.Err == nil {
		return "processor error"
	}
	return e.Err.Error()
}

func (e *ProcessorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProcessorError builds a ProcessorError from a plain message.
func NewProcessorError(msg string) *ProcessorError {
	return &ProcessorError{Err: fmt.Errorf("%s", msg)}
}

// IsProcessorError reports whether err is (or wraps) a ProcessorError.
func IsProcessorError(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}
