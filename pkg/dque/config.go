package dque

import (
	"fmt"
	"strings"
	"time"

	"github.com/kodeflow/dque/pkg/dque/backoff"
	"github.com/kodeflow/dque/pkg/dque/repeat"
)

// StorageKind selects a Storage backend (spec §6).
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageFile   StorageKind = "file"
)

// DefaultStalledInterval is the default stalled-sweeper period (spec §6).
const DefaultStalledInterval = 30 * time.Second

// RetryConfig configures the retry ceiling and backoff curve (spec §6
// `retry.maxAttempts`, `retry.backoff.*`).
type RetryConfig struct {
	MaxAttempts int
	Backoff     backoff.Config
}

// RateLimiterConfig configures the fixed-window admission limiter (spec §6
// `rateLimiter.max`, `rateLimiter.duration`). Nil disables rate limiting.
type RateLimiterConfig struct {
	Max      int
	Duration time.Duration
}

// WebhookConfig is the external adapter contract from spec §6: the core
// never dials out itself, it only carries this configuration through so an
// out-of-process forwarder can subscribe and deliver.
type WebhookConfig struct {
	URL     string
	Events  []EventType
	Headers map[string]string
}

// Config is the exhaustive set of options recognised by New (spec §6).
// WorkerCommand/WorkerArgs/WorkerEnv tell the runtime how to fork the child
// binary hosting the named-handler registry it dispatches jobs to. Loading
// Config from a file/CLI is explicitly out of scope (spec §1 Non-goals) —
// callers construct it directly or via their own loader (cmd/dque-demo uses
// yaml.v3/json5).
type Config struct {
	Storage  StorageKind
	FilePath string

	Concurrency int
	Retry       RetryConfig
	RateLimiter *RateLimiterConfig
	Webhooks    []WebhookConfig

	StalledInterval time.Duration

	WorkerCommand string
	WorkerArgs    []string
	WorkerEnv     []string

	RepeatMode repeat.Mode

	// SQLiteIndexPath, if set, opens a storage.SQLiteIndex at this path and
	// keeps it rebuilt from the authoritative store on every stalled sweep
	// (spec §9 design note on secondary indexes). Leave empty to skip it.
	SQLiteIndexPath string
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageMemory:
	case StorageFile:
		if strings.TrimSpace(c.FilePath) == "" {
			return fmt.Errorf("%w: filePath is required when storage=file", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: storage must be %q or %q, got %q", ErrConfigInvalid, StorageMemory, StorageFile, c.Storage)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrConfigInvalid)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry.maxAttempts must be positive", ErrConfigInvalid)
	}
	if c.RateLimiter != nil && (c.RateLimiter.Max <= 0 || c.RateLimiter.Duration <= 0) {
		return fmt.Errorf("%w: rateLimiter.max and rateLimiter.duration must be positive when set", ErrConfigInvalid)
	}
	if strings.TrimSpace(c.WorkerCommand) == "" {
		return fmt.Errorf("%w: workerCommand is required", ErrConfigInvalid)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StalledInterval <= 0 {
		out.StalledInterval = DefaultStalledInterval
	}
	return out
}
