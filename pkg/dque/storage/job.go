package storage

import (
	"encoding/json"
	"time"

	"go.mau.fi/util/ptr"
)

// Status is the lifecycle state of a Job (spec §3).
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusDelayed    Status = "delayed"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStalled    Status = "stalled"
)

// RepeatConfig describes a recurrence: either a fixed interval (EveryMs) or a
// cron pattern (Pattern), optionally bounded by Limit/StartDate/EndDate.
type RepeatConfig struct {
	EveryMs   int64  `json:"everyMs,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	StartDate *int64 `json:"startDate,omitempty"`
	EndDate   *int64 `json:"endDate,omitempty"`
}

// Clone returns a deep copy.
func (r *RepeatConfig) Clone() *RepeatConfig {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartDate != nil {
		c.StartDate = ptr.Ptr(*r.StartDate)
	}
	if r.EndDate != nil {
		c.EndDate = ptr.Ptr(*r.EndDate)
	}
	return &c
}

// Job is the unit of work tracked by Storage (spec §3). Storage owns the
// authoritative record; callers only ever see Clone()d copies.
type Job struct {
	ID      string          `json:"id"`
	Handler string          `json:"handler"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Status      Status `json:"status"`
	Priority    int    `json:"priority"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	Progress    int    `json:"progress"`

	NextRunAt int64 `json:"nextRunAt"`
	Delay     int64 `json:"delay,omitempty"`

	DependsOn []string `json:"dependsOn,omitempty"`

	RepeatConfig *RepeatConfig `json:"repeatConfig,omitempty"`
	RepeatCount  int           `json:"repeatCount,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	StartedAt   *int64 `json:"startedAt,omitempty"`
	CompletedAt *int64 `json:"completedAt,omitempty"`
}

// Clone returns a defensive deep copy, the form Storage must hand back from
// every read (spec §4.4: "Returned as defensive copies").
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage{}, j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage{}, j.Result...)
	}
	if j.DependsOn != nil {
		c.DependsOn = append([]string{}, j.DependsOn...)
	}
	c.RepeatConfig = j.RepeatConfig.Clone()
	if j.StartedAt != nil {
		c.StartedAt = ptr.Ptr(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		c.CompletedAt = ptr.Ptr(*j.CompletedAt)
	}
	return &c
}

// NowMs is the current time in unix milliseconds, matching the ms-epoch
// timestamps used throughout the job record.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// InitialStatus computes the status a freshly constructed job should have
// (spec §3 status lifecycle: delay>0 -> delayed; else dependsOn non-empty ->
// waiting; else -> pending).
func InitialStatus(delay int64, dependsOn []string) Status {
	if delay > 0 {
		return StatusDelayed
	}
	if len(dependsOn) > 0 {
		return StatusWaiting
	}
	return StatusPending
}

// ClampProgress clamps n into [0, 100] (spec §3: "progress: Integer 0..100, clamped").
func ClampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
