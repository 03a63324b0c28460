package worker

import "encoding/json"

// Message is the newline-delimited JSON envelope exchanged with the child
// process (spec §6 "IPC framing").
//
// Handler dispatch is by name against a fixed registry the child builds
// ahead of time (cmd/dque-worker); Execute carries the handler name in
// Job.Handler, so no code ever crosses the wire — only ready/execute/
// progress/result messages, matching spec §6's IPC framing.
type Message struct {
	Type string `json:"type"`

	// execute (parent -> child)
	JobID   string          `json:"jobId,omitempty"`
	Handler string          `json:"handler,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// progress (child -> parent)
	Progress int `json:"progress,omitempty"`

	// result (child -> parent)
	Success bool            `json:"success,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`

	// log (child -> parent, informational only)
	LogLine string `json:"logLine,omitempty"`
}

const (
	typeReady    = "ready"
	typeExecute  = "execute"
	typeProgress = "progress"
	typeResult   = "result"
	typeLog      = "log"
)
