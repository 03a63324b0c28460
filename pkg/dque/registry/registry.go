// Package registry hosts the named-handler table a dque worker child process
// runs against (spec §9 redesign: jobs are dispatched by handler name over
// the wire, not serialized function source, so the child that actually runs
// that code is a fixed binary the embedder builds ahead of time).
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kodeflow/dque/pkg/dque/worker"
)

// Reporter reports fractional progress (0-100) for the job currently
// executing. Handlers may call it zero or more times.
type Reporter func(progress int)

// Handler processes one job payload and returns the JSON value stored as
// Job.Result, or an error that becomes Job.Error (spec §4.7 "result").
type Handler func(ctx context.Context, payload json.RawMessage, report Reporter) (json.RawMessage, error)

// Registry maps handler names (Job.Handler, spec §3) to the code that runs
// them. The embedder builds one Registry per worker binary and calls Run in
// main — this is the "known entry script" spec §9 asks for, made concrete.
type Registry struct {
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a named handler. Registering the same name twice overwrites
// the previous one; this mirrors http.ServeMux's last-registration-wins
// behavior rather than panicking, since worker binaries are typically wired
// once in main with no concurrent access.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Run drives the ready/execute/progress/result protocol (pkg/dque/worker)
// against r/w until the parent closes its side of the pipe. It never
// returns an error for "parent went away" (io.EOF) — that is the normal
// shutdown path when Worker.Terminate closes its side of stdin. Callers in
// main pass os.Stdin/os.Stdout; tests pass an in-memory pipe.
func Run(ctx context.Context, reg *Registry, stdin io.Reader, stdout io.Writer, log zerolog.Logger) error {
	out := bufio.NewWriter(stdout)
	var writeMu sync.Mutex
	write := func(msg worker.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := out.Write(b); err != nil {
			return err
		}
		if _, err := out.WriteString("\n"); err != nil {
			return err
		}
		return out.Flush()
	}

	if err := write(worker.Message{Type: "ready"}); err != nil {
		return fmt.Errorf("registry: failed to send ready: %w", err)
	}

	in := bufio.NewReaderSize(stdin, 1<<20)
	for {
		line, err := in.ReadBytes('\n')
		if len(line) > 0 {
			var msg worker.Message
			if jerr := json.Unmarshal(line, &msg); jerr != nil {
				log.Warn().Err(jerr).Msg("registry: malformed message from parent, ignoring")
			} else if msg.Type == "execute" {
				reg.dispatch(ctx, msg, write, log)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("registry: reading from parent: %w", err)
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, msg worker.Message, write func(worker.Message) error, log zerolog.Logger) {
	h, ok := r.handlers[msg.Handler]
	if !ok {
		_ = write(worker.Message{Type: "result", JobID: msg.JobID, Success: false, Error: fmt.Sprintf("no handler registered for %q", msg.Handler)})
		return
	}

	report := func(progress int) {
		_ = write(worker.Message{Type: "progress", JobID: msg.JobID, Progress: progress})
	}

	value, err := func() (result json.RawMessage, herr error) {
		defer func() {
			if rec := recover(); rec != nil {
				herr = fmt.Errorf("handler %q panicked: %v", msg.Handler, rec)
			}
		}()
		return h(ctx, msg.Payload, report)
	}()

	if err != nil {
		log.Debug().Err(err).Str("jobId", msg.JobID).Str("handler", msg.Handler).Msg("registry: handler returned an error")
		_ = write(worker.Message{Type: "result", JobID: msg.JobID, Success: false, Error: err.Error()})
		return
	}
	_ = write(worker.Message{Type: "result", JobID: msg.JobID, Success: true, Value: value})
}
