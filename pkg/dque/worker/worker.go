// Package worker runs one job at a time inside a child OS process and talks
// to it over newline-delimited JSON on stdin/stdout (spec §4.7): an
// exec.Command child with piped stdin/stdout, a dedicated read loop
// goroutine, and an atomic closed flag guarding shutdown.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// InitTimeout bounds how long Start waits for the child's "ready" message
// (spec §4.7).
const InitTimeout = 5 * time.Second

// KillGrace is how long Terminate waits after asking the child to exit
// gracefully before sending SIGKILL (spec §4.7).
const KillGrace = 5 * time.Second

var (
	// ErrInitTimeout is returned when the child does not emit "ready" within
	// InitTimeout.
	ErrInitTimeout = errors.New("dque/worker: init timeout")
	// ErrCrashed is returned to the in-flight job when the child process
	// exits unexpectedly mid-execution.
	ErrCrashed = errors.New("dque/worker: process crashed")
	// ErrClosed is returned by Execute once the worker has been terminated.
	ErrClosed = errors.New("dque/worker: closed")
)

// ProgressFunc receives progress updates emitted by the in-flight job.
type ProgressFunc func(jobID string, progress int)

// Config configures how a Worker starts its child process.
type Config struct {
	Command  string
	Args     []string
	Env      []string
	OnStderr func(line string)
	Log      zerolog.Logger
}

// Worker owns exactly one child process and executes at most one job at a
// time (spec §4.7: "a worker runs one job to completion before taking the
// next").
type Worker struct {
	cfg Config
	log zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	writeMu sync.Mutex

	busy atomic.Bool
	done chan struct{} // closed when the process has exited

	resultMu sync.Mutex
	resultCh chan Message // delivers the result for the in-flight execute
	onProg   ProgressFunc

	closed    atomic.Bool
	closeOnce sync.Once
	exitErr   error
	exitMu    sync.Mutex
}

// Start launches the child process and blocks until it reports "ready" or
// InitTimeout elapses.
func Start(ctx context.Context, cfg Config) (*Worker, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("dque/worker: missing command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:      cfg,
		log:      cfg.Log,
		cmd:      cmd,
		stdin:    stdin,
		done:     make(chan struct{}),
		resultCh: make(chan Message, 1),
	}
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	w.stdout = sc

	ready := make(chan struct{})
	go w.readLoop(ready)
	if stderr != nil {
		go w.drainStderr(stderr)
	}
	go w.waitForExit()

	select {
	case <-ready:
		return w, nil
	case <-w.done:
		return nil, fmt.Errorf("%w: process exited before ready", ErrCrashed)
	case <-time.After(InitTimeout):
		_ = w.Terminate()
		return nil, ErrInitTimeout
	case <-ctx.Done():
		_ = w.Terminate()
		return nil, ctx.Err()
	}
}

// IsBusy reports whether a job is currently executing.
func (w *Worker) IsBusy() bool { return w.busy.Load() }

// Execute runs one job to completion in the child process, invoking onProg
// for each progress update. It returns the job's raw result payload, or an
// error if the job failed or the process crashed mid-execution.
func (w *Worker) Execute(ctx context.Context, jobID, handler string, payload json.RawMessage, onProg ProgressFunc) (json.RawMessage, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	w.busy.Store(true)
	defer w.busy.Store(false)

	w.resultMu.Lock()
	w.onProg = onProg
	w.resultMu.Unlock()
	defer func() {
		w.resultMu.Lock()
		w.onProg = nil
		w.resultMu.Unlock()
	}()

	msg := Message{Type: typeExecute, JobID: jobID, Handler: handler, Payload: payload}
	if err := w.send(msg); err != nil {
		return nil, err
	}

	for {
		select {
		case res := <-w.resultCh:
			if res.JobID != jobID || res.Type != typeResult {
				continue
			}
			if !res.Success {
				return nil, errors.New(res.Error)
			}
			return res.Value, nil
		case <-w.done:
			return nil, fmt.Errorf("%w: %v", ErrCrashed, w.exitErrOrNil())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Terminate asks the child to exit, waiting KillGrace before sending a hard
// kill (spec §4.7).
func (w *Worker) Terminate() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		_ = w.stdin.Close()
		select {
		case <-w.done:
			return
		case <-time.After(KillGrace):
		}
		if w.cmd.Process != nil {
			err = w.cmd.Process.Kill()
		}
		<-w.done
	})
	return err
}

func (w *Worker) send(msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.stdin.Write(data)
	return err
}

func (w *Worker) readLoop(ready chan struct{}) {
	readyClosed := false
	for w.stdout.Scan() {
		line := strings.TrimSpace(w.stdout.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			w.log.Warn().Err(err).Str("line", line).Msg("worker: unparseable line from child")
			continue
		}
		switch msg.Type {
		case typeReady:
			if !readyClosed {
				close(ready)
				readyClosed = true
			}
		case typeProgress:
			w.resultMu.Lock()
			cb := w.onProg
			w.resultMu.Unlock()
			if cb != nil {
				cb(msg.JobID, msg.Progress)
			}
		case typeResult:
			select {
			case w.resultCh <- msg:
			default:
			}
		case typeLog:
			w.log.Info().Str("jobId", msg.JobID).Msg(msg.LogLine)
		}
	}
}

func (w *Worker) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && w.cfg.OnStderr != nil {
			w.cfg.OnStderr(line)
		}
	}
}

func (w *Worker) waitForExit() {
	err := w.cmd.Wait()
	w.exitMu.Lock()
	w.exitErr = err
	w.exitMu.Unlock()
	close(w.done)
}

func (w *Worker) exitErrOrNil() error {
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	return w.exitErr
}
