package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func startHelper(t *testing.T, extraEnv ...string) *Worker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	env := append([]string{"GO_WANT_WORKER_HELPER=1"}, extraEnv...)
	w, err := Start(ctx, Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestWorker_HelperProcess", "--"},
		Env:     env,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = w.Terminate() })
	return w
}

func TestWorkerExecuteSuccess(t *testing.T) {
	w := startHelper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var progresses []int
	val, err := w.Execute(ctx, "job-1", "echo", json.RawMessage(`{"n":42}`), func(jobID string, p int) {
		if jobID != "job-1" {
			t.Errorf("progress jobID = %q, want job-1", jobID)
		}
		progresses = append(progresses, p)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(val, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.N != 42 {
		t.Errorf("result.N = %d, want 42", out.N)
	}
	if len(progresses) == 0 {
		t.Error("expected at least one progress update")
	}
}

func TestWorkerExecuteHandlerFailure(t *testing.T) {
	w := startHelper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.Execute(ctx, "job-2", "fail", nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "handler exploded") {
		t.Errorf("Execute err = %v, want to contain %q", err, "handler exploded")
	}
}

func TestWorkerExecuteCrashReportsErrCrashed(t *testing.T) {
	w := startHelper(t, "HELPER_CRASH_ON_EXECUTE=1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.Execute(ctx, "job-3", "echo", nil, nil)
	if err == nil {
		t.Fatal("expected an error from crashed child")
	}
	if !errors.Is(err, ErrCrashed) {
		t.Errorf("Execute err = %v, want ErrCrashed", err)
	}
}

func TestWorkerIsBusyDuringExecute(t *testing.T) {
	w := startHelper(t, "HELPER_DELAY_MS=100")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = w.Execute(ctx, "job-4", "echo", nil, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if !w.IsBusy() {
		t.Error("expected worker to be busy mid-execute")
	}
	<-done
	if w.IsBusy() {
		t.Error("expected worker to be idle after execute completes")
	}
}

// Helper process: speaks the worker's newline-JSON ready/execute/progress/
// result protocol.
func TestWorker_HelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_WORKER_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	w := bufio.NewWriter(os.Stdout)
	write := func(msg Message) {
		b, _ := json.Marshal(msg)
		_, _ = w.Write(b)
		_, _ = w.WriteString("\n")
		_ = w.Flush()
	}

	write(Message{Type: typeReady})

	if os.Getenv("HELPER_DELAY_MS") != "" {
		// fallthrough: delay applied per-execute below
	}

	r := bufio.NewReader(os.Stdin)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != typeExecute {
			continue
		}

		if os.Getenv("HELPER_CRASH_ON_EXECUTE") == "1" {
			os.Exit(1)
		}
		if ms := os.Getenv("HELPER_DELAY_MS"); ms != "" {
			time.Sleep(100 * time.Millisecond)
		}

		write(Message{Type: typeProgress, JobID: msg.JobID, Progress: 50})

		switch msg.Handler {
		case "fail":
			write(Message{Type: typeResult, JobID: msg.JobID, Success: false, Error: "handler exploded"})
		default:
			write(Message{Type: typeResult, JobID: msg.JobID, Success: true, Value: msg.Payload})
		}
	}
}
