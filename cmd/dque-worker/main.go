// Command dque-worker is the child process a dque.Queue forks per worker
// slot (spec §4.7). It hosts a fixed table of named handlers and speaks the
// ready/execute/progress/result protocol over stdin/stdout.
//
// Embedders fork their own build of this idea rather than this exact binary:
// copy main's shape, swap in your own handlers, point Config.WorkerCommand
// at the result. The handlers registered below are examples wiring the
// pattern end to end, not a fixed catalogue the library depends on.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kodeflow/dque/pkg/dque/registry"
)

func main() {
	logLevel := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("component", "dque-worker").Logger()

	reg := registry.New()
	registerExampleHandlers(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := registry.Run(ctx, reg, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// registerExampleHandlers wires a small set of handlers exercising the
// Reporter and error paths; cmd/dque-demo's jobs target these by name.
func registerExampleHandlers(reg *registry.Registry) {
	reg.Register("echo", func(_ context.Context, payload json.RawMessage, _ registry.Reporter) (json.RawMessage, error) {
		return payload, nil
	})

	reg.Register("sleep", func(ctx context.Context, payload json.RawMessage, report registry.Reporter) (json.RawMessage, error) {
		var params struct {
			Ms int `json:"ms"`
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &params); err != nil {
				return nil, fmt.Errorf("sleep: invalid payload: %w", err)
			}
		}
		steps := 10
		step := time.Duration(params.Ms/steps) * time.Millisecond
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step):
			}
			report(i * 100 / steps)
		}
		return json.Marshal(map[string]int{"sleptMs": params.Ms})
	})

	reg.Register("fail", func(_ context.Context, payload json.RawMessage, _ registry.Reporter) (json.RawMessage, error) {
		var params struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(payload, &params)
		if params.Reason == "" {
			params.Reason = "handler requested failure"
		}
		return nil, fmt.Errorf("%s", params.Reason)
	})
}
