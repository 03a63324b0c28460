// Command dque-demo is an example embedder of pkg/dque: it loads an optional
// config file, wires a Queue against cmd/dque-worker, enqueues a handful of
// jobs, and prints events until drained. Config loading lives here rather
// than in the library (spec §1 Non-goals: "Configuration file format /
// CLI tooling beyond the library API").
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/kodeflow/dque/pkg/dque"
	"github.com/kodeflow/dque/pkg/dque/backoff"
)

// fileConfig is the subset of dque.Config a queue.yaml/queue.json5 can set.
// Flags below override whatever the file provides.
type fileConfig struct {
	Storage         string `yaml:"storage" json:"storage"`
	FilePath        string `yaml:"filePath" json:"filePath"`
	Concurrency     int    `yaml:"concurrency" json:"concurrency"`
	MaxAttempts     int    `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffMs       int64  `yaml:"backoffMs" json:"backoffMs"`
	StalledSeconds  int    `yaml:"stalledSeconds" json:"stalledSeconds"`
	WorkerCommand   string `yaml:"workerCommand" json:"workerCommand"`
	RateLimiterMax  int    `yaml:"rateLimiterMax" json:"rateLimiterMax"`
	RateLimiterSecs int    `yaml:"rateLimiterSeconds" json:"rateLimiterSeconds"`
}

// loadFileConfig reads path, treating an empty path or a missing file as an
// empty config. .json5/.json files are parsed as JSON5, anything else as YAML.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("reading %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json5") || strings.HasSuffix(path, ".json") {
		if err := json5.Unmarshal(data, &fc); err != nil {
			return fc, fmt.Errorf("parsing %s: %w", path, err)
		}
		return fc, nil
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fc, nil
}

func main() {
	configPath := flag.String("config", "", "path to queue.yaml or queue.json5 (optional)")
	storageFlag := flag.String("storage", "", "memory or file, overrides config file")
	concurrencyFlag := flag.Int("concurrency", 0, "worker pool size, overrides config file")
	logLevel := flag.String("log-level", "info", "zerolog level")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("component", "dque-demo").Logger()

	fc, err := loadFileConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := buildConfig(fc, *storageFlag, *concurrencyFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	q, err := dque.New(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start queue: %v\n", err)
		os.Exit(1)
	}
	q.Process("")

	events := q.Subscribe(64)
	go func() {
		for evt := range events {
			switch evt.Type {
			case dque.EventCompleted:
				log.Info().Str("jobId", evt.Job.ID).RawJSON("result", evt.Result).Msg("job completed")
			case dque.EventFailed:
				log.Warn().Str("jobId", evt.Job.ID).Err(evt.Err).Msg("job failed, sent to dead-letter queue")
			case dque.EventStalled:
				log.Warn().Str("jobId", evt.Job.ID).Msg("job stalled")
			case dque.EventProgress:
				log.Debug().Str("jobId", evt.Job.ID).Int("progress", evt.Progress).Msg("job progress")
			}
		}
	}()

	if err := seedJobs(ctx, q); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to seed demo jobs: %v\n", err)
		os.Exit(1)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := q.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("drain did not complete before timeout")
	}

	stats, err := q.GetStats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("completed=%d failed=%d stalled=%d\n", stats.Completed, stats.Failed, stats.Stalled)

	if err := q.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
		os.Exit(1)
	}
}

func buildConfig(fc fileConfig, storageFlag string, concurrencyFlag int) dque.Config {
	cfg := dque.Config{
		Storage:     dque.StorageKind(fc.Storage),
		FilePath:    fc.FilePath,
		Concurrency: fc.Concurrency,
		Retry: dque.RetryConfig{
			MaxAttempts: fc.MaxAttempts,
			Backoff:     backoff.Config{Type: backoff.Exponential, BaseDelay: time.Duration(fc.BackoffMs) * time.Millisecond},
		},
		WorkerCommand: fc.WorkerCommand,
	}
	if cfg.Storage == "" {
		cfg.Storage = dque.StorageMemory
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if fc.StalledSeconds > 0 {
		cfg.StalledInterval = time.Duration(fc.StalledSeconds) * time.Second
	}
	if fc.RateLimiterMax > 0 && fc.RateLimiterSecs > 0 {
		cfg.RateLimiter = &dque.RateLimiterConfig{
			Max:      fc.RateLimiterMax,
			Duration: time.Duration(fc.RateLimiterSecs) * time.Second,
		}
	}
	if cfg.WorkerCommand == "" {
		cfg.WorkerCommand = workerBinaryPath()
	}

	if storageFlag != "" {
		cfg.Storage = dque.StorageKind(storageFlag)
	}
	if concurrencyFlag > 0 {
		cfg.Concurrency = concurrencyFlag
	}
	return cfg
}

// workerBinaryPath returns a dque-worker found on PATH, or else the path of a
// dque-worker binary next to this one.
func workerBinaryPath() string {
	if p, err := exec.LookPath("dque-worker"); err == nil {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return "dque-worker"
	}
	return strings.TrimSuffix(exe, "dque-demo") + "dque-worker"
}

func seedJobs(ctx context.Context, q *dque.Queue) error {
	if _, err := q.Add(ctx, mustJSON(map[string]string{"hello": "world"}), dque.AddOptions{Handler: "echo", Priority: 5}); err != nil {
		return err
	}
	if _, err := q.Add(ctx, mustJSON(map[string]int{"ms": 200}), dque.AddOptions{Handler: "sleep", Priority: 1}); err != nil {
		return err
	}
	if _, err := q.Add(ctx, mustJSON(map[string]string{"reason": "demo failure"}), dque.AddOptions{Handler: "fail"}); err != nil {
		return err
	}
	return nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
