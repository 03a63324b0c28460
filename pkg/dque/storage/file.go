package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// File is the durable backend: two append-only newline-delimited JSON logs,
// the main log and a sibling dead-letter log (spec §4.4 "File back-end").
//
// An in-memory index holds the latest version of each record; the log files
// are the durable replay source. AddJob/UpdateJob simply append a new line;
// on load, later records supersede earlier ones with the same id (spec §4.4
// "File load procedure").
type File struct {
	mainPath string
	deadPath string
	log      zerolog.Logger

	mu       sync.Mutex
	main     map[string]*Job
	dead     map[string]*Job
	mainFile *os.File
	deadFile *os.File
	mainW    *bufio.Writer
	deadW    *bufio.Writer
	closed   bool
}

// deadLetterPath derives the DLQ sibling path: if path ends in ".log" the
// suffix is stripped before appending "-dead-letter.log" (spec §4.4).
func deadLetterPath(path string) string {
	trimmed := strings.TrimSuffix(path, ".log")
	return trimmed + "-dead-letter.log"
}

// NewFile creates a File backend rooted at path. Initialize must be called
// before use.
func NewFile(path string, log zerolog.Logger) *File {
	return &File{
		mainPath: path,
		deadPath: deadLetterPath(path),
		log:      log.With().Str("component", "storage.file").Logger(),
		main:     make(map[string]*Job),
		dead:     make(map[string]*Job),
	}
}

func (f *File) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := loadIndexed(f.mainPath, f.main, &f.log); err != nil {
		return fmt.Errorf("%w: loading main log: %v", ErrIO, err)
	}
	if err := loadIndexed(f.deadPath, f.dead, &f.log); err != nil {
		return fmt.Errorf("%w: loading dead-letter log: %v", ErrIO, err)
	}

	recovered := recoverProcessing(f.main, NowMs())
	if recovered > 0 {
		f.log.Warn().Int("recovered", recovered).Msg("storage: re-armed jobs left mid-flight")
		if err := f.compactMainLocked(); err != nil {
			return err
		}
	}

	mainFile, err := os.OpenFile(f.mainPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening main log: %v", ErrIO, err)
	}
	deadFile, err := os.OpenFile(f.deadPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		mainFile.Close()
		return fmt.Errorf("%w: opening dead-letter log: %v", ErrIO, err)
	}
	f.mainFile = mainFile
	f.deadFile = deadFile
	f.mainW = bufio.NewWriter(mainFile)
	f.deadW = bufio.NewWriter(deadFile)
	return nil
}

// loadIndexed reads a newline-delimited JSON log, skipping unparseable lines
// (spec §4.4: "on parse failure, log and skip"), and indexes the latest
// record per id.
func loadIndexed(path string, index map[string]*Job, log *zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(line), &j); err != nil {
			log.Warn().Err(err).Msg("storage: skipping corrupt log line")
			continue
		}
		index[j.ID] = &j
	}
	return sc.Err()
}

// recoverProcessing re-arms any job found mid-flight (spec §4.4.1).
func recoverProcessing(index map[string]*Job, nowMs int64) int {
	n := 0
	for _, j := range index {
		if j.Status != StatusProcessing {
			continue
		}
		j.Status = StatusPending
		j.Attempts++
		j.NextRunAt = nowMs
		j.UpdatedAt = nowMs
		n++
	}
	return n
}

// compactMainLocked truncates and rewrites the main log from the in-memory
// index (spec §4.4 "Compaction"). Caller holds f.mu.
func (f *File) compactMainLocked() error {
	return rewriteLog(f.mainPath, f.main)
}

func (f *File) compactDeadLocked() error {
	return rewriteLog(f.deadPath, f.dead)
}

// rewriteLog truncates path in place and writes every record of index to it.
// Rewriting in place (rather than renaming a new file over it) keeps the
// O_APPEND handle opened by Initialize pointing at the live log.
func rewriteLog(path string, index map[string]*Job) error {
	out, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	for _, j := range index {
		data, err := json.Marshal(j)
		if err != nil {
			out.Close()
			return err
		}
		if _, err := w.Write(data); err != nil {
			out.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (f *File) appendMainLocked(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if _, err := f.mainW.Write(data); err != nil {
		return err
	}
	if err := f.mainW.WriteByte('\n'); err != nil {
		return err
	}
	return f.mainW.Flush()
}

func (f *File) appendDeadLocked(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if _, err := f.deadW.Write(data); err != nil {
		return err
	}
	if err := f.deadW.WriteByte('\n'); err != nil {
		return err
	}
	return f.deadW.Flush()
}

func (f *File) AddJob(ctx context.Context, j *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.main[j.ID]; ok {
		return ErrExists
	}
	clone := j.Clone()
	if err := f.appendMainLocked(clone); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	f.main[j.ID] = clone
	return nil
}

func (f *File) UpdateJob(ctx context.Context, j *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.main[j.ID]; !ok {
		return ErrNotFound
	}
	clone := j.Clone()
	if err := f.appendMainLocked(clone); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	f.main[j.ID] = clone
	return nil
}

func (f *File) GetJob(ctx context.Context, id string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	j, ok := f.main[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (f *File) GetAllJobs(ctx context.Context) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make([]*Job, 0, len(f.main))
	for _, j := range f.main {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (f *File) GetPendingJobs(ctx context.Context, nowMs int64) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make([]*Job, 0)
	for _, j := range f.main {
		if j.Status == StatusPending && j.NextRunAt <= nowMs {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt < out[k].NextRunAt })
	return out, nil
}

func (f *File) MoveToDeadLetter(ctx context.Context, j *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	clone := j.Clone()
	if err := f.appendDeadLocked(clone); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	delete(f.main, j.ID)
	f.dead[j.ID] = clone
	if err := f.compactMainLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (f *File) GetFailedJobs(ctx context.Context) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make([]*Job, 0, len(f.dead))
	for _, j := range f.dead {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (f *File) RemoveFromDeadLetter(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.dead[id]; !ok {
		return nil
	}
	delete(f.dead, id)
	if err := f.compactDeadLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (f *File) RemoveJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.main[id]; !ok {
		return nil
	}
	delete(f.main, id)
	if err := f.compactMainLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var firstErr error
	if f.mainW != nil {
		if err := f.mainW.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.deadW != nil {
		if err := f.deadW.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.mainFile != nil {
		if err := f.mainFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.deadFile != nil {
		if err := f.deadFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
