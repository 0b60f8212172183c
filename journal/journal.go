// Package journal implements the crash-safe resume log described in spec
// §4.11: an append-only, line-delimited JSON record of completed work
// items plus a header identifying the run that produced them, so an
// interrupted sync can resume without redoing or silently skipping work.
//
// Each record is self-describing and independently parseable (one JSON
// object per line) so a truncated tail left by a killed process can be
// discarded by the loader without corrupting the records before it —
// the same property freightliner's checkpoint.FileStore gets from writing
// one complete JSON document per save, carried here into an append-only
// log instead of a rewrite-the-whole-file store, since re-writing the
// full journal on every completed item would cost O(n^2) across a run.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Header is the first line of a journal file, identifying the run it
// belongs to, per spec §4.11/§3 "Resume record".
type Header struct {
	Version         int    `json:"version"`
	SourceRoot      string `json:"source_root"`
	DestRoot        string `json:"dest_root"`
	FlagFingerprint string `json:"flag_fingerprint"`
	ToolVersion     string `json:"tool_version"`
	StartedAtUnix   int64  `json:"started_at_unix"`
}

// FormatVersion is bumped whenever the record schema changes incompatibly;
// a mismatch against a persisted header's Version discards the journal.
const FormatVersion = 1

// Record is one completed work item, per spec §3 "Resume record": action
// kind, relative path, size, fingerprint, completion timestamp.
type Record struct {
	Action          string `json:"action"`
	Path            string `json:"path"`
	Size            int64  `json:"size"`
	Fingerprint     []byte `json:"fingerprint,omitempty"`
	CompletedAtUnix int64  `json:"completed_at_unix"`
}

// CheckpointConfig bounds how much work can be lost to a crash between
// fsyncs, per spec §4.11 "fsync'd at a configurable checkpoint cadence (by
// item count, bytes transferred, or elapsed time; whichever comes first)".
type CheckpointConfig struct {
	MaxItems   int
	MaxBytes   int64
	MaxElapsed time.Duration
}

// DefaultCheckpointConfig matches the cadence a single interactive sync
// run should default to: frequent enough that a crash loses at most a
// couple seconds of work, not so frequent that fsync dominates runtime.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{MaxItems: 50, MaxBytes: 64 << 20, MaxElapsed: 2 * time.Second}
}

// LoadResult is what Open discovers about a pre-existing journal file.
type LoadResult struct {
	// Resumed is true if an existing, valid, matching-fingerprint journal
	// was found and its completed set should be skipped by the planner.
	Resumed   bool
	Completed map[string]Record
}

// Journal is a single-writer append log: Post enqueues a completed record
// onto a channel drained by one dedicated goroutine, matching spec §4.11's
// "the journal is single-writer: all workers post completion records
// through a channel consumed by a dedicated journal task that performs
// batched fsync-and-append" and freightliner's resume.go pattern of a
// ticker-driven periodic checkpoint save running alongside a worker pool.
type Journal struct {
	path string
	f    *os.File
	w    *bufio.Writer

	cfg CheckpointConfig

	posts chan Record
	done  chan error

	unsyncedItems int
	unsyncedBytes int64
	lastSync      time.Time
}

// Open loads path if present, validating its header against header (the
// current invocation's source/dest roots and flag fingerprint), and starts
// the background writer goroutine. If path is absent, unreadable, or its
// header doesn't match (version mismatch, non-absolute roots, implausible
// timestamp, truncated first line, or a different flag fingerprint), the
// journal is discarded and a fresh one is started, per spec §4.11 steps
// 1-3.
func Open(path string, header Header, cfg CheckpointConfig) (*Journal, LoadResult, error) {
	result := LoadResult{Completed: make(map[string]Record)}

	existing, ok := loadExisting(path, header)
	if ok {
		result.Resumed = true
		result.Completed = existing
	} else {
		os.Remove(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, LoadResult{}, errors.Wrap(err, "journal: mkdir")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if result.Resumed {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, LoadResult{}, errors.Wrap(err, "journal: open")
	}

	j := &Journal{
		path:     path,
		f:        f,
		w:        bufio.NewWriterSize(f, 64*1024),
		cfg:      cfg,
		posts:    make(chan Record, 256),
		done:     make(chan error, 1),
		lastSync: time.Now(),
	}

	if !result.Resumed {
		header.Version = FormatVersion
		if err := j.writeLine(header); err != nil {
			f.Close()
			return nil, LoadResult{}, err
		}
		if err := j.sync(); err != nil {
			f.Close()
			return nil, LoadResult{}, err
		}
	}

	go j.run()

	return j, result, nil
}

func loadExisting(path string, header Header) (map[string]Record, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	if !sc.Scan() {
		return nil, false
	}
	var got Header
	if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
		return nil, false
	}
	if !validHeader(got) {
		return nil, false
	}
	if got.Version != FormatVersion {
		return nil, false
	}
	if got.SourceRoot != header.SourceRoot || got.DestRoot != header.DestRoot {
		return nil, false
	}
	if got.FlagFingerprint != header.FlagFingerprint {
		return nil, false
	}

	completed := make(map[string]Record)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A truncated final line from a killed process: stop here,
			// everything before it is still valid.
			break
		}
		completed[rec.Path] = rec
	}
	return completed, true
}

func validHeader(h Header) bool {
	if !filepath.IsAbs(h.SourceRoot) || !filepath.IsAbs(h.DestRoot) {
		return false
	}
	if h.StartedAtUnix <= 0 || h.StartedAtUnix > time.Now().Add(24*time.Hour).Unix() {
		return false
	}
	return true
}

// Post enqueues rec for the writer goroutine. It never blocks the caller
// on disk I/O directly; backpressure comes from the channel's buffer.
func (j *Journal) Post(rec Record) {
	j.posts <- rec
}

// run is the journal's single writer goroutine. Once a write or fsync
// fails, further posted records are drained and discarded rather than
// retried — a failing journal means the run is about to be aborted by its
// caller, and draining keeps Post from blocking on a full channel in the
// meantime.
func (j *Journal) run() {
	var runErr error
	for rec := range j.posts {
		if runErr != nil {
			continue
		}
		if err := j.writeLine(rec); err != nil {
			runErr = err
			continue
		}
		j.unsyncedItems++
		j.unsyncedBytes += rec.Size
		if j.shouldSync() {
			if err := j.sync(); err != nil {
				runErr = err
			}
		}
	}
	if runErr == nil {
		runErr = j.sync()
	}
	j.done <- runErr
	close(j.done)
}

func (j *Journal) shouldSync() bool {
	if j.cfg.MaxItems > 0 && j.unsyncedItems >= j.cfg.MaxItems {
		return true
	}
	if j.cfg.MaxBytes > 0 && j.unsyncedBytes >= j.cfg.MaxBytes {
		return true
	}
	if j.cfg.MaxElapsed > 0 && time.Since(j.lastSync) >= j.cfg.MaxElapsed {
		return true
	}
	return false
}

func (j *Journal) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "journal: marshal record")
	}
	if _, err := j.w.Write(data); err != nil {
		return errors.Wrap(err, "journal: write record")
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "journal: write newline")
	}
	return nil
}

func (j *Journal) sync() error {
	if err := j.w.Flush(); err != nil {
		return errors.Wrap(err, "journal: flush")
	}
	if err := j.f.Sync(); err != nil {
		return errors.Wrap(err, "journal: fsync")
	}
	j.unsyncedItems = 0
	j.unsyncedBytes = 0
	j.lastSync = time.Now()
	return nil
}

// Close stops the writer goroutine and flushes, leaving the journal file
// on disk (a partial journal for the next run to resume from), per spec
// §4.10's cancellation contract. Callers that complete a run successfully
// should call Finish instead.
func (j *Journal) Close() error {
	close(j.posts)
	runErr := <-j.done
	if err := j.f.Close(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "journal: close")
	}
	return runErr
}

// Finish closes the journal and removes its file, per spec §4.11 "on
// successful completion, the journal is removed".
func (j *Journal) Finish() error {
	if err := j.Close(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "journal: remove on finish")
	}
	return nil
}
