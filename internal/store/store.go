// Package store implements the Entry State Store: a durable mapping from
// input identifier to per-entry record (spec §4.5). It replaces the
// teacher's embedded-KV-store design (pkg/storage/boltdb.go, a bucket-per-
// kind BoltDB store) with the append-only-JSONL-plus-in-memory-index design
// the spec's §9 design notes fix explicitly — the interface shape (narrow,
// id-keyed CRUD) and the single-writer discipline are kept, the storage
// engine is not.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scholarpipe/harvester/internal/entry"
)

// fileName is the sidecar file name at the repository root (spec §3).
const fileName = "map.jsonl"

// compactionThreshold is the fraction of dead (superseded) records in the
// JSONL file above which NeedsCompaction reports true. The store does not
// compact on its own: the file is rewritten only when Compact is called.
const compactionThreshold = 0.5

// Store is the Entry State Store: a single append-only JSONL file plus an
// in-memory index. Updates append a full record and fsync before
// returning, so a crash loses at most one in-flight stage (spec §4.5).
type Store struct {
	path string

	mu    sync.Mutex // serializes appends; single-writer discipline (spec §5)
	file  *os.File
	index map[string]*entry.Entry
	total int // records ever appended, including superseded ones
}

// Open opens (creating if absent) the state store rooted at dir, replays
// map.jsonl to build the in-memory index, and applies the crash-recovery
// rule: any entry with a stage in_progress is demoted to pending (spec
// §4.5 "Recovery rule on startup").
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository directory: %w", err)
	}

	path := filepath.Join(dir, fileName)
	s := &Store{path: path, index: make(map[string]*entry.Entry)}

	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replaying state store: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening state store for append: %w", err)
	}
	s.file = f

	s.recoverInProgress()
	return s, nil
}

// replay does a sequential scan of map.jsonl, keeping only the latest
// record per id (later appends supersede earlier ones).
func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt record: %w", err)
		}
		s.total++
		rec := e
		s.index[e.ID] = &rec
	}
	return scanner.Err()
}

// recoverInProgress demotes any stage left in_progress back to pending
// (the process that wrote it crashed mid-stage) and persists the demotion.
func (s *Store) recoverInProgress() {
	for _, e := range s.index {
		changed := false
		for _, st := range entry.Stages {
			status := e.StatusOf(st)
			if status.State == entry.StateInProgress {
				e.SetStage(st, entry.StatePending, entry.ReasonNone)
				changed = true
			}
		}
		if changed {
			_ = s.appendLocked(e)
		}
	}
}

// LookupOrCreate returns the Entry for id if it exists, or registers a
// freshly-constructed Entry (caller-supplied) under that id (spec §4.5
// lookup_or_create). The new Entry is registered in the in-memory index
// only; this call appends nothing to map.jsonl. The merge/dedup decision
// lives in package dedup, which does not call this.
func (s *Store) LookupOrCreate(id string, create func() *entry.Entry) (e *entry.Entry, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[id]; ok {
		return existing, false
	}
	e = create()
	s.index[e.ID] = e
	return e, true
}

// Get returns the current Entry for id, if any.
func (s *Store) Get(id string) (*entry.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[id]
	return e, ok
}

// Update atomically appends the current state of e to map.jsonl and
// fsyncs before returning (spec §4.5: "Writes are fsynced before the
// Orchestrator moves an Entry past its current stage").
func (s *Store) Update(e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[e.ID] = e
	return s.appendLocked(e)
}

// appendLocked writes one JSON record and fsyncs. Caller must hold s.mu.
func (s *Store) appendLocked(e *entry.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry %s: %w", e.ID, err)
	}
	data = append(data, '\n')

	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("appending entry %s: %w", e.ID, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsyncing entry %s: %w", e.ID, err)
	}
	s.total++
	return nil
}

// IterAll returns a snapshot slice of every current Entry, for the
// Orchestrator's resume scan and the Diagnostic Reporter (spec §4.5
// iter_all). It is a snapshot, not a live view, so it is safe to range
// over while other goroutines call Update.
func (s *Store) IterAll() []*entry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry.Entry, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, e)
	}
	return out
}

// NeedsCompaction reports whether the dead-record ratio has crossed the
// compaction threshold.
func (s *Store) NeedsCompaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return false
	}
	dead := s.total - len(s.index)
	return float64(dead)/float64(s.total) > compactionThreshold
}

// Compact rewrites map.jsonl with exactly one record per live id, dropping
// superseded records. It is the only operation that shrinks the file.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating compaction temp file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, e := range s.index {
		data, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("marshaling entry %s during compaction: %w", e.ID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing compacted record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing old state store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("installing compacted state store: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopening compacted state store: %w", err)
	}
	s.file = f
	s.total = len(s.index)
	return nil
}

// Reset truncates the state store entirely (spec §6 --reset).
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state store: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.index = make(map[string]*entry.Entry)
	s.total = 0
	return nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
