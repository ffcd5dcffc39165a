package runner

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// storeDocument is the on-disk shape of the run store.
type storeDocument struct {
	Runs []TaskRun `json:"runs"`
}

// Event is one line of the append-only run event log.
type Event struct {
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"runId"`
	State      State          `json:"state"`
	Attempt    int            `json:"attempt"`
	Checkpoint int            `json:"checkpoint"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Store mirrors the run table to a single JSON document. Writes are
// debounced and flow through one writer goroutine: a newer snapshot
// replaces the pending one, and no later snapshot is written before an
// earlier write finishes.
type Store struct {
	path       string
	eventsPath string
	debounce   time.Duration
	maxRuns    int
	logger     *slog.Logger

	mu      sync.Mutex
	pending []TaskRun
	dirty   bool

	fileMu  sync.Mutex
	eventMu sync.Mutex

	trigger chan struct{}
	closed  chan struct{}
	done    sync.WaitGroup
}

// NewStore creates a store writing to path and eventsPath. The writer
// goroutine starts immediately.
func NewStore(path, eventsPath string, debounce time.Duration, maxRuns int, logger *slog.Logger) *Store {
	s := &Store{
		path:       path,
		eventsPath: eventsPath,
		debounce:   debounce,
		maxRuns:    maxRuns,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	s.done.Add(1)
	go s.writerLoop()
	return s
}

// Load hydrates the run table from disk. A missing or corrupt store is
// treated as empty.
func (s *Store) Load() []TaskRun {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("run store unreadable, starting empty", "path", s.path, "error", err)
		}
		return nil
	}
	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("run store corrupt, starting empty", "path", s.path, "error", err)
		return nil
	}
	return doc.Runs
}

// Save queues a snapshot for writing. The newest snapshot wins; the
// actual write happens after the debounce interval.
func (s *Store) Save(runs []TaskRun) {
	s.mu.Lock()
	s.pending = runs
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Store) writerLoop() {
	defer s.done.Done()
	for {
		select {
		case <-s.closed:
			s.writePending()
			return
		case <-s.trigger:
			select {
			case <-time.After(s.debounce):
			case <-s.closed:
			}
			s.writePending()
		}
	}
}

// Flush writes any pending snapshot immediately. Intended for tests and
// shutdown paths.
func (s *Store) Flush() {
	s.writePending()
}

// Close stops the writer after a final flush.
func (s *Store) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.done.Wait()
}

func (s *Store) writePending() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	runs := s.pending
	s.dirty = false
	s.mu.Unlock()

	runs = pruneOldest(runs, s.maxRuns)

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	data, err := json.Marshal(storeDocument{Runs: runs})
	if err != nil {
		s.logger.Warn("run store marshal failed", "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("run store mkdir failed", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("run store write failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("run store rename failed", "path", s.path, "error", err)
	}
}

// pruneOldest drops the oldest runs by createdAt when over the cap.
func pruneOldest(runs []TaskRun, maxRuns int) []TaskRun {
	if maxRuns <= 0 || len(runs) <= maxRuns {
		return runs
	}
	sorted := append([]TaskRun(nil), runs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[len(sorted)-maxRuns:]
}

// AppendEvent writes one JSON line to the event log. Failures are logged
// and swallowed; the event log never blocks run progression.
func (s *Store) AppendEvent(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	f, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("event log open failed", "path", s.eventsPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("event log write failed", "path", s.eventsPath, "error", err)
	}
}
