package jobqueue

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type storeDocument struct {
	Jobs []Job `json:"jobs"`
}

// store mirrors the job table to one JSON document, debounced through a
// single writer goroutine like the run store.
type store struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []Job
	dirty   bool
	fileMu  sync.Mutex

	trigger chan struct{}
	closed  chan struct{}
	done    sync.WaitGroup
}

func newStore(path string, debounce time.Duration, logger *slog.Logger) *store {
	s := &store{
		path:     path,
		debounce: debounce,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	s.done.Add(1)
	go s.writerLoop()
	return s
}

func (s *store) load() []Job {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("job store unreadable, starting empty", "path", s.path, "error", err)
		}
		return nil
	}
	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("job store corrupt, starting empty", "path", s.path, "error", err)
		return nil
	}
	return doc.Jobs
}

func (s *store) save(jobs []Job) {
	s.mu.Lock()
	s.pending = jobs
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *store) writerLoop() {
	defer s.done.Done()
	for {
		select {
		case <-s.closed:
			s.flush()
			return
		case <-s.trigger:
			select {
			case <-time.After(s.debounce):
			case <-s.closed:
			}
			s.flush()
		}
	}
}

func (s *store) flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	jobs := s.pending
	s.dirty = false
	s.mu.Unlock()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	data, err := json.Marshal(storeDocument{Jobs: jobs})
	if err != nil {
		s.logger.Warn("job store marshal failed", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("job store mkdir failed", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("job store write failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("job store rename failed", "path", s.path, "error", err)
	}
}

func (s *store) close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.done.Wait()
}
