package tui

import (
	"strings"
	"sync"
)

// LogStore keeps the most recent application log lines for the log tab.
// It is an io.Writer so it can be handed to logging.Setup as an extra
// sink; each Write may carry several newline-terminated records.
type LogStore struct {
	mu       sync.RWMutex
	lines    []string
	maxLines int
	total    uint64
	notify   func()
}

// NewLogStore returns a store holding at most maxLines lines.
func NewLogStore(maxLines int) *LogStore {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &LogStore{maxLines: maxLines}
}

// Write implements io.Writer.
func (s *LogStore) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	if text == "" {
		return len(p), nil
	}

	// Never block a logging goroutine on the UI.
	if !s.mu.TryLock() {
		return len(p), nil
	}
	for _, line := range strings.Split(text, "\n") {
		s.lines = append(s.lines, line)
		s.total++
	}
	if len(s.lines) > s.maxLines {
		s.lines = append(s.lines[:0:0], s.lines[len(s.lines)-s.maxLines:]...)
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return len(p), nil
}

// SetNotify installs a callback run after each write.
func (s *LogStore) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Lines returns a copy of the retained lines, oldest first.
func (s *LogStore) Lines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Total is the number of lines written since creation, including those
// no longer retained.
func (s *LogStore) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Clear drops the retained lines.
func (s *LogStore) Clear() {
	s.mu.Lock()
	s.lines = nil
	s.mu.Unlock()
}
