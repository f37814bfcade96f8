package logging

import (
	"fmt"
	"os"
	"sync"
)

// FileLogger appends log output to a file and rotates it once it grows past
// maxBytes, keeping up to backups older files as path.1 … path.N. A
// maxBytes of zero disables rotation. Safe for concurrent use.
type FileLogger struct {
	path     string
	maxBytes int64
	backups  int

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string, maxBytes int64, backups int) (*FileLogger, error) {
	l := &FileLogger{path: path, maxBytes: maxBytes, backups: backups}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the file over the limit.
// Writes after Close are discarded.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return len(p), nil
	}
	if l.maxBytes > 0 && l.size > 0 && l.size+int64(len(p)) > l.maxBytes {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := l.file.Write(p)
	l.size += int64(n)
	return n, err
}

// rotate shifts path.N-1 to path.N down to path to path.1 and reopens path.
// With no backups the file is truncated instead.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	if l.backups <= 0 {
		if err := os.Truncate(l.path, 0); err != nil {
			return err
		}
		return l.open()
	}
	os.Remove(backupName(l.path, l.backups))
	for i := l.backups - 1; i >= 1; i-- {
		os.Rename(backupName(l.path, i), backupName(l.path, i+1))
	}
	if err := os.Rename(l.path, backupName(l.path, 1)); err != nil {
		return err
	}
	return l.open()
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
