package logging

import (
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingFile wraps lumberjack.Logger with the mutex discipline the teacher
// stack uses around file loggers, so concurrent background loops can log to
// the same rotated file without interleaving writes mid-line.
type RotatingFile struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewRotatingFile opens (or creates) a size/age-rotated log file.
func NewRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *RotatingFile {
	return &RotatingFile{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		},
	}
}

var _ io.Writer = (*RotatingFile)(nil)

func (f *RotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Write(p)
}

// Close flushes and closes the underlying rotated file.
func (f *RotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Close()
}
