package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// TeeWriter wraps an io.Writer to also write to a log file.
// It implements io.WriteCloser.
type TeeWriter struct {
	primary io.Writer
	logFile *os.File
	mu      sync.Mutex
}

// NewTeeWriter creates a TeeWriter that writes to both the primary writer
// and the specified log file path. The log file is created or truncated.
// A nil primary writes to the log file only.
func NewTeeWriter(primary io.Writer, logPath string) (*TeeWriter, error) {
	//nolint:gosec // G304: logPath comes from the trusted PathManager
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	return &TeeWriter{
		primary: primary,
		logFile: logFile,
	}, nil
}

// Write writes data to both the log file and the primary writer.
func (t *TeeWriter) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logFile != nil {
		if _, err := t.logFile.Write(p); err != nil {
			return 0, fmt.Errorf("write to log file: %w", err)
		}
	}

	if t.primary != nil {
		return t.primary.Write(p)
	}

	return len(p), nil
}

// Close closes the log file. The primary writer is not closed.
func (t *TeeWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logFile != nil {
		if err := t.logFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		t.logFile = nil
	}
	return nil
}
