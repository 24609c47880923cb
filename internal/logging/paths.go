// Package logging captures subprocess output to per-service log files so a
// failed child can be inspected after the session ends.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PathManager resolves and prepares log file locations under the session
// logs directory.
type PathManager struct {
	logsDir string
}

// NewPathManager creates a PathManager rooted at logsDir.
func NewPathManager(logsDir string) *PathManager {
	return &PathManager{logsDir: logsDir}
}

// LogsDir returns the root logs directory.
func (pm *PathManager) LogsDir() string {
	return pm.logsDir
}

// ServiceLogPath returns the log file path for a named service.
func (pm *PathManager) ServiceLogPath(service string) string {
	return filepath.Join(pm.logsDir, sanitizeName(service)+".log")
}

// EnsureServiceLog creates the logs directory if needed and returns the log
// path for the service.
func (pm *PathManager) EnsureServiceLog(service string) (string, error) {
	if err := os.MkdirAll(pm.logsDir, 0o750); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}
	return pm.ServiceLogPath(service), nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// sanitizeName converts a service name to a safe file name.
func sanitizeName(name string) string {
	s := strings.ReplaceAll(name, "/", "-")
	s = invalidNameChars.ReplaceAllString(s, "")
	return strings.Trim(s, "-")
}
