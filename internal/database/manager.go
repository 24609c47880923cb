package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver for health checks

	"github.com/wavedeck/stackdev/internal/exec"
)

// Marker files whose joint presence means the data directory is initialized.
var initMarkers = []string{"PG_VERSION", "postgresql.conf"}

// lockFileName is the marker a running server holds in its data directory.
const lockFileName = "postmaster.pid"

// healthCheckTimeout bounds a single health probe.
const healthCheckTimeout = 3 * time.Second

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	DataDir     string      // Data directory (e.g., .stackdev/postgres)
	BinDir      string      // Directory holding initdb/pg_ctl/postgres (empty = PATH)
	Host        string      // Listen host (default 127.0.0.1)
	Credentials Credentials // Zero value = DefaultCredentials
	Executor    exec.Executor
}

// Manager drives the embedded database lifecycle. It is an explicit handle:
// all state lives here, scoped to one orchestrator run.
type Manager struct {
	exec    exec.Executor
	dataDir string
	binDir  string
	host    string
	creds   Credentials
	state   State
}

// NewManager creates a Manager for the given data directory.
func NewManager(cfg ManagerConfig) *Manager {
	creds := cfg.Credentials
	if creds == (Credentials{}) {
		creds = DefaultCredentials
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	executor := cfg.Executor
	if executor == nil {
		executor = exec.New()
	}

	m := &Manager{
		exec:    executor,
		dataDir: cfg.DataDir,
		binDir:  cfg.BinDir,
		host:    host,
		creds:   creds,
		state:   StateUninitialized,
	}
	if m.Initialized() {
		m.state = StateStopped
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// DataDir returns the managed data directory.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// Credentials returns the fixed local credentials.
func (m *Manager) Credentials() Credentials {
	return m.creds
}

// Initialized reports whether both init marker files exist in the data
// directory.
func (m *Manager) Initialized() bool {
	for _, marker := range initMarkers {
		if _, err := os.Stat(filepath.Join(m.dataDir, marker)); err != nil {
			return false
		}
	}
	return true
}

// EnsureInitialized runs the engine's initialization routine exactly once.
// It is idempotent and safe to call on every launch.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	if m.Initialized() {
		m.state = StateStopped
		return nil
	}

	m.state = StateInitializing

	if err := os.MkdirAll(filepath.Dir(m.dataDir), 0o750); err != nil {
		m.state = StateUninitialized
		return fmt.Errorf("create data directory parent: %w", err)
	}

	// initdb needs the password via file, not argv.
	pwfile, err := m.writePasswordFile()
	if err != nil {
		m.state = StateUninitialized
		return err
	}
	defer os.Remove(pwfile) //nolint:errcheck // temp file cleanup

	result, err := m.exec.Run(ctx, exec.RunOptions{
		Name: m.binPath("initdb"),
		Args: []string{
			"--pgdata", m.dataDir,
			"--username", m.creds.User,
			"--pwfile", pwfile,
			"--auth", "password",
			"--encoding", "UTF8",
			"--no-sync",
		},
	})
	if err != nil {
		m.state = StateUninitialized
		return fmt.Errorf("initdb: %w: %s", err, strings.TrimSpace(string(result.Stderr)))
	}

	m.state = StateStopped
	return nil
}

// Start starts the server bound to port. A lock-file conflict yields a
// distinguished *ConflictError; any other failure propagates and leaves the
// manager stopped.
func (m *Manager) Start(ctx context.Context, port int) error {
	if !m.Initialized() {
		return ErrNotInitialized
	}

	result, err := m.exec.Run(ctx, exec.RunOptions{
		Name: m.binPath("pg_ctl"),
		Args: []string{
			"--pgdata", m.dataDir,
			"--options", fmt.Sprintf("-p %d -h %s", port, m.host),
			"--wait",
			"--timeout", "30",
			"start",
		},
	})
	if err != nil {
		detail := strings.TrimSpace(string(result.Stderr)) + strings.TrimSpace(string(result.Stdout))
		if isLockConflict(detail) {
			m.state = StateConflicted
			return &ConflictError{DataDir: m.dataDir, Detail: detail}
		}
		m.state = StateStopped
		return fmt.Errorf("start postgres: %w: %s", err, detail)
	}

	m.state = StateRunning
	return nil
}

// StartCommand returns the server invocation for running postgres in the
// foreground as a supervised child instead of via Start.
func (m *Manager) StartCommand(port int) (string, []string) {
	return m.binPath("postgres"), []string{
		"-D", m.dataDir,
		"-p", strconv.Itoa(port),
		"-h", m.host,
	}
}

// Stop stops the server, best-effort. The manager is marked stopped even on
// failure so that a stuck engine never blocks session teardown.
func (m *Manager) Stop(ctx context.Context) error {
	_, err := m.exec.Run(ctx, exec.RunOptions{
		Name: m.binPath("pg_ctl"),
		Args: []string{"--pgdata", m.dataDir, "--mode", "fast", "stop"},
	})
	m.state = StateStopped
	if err != nil {
		return fmt.Errorf("stop postgres: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server at port answers a trivial query.
// It never returns an error.
func (m *Manager) HealthCheck(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	db, err := sql.Open("postgres", ConnString(m.host, port, m.creds))
	if err != nil {
		return false
	}
	defer db.Close() //nolint:errcheck // probe connection

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return one == 1
}

// EnsureDatabase creates the application database if it does not exist yet.
// A second launch against the same data directory is a no-op.
func (m *Manager) EnsureDatabase(ctx context.Context, port int) error {
	result, err := m.exec.Run(ctx, exec.RunOptions{
		Name: m.binPath("createdb"),
		Args: []string{
			"--host", m.host,
			"--port", strconv.Itoa(port),
			"--username", m.creds.User,
			m.creds.Database,
		},
		Env: []string{"PGPASSWORD=" + m.creds.Password},
	})
	if err != nil {
		detail := strings.TrimSpace(string(result.Stderr))
		if strings.Contains(detail, "already exists") {
			return nil
		}
		return fmt.Errorf("create database %s: %w: %s", m.creds.Database, err, detail)
	}
	return nil
}

// CheckConflict reports whether a lock marker is already present in the data
// directory, without attempting a start. The marker is never deleted here: a
// stale lock and a live instance look the same from the outside.
func (m *Manager) CheckConflict() bool {
	_, err := os.Stat(filepath.Join(m.dataDir, lockFileName))
	return err == nil
}

// ConnString returns the connection URL for the managed server at port.
func (m *Manager) ConnString(port int) string {
	return ConnString(m.host, port, m.creds)
}

// binPath resolves an engine binary name against the configured bin
// directory, or leaves it to PATH lookup.
func (m *Manager) binPath(name string) string {
	if m.binDir == "" {
		return name
	}
	return filepath.Join(m.binDir, name)
}

// writePasswordFile writes the superuser password to a temp file for initdb.
func (m *Manager) writePasswordFile() (string, error) {
	f, err := os.CreateTemp("", "stackdev-pgpass-*")
	if err != nil {
		return "", fmt.Errorf("create password file: %w", err)
	}
	if _, err := f.WriteString(m.creds.Password + "\n"); err != nil {
		f.Close()          //nolint:errcheck // already failing
		os.Remove(f.Name()) //nolint:errcheck // best-effort cleanup
		return "", fmt.Errorf("write password file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close password file: %w", err)
	}
	return f.Name(), nil
}

// isLockConflict matches the engine's lock-file-exists failure text.
func isLockConflict(output string) bool {
	return strings.Contains(output, "lock file") && strings.Contains(output, "already exists") ||
		strings.Contains(output, lockFileName)
}
