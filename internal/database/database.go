// Package database manages the lifecycle of the embedded PostgreSQL engine
// backing a dev session: one-time initialization of the data directory,
// start/stop of the server process, health checks, and detection of
// data-directory conflicts between concurrent sessions.
package database

import (
	"errors"
	"fmt"
	"net/url"
)

// Sentinel errors for database lifecycle operations.
var (
	ErrDataDirInUse   = errors.New("data directory is in use by another instance")
	ErrNotInitialized = errors.New("data directory is not initialized")
)

// ConflictError describes a start attempt against a data directory that is
// already locked by a running server. It is never auto-resolved: the lock may
// belong to a live instance and force-unlocking risks corruption.
type ConflictError struct {
	DataDir string
	Detail  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"data directory %s is locked by another postgres instance; "+
			"if you are running a second copy of this template, use a separate project folder "+
			"(each folder gets its own data directory)",
		e.DataDir,
	)
}

func (e *ConflictError) Unwrap() error {
	return ErrDataDirInUse
}

// State represents the lifecycle state of the embedded database.
type State string

// Lifecycle states.
const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateConflicted    State = "conflicted"
)

// Credentials are the fixed local credentials for the embedded database.
type Credentials struct {
	User     string
	Password string
	Database string
}

// DefaultCredentials is the standard local-only credential set.
var DefaultCredentials = Credentials{
	User:     "dev",
	Password: "dev",
	Database: "app",
}

// ConnString builds a PostgreSQL connection URL for the given endpoint and
// credentials. It is a pure function: when no external DATABASE_URL is
// configured, this string is what the API server must receive.
func ConnString(host string, port int, creds Credentials) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(creds.User, creds.Password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + creds.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
