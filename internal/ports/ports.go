// Package ports allocates TCP ports for the named services of a dev session.
//
// Allocation prefers a contiguous block starting at a fixed base so that
// restarts yield the same predictable URLs. When no contiguous block is free
// the allocator falls back to independently chosen free ports.
package ports

import (
	"errors"
	"fmt"
	"net"
)

// Service is a logical service name that needs a port.
type Service string

// The services a dev session allocates ports for. Order matters: it is the
// order of ports within a contiguous block.
const (
	API          Service = "api"
	Frontend     Service = "frontend"
	Database     Service = "database"
	AuthEmulator Service = "auth-emulator"
	EmulatorUI   Service = "emulator-ui"
)

// DefaultServices is the standard allocation order for a full dev session.
var DefaultServices = []Service{API, Frontend, Database, AuthEmulator, EmulatorUI}

// Block search parameters.
const (
	DefaultBase = 5500 // first base tried
	BlockStride = 100  // advance between candidate bases
	BaseLimit   = 9900 // last base tried before falling back
)

// ErrNoPortsAvailable indicates that neither a contiguous block nor
// independent ports could be found.
var ErrNoPortsAvailable = errors.New("no available ports found")

// Assignment maps each service to its allocated port.
type Assignment map[Service]int

// Allocator finds free ports for named services.
type Allocator struct {
	base   int
	stride int
	limit  int
	host   string
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithBase overrides the first candidate base port.
func WithBase(base int) Option {
	return func(a *Allocator) { a.base = base }
}

// WithLimit overrides the last candidate base port.
func WithLimit(limit int) Option {
	return func(a *Allocator) { a.limit = limit }
}

// NewAllocator creates an Allocator with the default search parameters.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		base:   DefaultBase,
		stride: BlockStride,
		limit:  BaseLimit,
		host:   "127.0.0.1",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a port for every service. It first searches for a
// contiguous block of len(services) ports starting at the base, advancing by
// the stride up to the limit. If no block is free it assigns any
// independently available port per service.
//
// Availability is best-effort: a port is "available at time of check", not
// reserved. Callers must tolerate losing the race to another process.
func (a *Allocator) Allocate(services []Service) (Assignment, error) {
	if len(services) == 0 {
		return Assignment{}, nil
	}

	for base := a.base; base <= a.limit; base += a.stride {
		if a.blockFree(base, len(services)) {
			assignment := make(Assignment, len(services))
			for i, svc := range services {
				assignment[svc] = base + i
			}
			return assignment, nil
		}
	}

	return a.allocateScattered(services)
}

// blockFree reports whether all n ports starting at base are available.
func (a *Allocator) blockFree(base, n int) bool {
	for port := base; port < base+n; port++ {
		if !a.free(port) {
			return false
		}
	}
	return true
}

// free probes availability by binding and immediately releasing a listener.
func (a *Allocator) free(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = ln.Close() //nolint:errcheck // probe listener, nothing to do on close failure
	return true
}

// allocateScattered assigns any free port per service, with no contiguity
// guarantee. Listeners stay open until all ports are chosen so the kernel
// cannot hand the same port out twice within one call.
func (a *Allocator) allocateScattered(services []Service) (Assignment, error) {
	listeners := make([]net.Listener, 0, len(services))
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close() //nolint:errcheck // probe listener
		}
	}()

	assignment := make(Assignment, len(services))
	for _, svc := range services {
		ln, err := net.Listen("tcp", net.JoinHostPort(a.host, "0"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPortsAvailable, err)
		}
		listeners = append(listeners, ln)

		addr, ok := ln.Addr().(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected listener address %T", ErrNoPortsAvailable, ln.Addr())
		}
		assignment[svc] = addr.Port
	}

	return assignment, nil
}
