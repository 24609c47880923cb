// Package compat diagnoses why the embedded database binary refuses to run
// on macOS and attempts remediation. Apple Silicon machines without the ICU
// libraries the binary was linked against fail with a dynamic loader error
// before the server prints anything useful.
package compat

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/wavedeck/stackdev/internal/exec"
)

// Status classifies the outcome of a probe.
type Status string

const (
	StatusOK             Status = "ok"
	StatusMissingLibrary Status = "missing-shared-library"
	StatusAborted        Status = "aborted-unknown"
	StatusNotFound       Status = "binary-not-found"
)

// Diagnosis is the result of probing the embedded database binary.
type Diagnosis struct {
	Status  Status
	Binary  string // resolved binary path, empty when not found
	Library string // missing dylib name when Status is StatusMissingLibrary
	Stderr  string // raw probe output for display
}

// OK reports whether the binary runs.
func (d Diagnosis) OK() bool {
	return d.Status == StatusOK
}

// Applicable reports whether this machine is subject to the native-library
// failure mode at all.
func Applicable() bool {
	return runtime.GOOS == "darwin"
}

// Prober locates and probes the embedded database binary.
type Prober struct {
	exec        exec.Executor
	binaryPath  string
	searchGlobs []string
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Executor runs the probe commands.
	Executor exec.Executor

	// BinaryPath is the expected location of the server binary.
	BinaryPath string

	// SearchGlobs are fallback glob patterns tried in order when the
	// expected path does not exist.
	SearchGlobs []string
}

// NewProber creates a Prober.
func NewProber(cfg ProberConfig) *Prober {
	return &Prober{
		exec:        cfg.Executor,
		binaryPath:  cfg.BinaryPath,
		searchGlobs: cfg.SearchGlobs,
	}
}

var missingLibPattern = regexp.MustCompile(`Library not loaded:\s*'?([^'\s]+)`)

// Diagnose locates the binary, runs it with a harmless flag and classifies
// the outcome from the process result and stderr text.
func (p *Prober) Diagnose(ctx context.Context) Diagnosis {
	binary := p.locate()
	if binary == "" {
		return Diagnosis{Status: StatusNotFound}
	}

	result, err := p.exec.Run(ctx, exec.RunOptions{
		Name: binary,
		Args: []string{"--version"},
	})
	if err == nil {
		return Diagnosis{Status: StatusOK, Binary: binary}
	}

	stderr := ""
	if result != nil {
		stderr = strings.TrimSpace(string(result.Stderr))
	}

	if m := missingLibPattern.FindStringSubmatch(stderr); m != nil {
		return Diagnosis{
			Status:  StatusMissingLibrary,
			Binary:  binary,
			Library: filepath.Base(m[1]),
			Stderr:  stderr,
		}
	}
	if strings.Contains(stderr, "dyld") {
		return Diagnosis{Status: StatusMissingLibrary, Binary: binary, Stderr: stderr}
	}

	return Diagnosis{Status: StatusAborted, Binary: binary, Stderr: stderr}
}

// locate returns the binary path, preferring the expected location and
// falling back to the search globs in order.
func (p *Prober) locate() string {
	if _, err := os.Stat(p.binaryPath); err == nil {
		return p.binaryPath
	}
	for _, glob := range p.searchGlobs {
		matches, err := filepath.Glob(glob)
		if err != nil || len(matches) == 0 {
			continue
		}
		return matches[0]
	}
	return ""
}

// ManualInstructions returns the numbered steps shown when every
// remediation strategy has failed.
func ManualInstructions(d Diagnosis) []string {
	steps := []string{
		"1. Install the ICU libraries: brew install icu4c",
	}
	if d.Library != "" {
		steps = append(steps,
			"2. Verify the library is present: ls $(brew --prefix icu4c)/lib | grep "+d.Library)
	} else {
		steps = append(steps,
			"2. Verify the libraries are present: ls $(brew --prefix icu4c)/lib")
	}
	steps = append(steps,
		"3. If the failure persists, install Rosetta: softwareupdate --install-rosetta --agree-to-license",
		"4. Or point DATABASE_URL in .env at an external PostgreSQL server to skip the embedded database entirely.",
	)
	return steps
}
