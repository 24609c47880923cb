package compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/wavedeck/stackdev/internal/exec"
	"github.com/wavedeck/stackdev/internal/slogger"
)

// ErrAllStrategiesFailed is returned by Remediate when the whole chain has
// been exhausted without producing a working binary.
var ErrAllStrategiesFailed = errors.New("all remediation strategies failed")

// Strategy is one remediation attempt. Strategies are tried in a fixed
// priority order; the first one whose Attempt succeeds and whose result
// passes a re-probe wins.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context) error
}

// icuSourceURL is where the build-from-source strategy fetches ICU.
const icuSourceURL = "https://github.com/unicode-org/icu/releases/download/release-74-2/icu4c-74_2-src.tgz"

// brewLibGlobs are the locations a Homebrew icu4c install leaves its
// dylibs, on Apple Silicon and Intel prefixes respectively.
var brewLibGlobs = []string{
	"/opt/homebrew/opt/icu4c*/lib",
	"/usr/local/opt/icu4c*/lib",
}

// DefaultStrategies returns the remediation chain in priority order for a
// probe that found the binary at diag.Binary.
func (p *Prober) DefaultStrategies(diag Diagnosis) []Strategy {
	libDir := filepath.Join(filepath.Dir(filepath.Dir(diag.Binary)), "lib")
	reuse := &ReuseBrewLibs{LibDir: libDir, SourceGlobs: brewLibGlobs}
	return []Strategy{
		reuse,
		&BrewInstall{Exec: p.exec, Reuse: reuse},
		&BuildFromSource{Exec: p.exec, LibDir: libDir},
		&RosettaLauncher{Binary: diag.Binary},
	}
}

// Remediate tries each strategy in order, re-probing after every successful
// attempt. It returns the name of the strategy that fixed the binary, or
// ErrAllStrategiesFailed once the chain is exhausted.
func (p *Prober) Remediate(ctx context.Context, strategies []Strategy) (string, error) {
	log := slogger.L(ctx)
	for _, s := range strategies {
		log.Debug("attempting remediation", "strategy", s.Name())
		if err := s.Attempt(ctx); err != nil {
			log.Debug("remediation attempt failed", "strategy", s.Name(), "error", err)
			continue
		}
		if p.Diagnose(ctx).OK() {
			log.Info("remediation succeeded", "strategy", s.Name())
			return s.Name(), nil
		}
	}
	return "", ErrAllStrategiesFailed
}

// ReuseBrewLibs copies ICU dylibs from an existing Homebrew install into
// the embedded server's lib directory.
type ReuseBrewLibs struct {
	LibDir      string
	SourceGlobs []string
}

func (s *ReuseBrewLibs) Name() string { return "reuse-homebrew-libs" }

func (s *ReuseBrewLibs) Attempt(_ context.Context) error {
	srcDir := ""
	for _, glob := range s.SourceGlobs {
		matches, err := filepath.Glob(glob)
		if err != nil || len(matches) == 0 {
			continue
		}
		srcDir = matches[0]
		break
	}
	if srcDir == "" {
		return errors.New("no Homebrew icu4c install found")
	}

	dylibs, err := filepath.Glob(filepath.Join(srcDir, "*.dylib"))
	if err != nil || len(dylibs) == 0 {
		return fmt.Errorf("no dylibs under %s", srcDir)
	}

	if err := os.MkdirAll(s.LibDir, 0o750); err != nil {
		return fmt.Errorf("create lib directory: %w", err)
	}
	for _, src := range dylibs {
		if err := copyFile(src, filepath.Join(s.LibDir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

// BrewInstall installs icu4c through Homebrew and then reuses the freshly
// installed libraries.
type BrewInstall struct {
	Exec  exec.Executor
	Reuse *ReuseBrewLibs
}

func (s *BrewInstall) Name() string { return "brew-install-icu4c" }

func (s *BrewInstall) Attempt(ctx context.Context) error {
	if _, err := s.Exec.LookPath("brew"); err != nil {
		return fmt.Errorf("homebrew not installed: %w", err)
	}
	result, err := s.Exec.Run(ctx, exec.RunOptions{
		Name: "brew",
		Args: []string{"install", "icu4c"},
	})
	if err != nil {
		detail := ""
		if result != nil {
			detail = strings.TrimSpace(string(result.Stderr))
		}
		return fmt.Errorf("brew install icu4c: %w: %s", err, detail)
	}
	return s.Reuse.Attempt(ctx)
}

// BuildFromSource downloads and builds ICU from the official release
// tarball, installing its libraries into the server's lib directory. Slow,
// but works on machines without Homebrew.
type BuildFromSource struct {
	Exec   exec.Executor
	LibDir string
}

func (s *BuildFromSource) Name() string { return "build-icu-from-source" }

func (s *BuildFromSource) Attempt(ctx context.Context) error {
	buildDir, err := os.MkdirTemp("", "stackdev-icu-*")
	if err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	defer os.RemoveAll(buildDir) //nolint:errcheck // best-effort cleanup

	steps := [][]string{
		{"curl", "-fsSL", "-o", filepath.Join(buildDir, "icu.tgz"), icuSourceURL},
		{"tar", "-xzf", filepath.Join(buildDir, "icu.tgz"), "-C", buildDir},
		{"sh", filepath.Join(buildDir, "icu", "source", "runConfigureICU"), "MacOSX", "--prefix=" + buildDir},
		{"make", "-C", filepath.Join(buildDir, "icu", "source"), "install"},
	}
	for _, step := range steps {
		result, err := s.Exec.Run(ctx, exec.RunOptions{
			Name: step[0],
			Args: step[1:],
			Dir:  buildDir,
		})
		if err != nil {
			detail := ""
			if result != nil {
				detail = strings.TrimSpace(string(result.Stderr))
			}
			return fmt.Errorf("%s: %w: %s", step[0], err, detail)
		}
	}

	reuse := &ReuseBrewLibs{LibDir: s.LibDir, SourceGlobs: []string{filepath.Join(buildDir, "lib")}}
	return reuse.Attempt(ctx)
}

// RosettaLauncher replaces the binary with a launcher script that runs the
// x86_64 build through Rosetta. The original binary is kept alongside with
// a suffix so the script has something to exec.
type RosettaLauncher struct {
	Binary string
}

func (s *RosettaLauncher) Name() string { return "rosetta-launcher" }

func (s *RosettaLauncher) Attempt(_ context.Context) error {
	if s.Binary == "" {
		return errors.New("no binary to wrap")
	}
	real := s.Binary + ".x86_64"
	if _, err := os.Stat(real); err != nil {
		if err := os.Rename(s.Binary, real); err != nil {
			return fmt.Errorf("move binary aside: %w", err)
		}
	}

	script := "#!/bin/sh\nexec arch -x86_64 \"" + real + "\" \"$@\"\n"
	if err := os.WriteFile(s.Binary, []byte(script), 0o755); err != nil { //nolint:gosec // launcher must be executable
		return fmt.Errorf("write launcher script: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	//nolint:gosec // G304: paths come from our own install layout
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only file

	//nolint:gosec // G304: paths come from our own install layout
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
