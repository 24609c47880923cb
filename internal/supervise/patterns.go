package supervise

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternSet describes the output substrings that mark a child as ready or
// as failing during startup. Matching is plain substring search on
// ANSI-stripped lines.
type PatternSet struct {
	Ready  []string `yaml:"ready"`
	Errors []string `yaml:"errors"`
}

// DefaultPatterns returns the stock startup patterns for the template's
// services. Individual entries can be overridden with a patterns file.
func DefaultPatterns() map[string]PatternSet {
	return map[string]PatternSet{
		"api": {
			Ready:  []string{"Server is running", "Listening on"},
			Errors: []string{"EADDRINUSE", "Cannot find module"},
		},
		"frontend": {
			Ready:  []string{"ready in", "Local:"},
			Errors: []string{"EADDRINUSE", "error when starting dev server"},
		},
		"database": {
			Ready:  []string{"database system is ready to accept connections"},
			Errors: []string{"FATAL:", "could not bind"},
		},
		"auth-emulator": {
			Ready:  []string{"All emulators ready"},
			Errors: []string{"Could not start", "emulator has exited"},
		},
	}
}

// LoadPatterns reads an optional YAML override file and merges it over the
// defaults. A service present in the file replaces the default entry
// wholesale; services absent from the file keep their defaults. A missing
// file yields the defaults unchanged.
func LoadPatterns(path string) (map[string]PatternSet, error) {
	patterns := DefaultPatterns()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return patterns, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read patterns file: %w", err)
	}

	var overrides map[string]PatternSet
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse patterns file %s: %w", path, err)
	}

	for name, ps := range overrides {
		patterns[name] = ps
	}
	return patterns, nil
}
