// Package envfile applies reversible edits to a shared .env configuration
// file.
//
// Edits are recorded as a command log of {before, after} pairs rather than a
// whole-file snapshot. Revert only undoes an edit whose "after" text is still
// intact on disk, so manual changes made to the same file while a dev session
// runs are never clobbered by teardown.
package envfile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrNotExist indicates the env file is missing. Callers decide whether that
// is fatal (required config) or ignorable (optional config).
var ErrNotExist = errors.New("env file does not exist")

// Set describes one desired key assignment. If Comment is non-empty and the
// key has to be appended, the comment line precedes the assignment.
type Set struct {
	Key     string
	Value   string
	Comment string
}

type editKind int

const (
	editReplace editKind = iota
	editAppend
)

// edit is one applied, reversible change.
type edit struct {
	kind   editKind
	before string // replaced line (editReplace only)
	after  string // replacement line, or the exact appended text (editAppend)
}

// Patch is the undo log for one Apply call.
type Patch struct {
	path  string
	edits []edit
}

// Len returns the number of recorded edits.
func (p *Patch) Len() int {
	if p == nil {
		return 0
	}
	return len(p.edits)
}

// Apply rewrites path so that every Set's key has its desired value,
// returning the undo log. Keys already holding the desired value are skipped
// and produce no undo entry. Returns (nil, nil) if the file needed no edits,
// and ErrNotExist if the file is missing.
func Apply(path string, sets []Set) (*Patch, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from project config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("read env file: %w", err)
	}

	content := string(data)
	lines := strings.Split(content, "\n")
	patch := &Patch{path: path}

	var appended strings.Builder
	for _, set := range sets {
		idx := findAssignment(lines, set.Key)
		desired := set.Key + "=" + set.Value

		if idx >= 0 {
			if lines[idx] == desired {
				continue // already correct, no spurious undo entry
			}
			patch.edits = append(patch.edits, edit{
				kind:   editReplace,
				before: lines[idx],
				after:  desired,
			})
			lines[idx] = desired
			continue
		}

		if set.Comment != "" {
			appended.WriteString("# " + set.Comment + "\n")
		}
		appended.WriteString(desired + "\n")
	}

	content = strings.Join(lines, "\n")

	if appended.Len() > 0 {
		block := appended.String()
		if !strings.HasSuffix(content, "\n") && content != "" {
			block = "\n" + block
		}
		patch.edits = append(patch.edits, edit{kind: editAppend, after: block})
		content = content + block
	}

	if len(patch.edits) == 0 {
		return nil, nil
	}

	if err := writeFile(path, content); err != nil {
		return nil, err
	}
	return patch, nil
}

// Revert undoes the patch's edits in reverse order. A replacement is only
// reversed if its "after" line is still present verbatim; an append is only
// removed if the file still ends with the exact appended text. Edits that no
// longer match are skipped so third-party changes survive.
func (p *Patch) Revert() error {
	if p == nil || len(p.edits) == 0 {
		return nil
	}

	data, err := os.ReadFile(p.path) //nolint:gosec // G304: path recorded at apply time
	if err != nil {
		if os.IsNotExist(err) {
			return nil // file gone, nothing to restore
		}
		return fmt.Errorf("read env file: %w", err)
	}

	content := string(data)
	changed := false

	for i := len(p.edits) - 1; i >= 0; i-- {
		e := p.edits[i]
		switch e.kind {
		case editAppend:
			if strings.HasSuffix(content, e.after) {
				content = strings.TrimSuffix(content, e.after)
				changed = true
			}
		case editReplace:
			lines := strings.Split(content, "\n")
			if idx := indexOfLine(lines, e.after); idx >= 0 {
				lines[idx] = e.before
				content = strings.Join(lines, "\n")
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	return writeFile(p.path, content)
}

// Lookup reads the current value of key from the env file.
func Lookup(path, key string) (string, bool, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return "", false, fmt.Errorf("parse env file: %w", err)
	}
	value, ok := values[key]
	return value, ok, nil
}

// findAssignment returns the index of the first non-comment line assigning
// key, or -1.
func findAssignment(lines []string, key string) int {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		k, _, found := strings.Cut(trimmed, "=")
		if found && strings.TrimSpace(k) == key {
			return i
		}
	}
	return -1
}

// indexOfLine returns the index of the first line exactly equal to want, or -1.
func indexOfLine(lines []string, want string) int {
	for i, line := range lines {
		if line == want {
			return i
		}
	}
	return -1
}

func writeFile(path, content string) error {
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}
