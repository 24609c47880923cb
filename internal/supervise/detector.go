package supervise

import (
	"regexp"
	"strings"
)

// ansiEscapes matches terminal color and cursor sequences. Dev servers
// colorize their startup banners, so patterns are matched against the
// stripped line.
var ansiEscapes = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// Detector tracks startup readiness across a set of children by scanning
// their output lines against per-child pattern sets. A child with no ready
// patterns counts as ready from the start.
type Detector struct {
	patterns map[string]PatternSet
	ready    map[string]bool
}

// NewDetector creates a Detector for the named children.
func NewDetector(patterns map[string]PatternSet) *Detector {
	ready := make(map[string]bool, len(patterns))
	for name, ps := range patterns {
		ready[name] = len(ps.Ready) == 0
	}
	return &Detector{patterns: patterns, ready: ready}
}

// Observe feeds one output line from the named child. becameReady reports
// that this line completed the child's readiness; failed reports that an
// error pattern matched while the child was not yet ready. Error patterns
// are ignored once a child is ready: runtime errors are the operator's to
// read, not ours to act on.
func (d *Detector) Observe(name, line string) (becameReady, failed bool) {
	ps, known := d.patterns[name]
	if !known || d.ready[name] {
		return false, false
	}

	stripped := ansiEscapes.ReplaceAllString(line, "")

	for _, p := range ps.Ready {
		if strings.Contains(stripped, p) {
			d.ready[name] = true
			return true, false
		}
	}
	for _, p := range ps.Errors {
		if strings.Contains(stripped, p) {
			return false, true
		}
	}
	return false, false
}

// Ready reports whether the named child has produced a ready pattern.
func (d *Detector) Ready(name string) bool {
	return d.ready[name]
}

// AllReady reports whether every tracked child is ready.
func (d *Detector) AllReady() bool {
	for _, ok := range d.ready {
		if !ok {
			return false
		}
	}
	return true
}
