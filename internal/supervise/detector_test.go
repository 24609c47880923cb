package supervise

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector_ReadyOnSubstring(t *testing.T) {
	d := NewDetector(map[string]PatternSet{
		"api": {Ready: []string{"Listening on"}},
	})

	assert.False(t, d.AllReady())

	became, failed := d.Observe("api", "warming up")
	assert.False(t, became)
	assert.False(t, failed)

	became, failed = d.Observe("api", "Listening on http://localhost:5500")
	assert.True(t, became)
	assert.False(t, failed)
	assert.True(t, d.Ready("api"))
	assert.True(t, d.AllReady())
}

func TestDetector_StripsANSIBeforeMatching(t *testing.T) {
	d := NewDetector(map[string]PatternSet{
		"frontend": {Ready: []string{"ready in"}},
	})

	became, _ := d.Observe("frontend", "\x1b[32m  VITE\x1b[0m \x1b[1mready in\x1b[0m 312 ms")
	assert.True(t, became)
}

func TestDetector_ErrorPatternOnlyBeforeReady(t *testing.T) {
	d := NewDetector(map[string]PatternSet{
		"database": {
			Ready:  []string{"ready to accept connections"},
			Errors: []string{"FATAL:"},
		},
	})

	_, failed := d.Observe("database", "FATAL:  could not bind")
	assert.True(t, failed, "error pattern before readiness is a startup failure")

	d2 := NewDetector(map[string]PatternSet{
		"database": {
			Ready:  []string{"ready to accept connections"},
			Errors: []string{"FATAL:"},
		},
	})
	became, _ := d2.Observe("database", "database system is ready to accept connections")
	assert.True(t, became)

	_, failed = d2.Observe("database", "FATAL:  terminating connection")
	assert.False(t, failed, "runtime errors after readiness are not startup failures")
}

func TestDetector_NoReadyPatternsIsImmediatelyReady(t *testing.T) {
	d := NewDetector(map[string]PatternSet{
		"worker": {},
	})
	assert.True(t, d.Ready("worker"))
	assert.True(t, d.AllReady())
}

func TestDetector_AllReadyAcrossServices(t *testing.T) {
	d := NewDetector(map[string]PatternSet{
		"api":      {Ready: []string{"Listening"}},
		"frontend": {Ready: []string{"ready in"}},
	})

	d.Observe("api", "Listening on :5500")
	assert.False(t, d.AllReady())

	d.Observe("frontend", "ready in 200 ms")
	assert.True(t, d.AllReady())
}

func TestDetector_ReadyWinsWhenLineMatchesBoth(t *testing.T) {
	d := NewDetector(map[string]PatternSet{
		"api": {Ready: []string{"running"}, Errors: []string{"Error"}},
	})

	became, failed := d.Observe("api", "Error recovered, server running")
	assert.True(t, became)
	assert.False(t, failed)
}

func TestDetector_UnknownServiceIgnored(t *testing.T) {
	d := NewDetector(map[string]PatternSet{})
	became, failed := d.Observe("mystery", "anything")
	assert.False(t, became)
	assert.False(t, failed)
}
