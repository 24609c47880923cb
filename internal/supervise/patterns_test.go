package supervise

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPatterns_CoversTemplateServices(t *testing.T) {
	patterns := DefaultPatterns()
	for _, name := range []string{"api", "frontend", "database", "auth-emulator"} {
		ps, ok := patterns[name]
		assert.True(t, ok, "missing default patterns for %s", name)
		assert.NotEmpty(t, ps.Ready, "service %s has no ready patterns", name)
	}
}

func TestLoadPatterns_MissingFileYieldsDefaults(t *testing.T) {
	patterns, err := LoadPatterns(filepath.Join(t.TempDir(), "patterns.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns(), patterns)
}

func TestLoadPatterns_OverrideReplacesEntryKeepsOthers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	content := `api:
  ready:
    - "custom banner"
  errors:
    - "custom failure"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	patterns, err := LoadPatterns(path)
	require.NoError(t, err)

	assert.Equal(t, PatternSet{
		Ready:  []string{"custom banner"},
		Errors: []string{"custom failure"},
	}, patterns["api"])
	assert.Equal(t, DefaultPatterns()["frontend"], patterns["frontend"])
	assert.Equal(t, DefaultPatterns()["database"], patterns["database"])
}

func TestLoadPatterns_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [not: closed"), 0o644))

	_, err := LoadPatterns(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse patterns file")
}
