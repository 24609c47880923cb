package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Load_CreatesDefaultIfMissing(t *testing.T) {
	root := t.TempDir()

	loader, err := NewLoaderAt(root)
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	// Check defaults
	assert.Equal(t, 5500, cfg.Ports.Base)
	assert.Equal(t, 9900, cfg.Ports.Limit)
	assert.Equal(t, "dev", cfg.Database.User)
	assert.Equal(t, "app", cfg.Database.Name)
	assert.Equal(t, "127.0.0.1", cfg.Database.Host)
	assert.Equal(t, filepath.Join(root, ".stackdev", "postgres"), cfg.Database.DataDir)
	assert.Equal(t, filepath.Join(root, ".env"), cfg.Paths.EnvFile)
	assert.Equal(t, 60, cfg.Startup.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Startup.KillGraceSeconds)

	// Verify file was created
	_, err = os.Stat(loader.Path())
	assert.NoError(t, err)
}

func TestLoader_Load_ReadsExistingConfig(t *testing.T) {
	root := t.TempDir()

	configDir := filepath.Join(root, ".stackdev")
	require.NoError(t, os.MkdirAll(configDir, 0755))

	configContent := `
ports:
  base: 6000
  limit: 8000
database:
  user: alice
  data_dir: data/pg
firebase:
  project_id: my-project
`
	require.NoError(t, os.WriteFile(
		filepath.Join(configDir, "config.yaml"),
		[]byte(configContent),
		0644,
	))

	loader, err := NewLoaderAt(root)
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Ports.Base)
	assert.Equal(t, 8000, cfg.Ports.Limit)
	assert.Equal(t, "alice", cfg.Database.User)
	assert.Equal(t, filepath.Join(root, "data", "pg"), cfg.Database.DataDir)
	assert.Equal(t, "my-project", cfg.Firebase.ProjectID)

	// Keys absent from the file keep their defaults
	assert.Equal(t, "app", cfg.Database.Name)
	assert.Equal(t, filepath.Join(root, ".stackdev", "logs"), cfg.Paths.Logs)
}

func TestLoader_Load_EnvVarOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv("STACKDEV_PORT_BASE", "7000")
	t.Setenv("STACKDEV_FIREBASE_PROJECT", "env-project")

	loader, err := NewLoaderAt(root)
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	// Env vars should override file defaults
	assert.Equal(t, 7000, cfg.Ports.Base)
	assert.Equal(t, "env-project", cfg.Firebase.ProjectID)
}

func TestLoader_Path(t *testing.T) {
	root := t.TempDir()

	loader, err := NewLoaderAt(root)
	require.NoError(t, err)

	expected := filepath.Join(root, ".stackdev", "config.yaml")
	assert.Equal(t, expected, loader.Path())
	assert.Equal(t, root, loader.Root())
}

func TestLoader_Get(t *testing.T) {
	loader, err := NewLoaderAt(t.TempDir())
	require.NoError(t, err)

	_, err = loader.Load()
	require.NoError(t, err)

	t.Run("valid key returns value", func(t *testing.T) {
		val, err := loader.Get("database.user")
		require.NoError(t, err)
		assert.Equal(t, "dev", val)
	})

	t.Run("invalid key returns error", func(t *testing.T) {
		_, err := loader.Get("invalid.key")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestLoader_Set(t *testing.T) {
	loader, err := NewLoaderAt(t.TempDir())
	require.NoError(t, err)

	_, err = loader.Load()
	require.NoError(t, err)

	t.Run("sets valid key", func(t *testing.T) {
		err := loader.Set("firebase.project_id", "changed")
		require.NoError(t, err)

		val, err := loader.Get("firebase.project_id")
		require.NoError(t, err)
		assert.Equal(t, "changed", val)
	})

	t.Run("rejects invalid key", func(t *testing.T) {
		err := loader.Set("invalid.key", "value")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Ports:    PortsConfig{Base: 5500, Limit: 9900},
			Database: DatabaseConfig{User: "dev", Password: "dev", Name: "app", Host: "127.0.0.1", DataDir: "/tmp/pg"},
			Paths:    PathsConfig{EnvFile: "/tmp/.env", Logs: "/tmp/logs"},
			Startup:  StartupConfig{TimeoutSeconds: 60, KillGraceSeconds: 5},
			Firebase: FirebaseConfig{ProjectID: "demo-app"},
		}
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("base below minimum", func(t *testing.T) {
		cfg := valid()
		cfg.Ports.Base = 80
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "Base")
	})

	t.Run("limit below base", func(t *testing.T) {
		cfg := valid()
		cfg.Ports.Limit = 5000
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing database user", func(t *testing.T) {
		cfg := valid()
		cfg.Database.User = ""
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "User")
	})

	t.Run("missing env file path", func(t *testing.T) {
		cfg := valid()
		cfg.Paths.EnvFile = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"ports.base is valid", "ports.base", nil},
		{"ports.limit is valid", "ports.limit", nil},
		{"database.user is valid", "database.user", nil},
		{"database.data_dir is valid", "database.data_dir", nil},
		{"paths.env_file is valid", "paths.env_file", nil},
		{"startup.timeout_seconds is valid", "startup.timeout_seconds", nil},
		{"firebase.project_id is valid", "firebase.project_id", nil},
		{"ports is valid", "ports", nil},
		{"database is valid", "database", nil},
		{"unknown.key returns error", "unknown.key", ErrInvalidKey},
		{"empty key returns error", "", ErrInvalidKey},
		{"random key returns error", "foo", ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoader_resolvePath(t *testing.T) {
	loader := &Loader{homeDir: "/home/test", root: "/proj"}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"expands ~/ prefix", "~/foo", filepath.Join("/home/test", "foo")},
		{"expands ~ alone", "~", "/home/test"},
		{"preserves absolute path", "/absolute/path", "/absolute/path"},
		{"anchors relative path at root", "relative/path", filepath.Join("/proj", "relative", "path")},
		{"keeps empty path empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.resolvePath(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}
