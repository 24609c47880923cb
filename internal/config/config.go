// Package config provides configuration management for stackdev.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration locations, relative to the project root.
const (
	DefaultConfigDir  = ".stackdev"
	DefaultConfigFile = "config.yaml"
)

// Sentinel errors for configuration operations.
var (
	ErrInvalidKey = errors.New("invalid configuration key")
	ErrNoEnvFile  = errors.New("env file not found")
)

// validKeys is built once from Config struct reflection.
var validKeys = buildValidKeys()

// validate is the shared validator instance.
var validate = validator.New()

// Config represents the full stackdev configuration for one project.
type Config struct {
	Ports    PortsConfig    `mapstructure:"ports" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Paths    PathsConfig    `mapstructure:"paths" validate:"required"`
	Startup  StartupConfig  `mapstructure:"startup"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
}

// PortsConfig bounds the port allocator's search.
type PortsConfig struct {
	Base  int `mapstructure:"base" validate:"required,min=1024,max=65435"`
	Limit int `mapstructure:"limit" validate:"required,gtefield=Base"`
}

// DatabaseConfig holds the embedded database's identity and locations.
type DatabaseConfig struct {
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Name     string `mapstructure:"name" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	DataDir  string `mapstructure:"data_dir" validate:"required"`
	BinDir   string `mapstructure:"bin_dir"`
}

// PathsConfig holds file locations the orchestrator reads and writes.
type PathsConfig struct {
	EnvFile        string `mapstructure:"env_file" validate:"required"`
	Logs           string `mapstructure:"logs" validate:"required"`
	Patterns       string `mapstructure:"patterns"`
	FirebaseExport string `mapstructure:"firebase_export"`
}

// StartupConfig tunes the supervisor's timing.
type StartupConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds" validate:"min=1"`
	KillGraceSeconds int `mapstructure:"kill_grace_seconds" validate:"min=1"`
}

// FirebaseConfig identifies the emulator project.
type FirebaseConfig struct {
	ProjectID string `mapstructure:"project_id" validate:"required"`
}

// Validate checks the configuration for errors using struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Loader provides configuration loading and saving.
type Loader struct {
	v       *viper.Viper
	path    string
	root    string
	homeDir string
}

// NewLoader creates a loader rooted at the current working directory.
func NewLoader() (*Loader, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return NewLoaderAt(root)
}

// NewLoaderAt creates a loader for the project at root.
func NewLoaderAt(root string) (*Loader, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}

	configPath := filepath.Join(root, DefaultConfigDir, DefaultConfigFile)

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Environment variable binding
	v.SetEnvPrefix("STACKDEV")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific env vars to config keys.
	// We intentionally ignore errors here as BindEnv only fails if called with zero arguments.
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("ports.base", "STACKDEV_PORT_BASE")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("database.data_dir", "STACKDEV_DATA_DIR")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("database.bin_dir", "STACKDEV_PG_BIN_DIR")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("firebase.project_id", "STACKDEV_FIREBASE_PROJECT")

	l := &Loader{
		v:       v,
		path:    configPath,
		root:    root,
		homeDir: home,
	}

	// Set defaults before any config reading
	l.setDefaults()

	return l, nil
}

// setDefaults sets all default configuration values using Viper.
func (l *Loader) setDefaults() {
	l.v.SetDefault("ports.base", 5500)
	l.v.SetDefault("ports.limit", 9900)
	l.v.SetDefault("database.user", "dev")
	l.v.SetDefault("database.password", "dev")
	l.v.SetDefault("database.name", "app")
	l.v.SetDefault("database.host", "127.0.0.1")
	l.v.SetDefault("database.data_dir", filepath.Join(DefaultConfigDir, "postgres"))
	l.v.SetDefault("database.bin_dir", "")
	l.v.SetDefault("paths.env_file", ".env")
	l.v.SetDefault("paths.logs", filepath.Join(DefaultConfigDir, "logs"))
	l.v.SetDefault("paths.patterns", filepath.Join(DefaultConfigDir, "patterns.yaml"))
	l.v.SetDefault("paths.firebase_export", filepath.Join(DefaultConfigDir, "firebase-export"))
	l.v.SetDefault("startup.timeout_seconds", 60)
	l.v.SetDefault("startup.kill_grace_seconds", 5)
	l.v.SetDefault("firebase.project_id", "demo-app")
}

// Load reads the configuration file, creating defaults if it doesn't exist.
func (l *Loader) Load() (*Config, error) {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		if err := l.createDefault(); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Resolve paths against the project root
	cfg.Database.DataDir = l.resolvePath(cfg.Database.DataDir)
	cfg.Database.BinDir = l.resolvePath(cfg.Database.BinDir)
	cfg.Paths.EnvFile = l.resolvePath(cfg.Paths.EnvFile)
	cfg.Paths.Logs = l.resolvePath(cfg.Paths.Logs)
	cfg.Paths.Patterns = l.resolvePath(cfg.Paths.Patterns)
	cfg.Paths.FirebaseExport = l.resolvePath(cfg.Paths.FirebaseExport)

	return &cfg, nil
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Root returns the project root directory.
func (l *Loader) Root() string {
	return l.root
}

// Get returns a configuration value by dot-notation key.
func (l *Loader) Get(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return l.v.Get(key), nil
}

// Set sets a configuration value by dot-notation key and persists it.
func (l *Loader) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	l.v.Set(key, value)
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return l.v.WriteConfigAs(l.path)
}

// createDefault writes the default configuration file using Viper.
func (l *Loader) createDefault() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return l.v.SafeWriteConfigAs(l.path)
}

// resolvePath expands ~ and anchors relative paths at the project root.
func (l *Loader) resolvePath(path string) string {
	switch {
	case path == "":
		return ""
	case path == "~":
		return l.homeDir
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(l.homeDir, path[2:])
	case filepath.IsAbs(path):
		return path
	default:
		return filepath.Join(l.root, path)
	}
}

// ValidateKey checks if a key is a valid configuration key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if validKeys[key] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidKey, key)
}

// buildValidKeys builds the set of valid keys from Config struct using reflection.
func buildValidKeys() map[string]bool {
	keys := make(map[string]bool)
	addKeysFromType(reflect.TypeOf(Config{}), "", keys)
	return keys
}

// addKeysFromType recursively adds keys from a struct type.
func addKeysFromType(t reflect.Type, prefix string, keys map[string]bool) {
	for i := range t.NumField() {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		keys[key] = true

		if field.Type.Kind() == reflect.Struct {
			addKeysFromType(field.Type, key, keys)
		}
	}
}
