package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wavedeck/stackdev/internal/compat"
	"github.com/wavedeck/stackdev/internal/config"
	"github.com/wavedeck/stackdev/internal/database"
	"github.com/wavedeck/stackdev/internal/envfile"
	"github.com/wavedeck/stackdev/internal/exec"
	"github.com/wavedeck/stackdev/internal/logging"
	"github.com/wavedeck/stackdev/internal/ports"
	"github.com/wavedeck/stackdev/internal/slogger"
	"github.com/wavedeck/stackdev/internal/spinner"
	"github.com/wavedeck/stackdev/internal/supervise"
)

// serviceColors assigns a stable prefix color to each supervised service.
var serviceColors = map[ports.Service]string{
	ports.API:          "63",
	ports.Frontend:     "212",
	ports.Database:     "35",
	ports.AuthEmulator: "214",
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Launch the full development session",
	Long: `Launch the template's development session: the API server, the Vite
frontend, the Firebase auth emulator, and the embedded PostgreSQL
database, wired together on freshly allocated ports.

In wrangler mode the API runs under the Cloudflare Workers runtime,
which cannot reach the embedded database; .env must already contain an
external DATABASE_URL.`,
	Example: `  # Start everything locally
  stackdev dev

  # Run the API under the edge runtime against an external database
  stackdev dev --wrangler`,
	Args: cobra.NoArgs,
	RunE: runDevCmd,
}

func init() {
	rootCmd.AddCommand(devCmd)

	devCmd.Flags().Bool("wrangler", false, "run the API under the Cloudflare Workers runtime")
	devCmd.Flags().Bool("cloudflare", false, "alias for --wrangler")
}

func runDevCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := slogger.L(ctx)

	cfg := ConfigFromContext(ctx)
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	wrangler, _ := cmd.Flags().GetBool("wrangler")
	cloudflare, _ := cmd.Flags().GetBool("cloudflare")
	edgeMode := wrangler || cloudflare

	if _, err := os.Stat(cfg.Paths.EnvFile); err != nil {
		return fmt.Errorf("%w: %s (copy .env.example to .env first)", config.ErrNoEnvFile, cfg.Paths.EnvFile)
	}

	if edgeMode {
		if err := checkExternalDatabaseURL(cfg.Paths.EnvFile); err != nil {
			return err
		}
	}

	// Ports first: everything downstream is expressed in terms of them.
	allocator := ports.NewAllocator(ports.WithBase(cfg.Ports.Base), ports.WithLimit(cfg.Ports.Limit))
	assignment, err := allocator.Allocate(ports.DefaultServices)
	if err != nil {
		return fmt.Errorf("allocate ports: %w", err)
	}
	log.Debug("allocated ports",
		"api", assignment[ports.API],
		"frontend", assignment[ports.Frontend],
		"database", assignment[ports.Database],
		"auth", assignment[ports.AuthEmulator],
		"ui", assignment[ports.EmulatorUI])

	creds := database.Credentials{
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
	}

	var mgr *database.Manager
	if !edgeMode {
		mgr = database.NewManager(database.ManagerConfig{
			DataDir:     cfg.Database.DataDir,
			BinDir:      cfg.Database.BinDir,
			Host:        cfg.Database.Host,
			Credentials: creds,
		})
		if err := prepareDatabase(ctx, mgr, cfg, assignment[ports.Database]); err != nil {
			return err
		}
	}

	// Flush config edits before any child that reads .env spawns.
	sets := envSets(cfg, assignment, creds, edgeMode)
	patch, err := envfile.Apply(cfg.Paths.EnvFile, sets)
	if err != nil {
		return fmt.Errorf("patch %s: %w", cfg.Paths.EnvFile, err)
	}

	firebaseConfig, err := writeFirebaseConfig(cfg, assignment)
	if err != nil {
		if patch != nil {
			_ = patch.Revert()
		}
		return err
	}

	commands, err := buildCommands(cfg, mgr, assignment, creds, edgeMode, firebaseConfig)
	if err != nil {
		if patch != nil {
			_ = patch.Revert()
		}
		_ = os.Remove(firebaseConfig)
		return err
	}

	opts := []supervise.Option{
		supervise.WithLogs(logging.NewPathManager(cfg.Paths.Logs)),
		supervise.WithStartupTimeout(time.Duration(cfg.Startup.TimeoutSeconds) * time.Second),
		supervise.WithKillGrace(time.Duration(cfg.Startup.KillGraceSeconds) * time.Second),
		supervise.WithSummary(endpointSummary(cfg.Database.Host, assignment, edgeMode)),
		supervise.WithCleanup(func() {
			if patch == nil {
				return
			}
			if err := patch.Revert(); err != nil {
				log.Error("revert env file", "error", err)
			}
		}),
		supervise.WithCleanup(func() {
			_ = os.Remove(firebaseConfig)
		}),
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		sp := spinner.New(os.Stderr)
		go func() { _ = sp.Start() }()
		opts = append(opts,
			supervise.WithStartupNotify(sp.Push),
			supervise.WithOnLive(sp.Stop),
		)
	}

	return supervise.NewGroup(commands, opts...).Run(ctx)
}

// checkExternalDatabaseURL enforces that edge mode has a non-local
// DATABASE_URL already configured: the Workers runtime cannot reach the
// embedded database.
func checkExternalDatabaseURL(envPath string) error {
	url, found, err := envfile.Lookup(envPath, "DATABASE_URL")
	if err != nil {
		return fmt.Errorf("read %s: %w", envPath, err)
	}
	if !found || url == "" {
		return fmt.Errorf("wrangler mode requires DATABASE_URL in %s pointing at an external database", envPath)
	}
	if strings.Contains(url, "127.0.0.1") || strings.Contains(url, "localhost") {
		return fmt.Errorf("wrangler mode cannot use the local database URL %q; set DATABASE_URL to an external database", url)
	}
	return nil
}

// prepareDatabase initializes the data directory, surfaces lock conflicts,
// and bootstraps the application database. On macOS a native-library start
// failure goes through the compatibility prober before being treated as
// fatal. The server is stopped again afterwards; the supervisor runs it in
// the foreground for the actual session.
func prepareDatabase(ctx context.Context, mgr *database.Manager, cfg *config.Config, port int) error {
	log := slogger.L(ctx)

	if err := mgr.EnsureInitialized(ctx); err != nil {
		return err
	}
	if mgr.CheckConflict() {
		return &database.ConflictError{DataDir: cfg.Database.DataDir}
	}

	err := mgr.Start(ctx, port)
	if err != nil {
		var conflictErr *database.ConflictError
		if errors.As(err, &conflictErr) {
			return err
		}
		if !compat.Applicable() {
			return err
		}

		log.Info("database failed to start, probing native libraries")
		prober := compat.NewProber(compat.ProberConfig{
			Executor:   exec.New(),
			BinaryPath: filepath.Join(cfg.Database.BinDir, "postgres"),
			SearchGlobs: []string{
				filepath.Join(cfg.Database.DataDir, "..", "*", "bin", "postgres"),
			},
		})
		diag := prober.Diagnose(ctx)
		if diag.OK() {
			return err
		}
		if _, remErr := prober.Remediate(ctx, prober.DefaultStrategies(diag)); remErr != nil {
			for _, step := range compat.ManualInstructions(diag) {
				fmt.Fprintln(os.Stderr, step)
			}
			return fmt.Errorf("database start failed (%s): %w", diag.Status, err)
		}
		if err := mgr.Start(ctx, port); err != nil {
			return err
		}
	}

	if !mgr.HealthCheck(ctx, port) {
		log.Debug("health check failed after start", "port", port)
	}
	if err := mgr.EnsureDatabase(ctx, port); err != nil {
		_ = mgr.Stop(ctx)
		return err
	}

	// Stop again; the supervisor owns the server for the session.
	return mgr.Stop(ctx)
}

// envSets returns the .env edits for this session.
func envSets(cfg *config.Config, asn ports.Assignment, creds database.Credentials, edgeMode bool) []envfile.Set {
	authHost := fmt.Sprintf("%s:%d", cfg.Database.Host, asn[ports.AuthEmulator])
	sets := []envfile.Set{
		{Key: "VITE_API_URL", Value: fmt.Sprintf("http://%s:%d", cfg.Database.Host, asn[ports.API]), Comment: "managed by stackdev"},
		{Key: "VITE_FIREBASE_AUTH_EMULATOR_PORT", Value: strconv.Itoa(asn[ports.AuthEmulator]), Comment: "managed by stackdev"},
		{Key: "FIREBASE_AUTH_EMULATOR_HOST", Value: authHost, Comment: "managed by stackdev"},
	}
	if !edgeMode {
		sets = append(sets, envfile.Set{
			Key:     "DATABASE_URL",
			Value:   database.ConnString(cfg.Database.Host, asn[ports.Database], creds),
			Comment: "managed by stackdev",
		})
	}
	return sets
}

// writeFirebaseConfig writes the per-run emulator ports file and returns
// its path.
func writeFirebaseConfig(cfg *config.Config, asn ports.Assignment) (string, error) {
	type emulatorPort struct {
		Port int `json:"port"`
	}
	doc := map[string]any{
		"emulators": map[string]any{
			"auth": emulatorPort{Port: asn[ports.AuthEmulator]},
			"ui": map[string]any{
				"enabled": true,
				"port":    asn[ports.EmulatorUI],
			},
			"singleProjectMode": true,
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal firebase config: %w", err)
	}

	dir := filepath.Dir(cfg.Paths.FirebaseExport)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "firebase.*.json")
	if err != nil {
		return "", fmt.Errorf("create firebase config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write firebase config: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close firebase config: %w", err)
	}
	return f.Name(), nil
}

// buildCommands assembles the supervised service commands for this session.
func buildCommands(cfg *config.Config, mgr *database.Manager, asn ports.Assignment, creds database.Credentials, edgeMode bool, firebaseConfig string) ([]supervise.Command, error) {
	patterns, err := supervise.LoadPatterns(cfg.Paths.Patterns)
	if err != nil {
		return nil, err
	}

	var commands []supervise.Command

	if !edgeMode {
		program, dbArgs := mgr.StartCommand(asn[ports.Database])
		commands = append(commands, supervise.Command{
			Name:     string(ports.Database),
			Color:    serviceColors[ports.Database],
			Program:  program,
			Args:     dbArgs,
			Patterns: patterns[string(ports.Database)],
		})
	}

	apiEnv := []string{
		fmt.Sprintf("PORT=%d", asn[ports.API]),
		fmt.Sprintf("FIREBASE_AUTH_EMULATOR_HOST=%s:%d", cfg.Database.Host, asn[ports.AuthEmulator]),
	}
	api := supervise.Command{
		Name:     string(ports.API),
		Color:    serviceColors[ports.API],
		Program:  "npm",
		Args:     []string{"run", "dev:api"},
		Dir:      filepath.Dir(cfg.Paths.EnvFile),
		Env:      apiEnv,
		Patterns: patterns[string(ports.API)],
	}
	if edgeMode {
		api.Program = "npx"
		api.Args = []string{"wrangler", "dev", "--port", strconv.Itoa(asn[ports.API])}
	} else {
		api.Env = append(api.Env,
			"DATABASE_URL="+database.ConnString(cfg.Database.Host, asn[ports.Database], creds))
	}
	commands = append(commands, api)

	commands = append(commands, supervise.Command{
		Name:    string(ports.Frontend),
		Color:   serviceColors[ports.Frontend],
		Program: "npm",
		Args:    []string{"run", "dev:frontend", "--", "--port", strconv.Itoa(asn[ports.Frontend])},
		Dir:     filepath.Dir(cfg.Paths.EnvFile),
		Env: []string{
			fmt.Sprintf("VITE_API_URL=http://%s:%d", cfg.Database.Host, asn[ports.API]),
		},
		Patterns: patterns[string(ports.Frontend)],
	})

	commands = append(commands, supervise.Command{
		Name:    string(ports.AuthEmulator),
		Color:   serviceColors[ports.AuthEmulator],
		Program: "firebase",
		Args: []string{
			"emulators:start",
			"--only", "auth",
			"--project", cfg.Firebase.ProjectID,
			"--config", firebaseConfig,
			"--import", cfg.Paths.FirebaseExport,
			"--export-on-exit",
		},
		Dir:      filepath.Dir(cfg.Paths.EnvFile),
		Patterns: patterns[string(ports.AuthEmulator)],
	})

	return commands, nil
}

// endpointSummary renders the boxed endpoint listing printed once the
// session goes live. In edge mode no database child runs, so the summary
// lists no local database endpoint.
func endpointSummary(host string, asn ports.Assignment, edgeMode bool) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	row := func(name string, url string) string {
		return label.Render(fmt.Sprintf("%-14s", name)) + url
	}

	rows := []string{
		title.Render("stackdev session ready"),
		"",
		row("frontend", fmt.Sprintf("http://%s:%d", host, asn[ports.Frontend])),
		row("api", fmt.Sprintf("http://%s:%d", host, asn[ports.API])),
	}
	if !edgeMode {
		rows = append(rows, row("database", fmt.Sprintf("postgres://%s:%d", host, asn[ports.Database])))
	}
	rows = append(rows,
		row("auth emulator", fmt.Sprintf("http://%s:%d", host, asn[ports.AuthEmulator])),
		row("emulator ui", fmt.Sprintf("http://%s:%d", host, asn[ports.EmulatorUI])),
	)
	body := strings.Join(rows, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 2).
		Render(body)
}
