package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wavedeck/stackdev/internal/compat"
	"github.com/wavedeck/stackdev/internal/exec"
	"github.com/wavedeck/stackdev/internal/prompt"
)

// doctorTools are the external binaries a dev session needs on PATH.
var doctorTools = []string{"node", "npm", "firebase"}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check this machine for known problems",
	Long: `Check this machine for the tools a dev session needs and, on macOS,
probe the embedded PostgreSQL binary for the native-library failure that
affects Apple Silicon. If the probe fails, doctor offers to attempt
automatic remediation.`,
	Args: cobra.NoArgs,
	RunE: runDoctorCmd,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctorCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := ConfigFromContext(ctx)
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	okMark := lipgloss.NewStyle().Foreground(lipgloss.Color("35")).Render("ok")
	badMark := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("missing")

	executor := exec.New()
	missing := 0
	for _, tool := range doctorTools {
		if _, err := executor.LookPath(tool); err != nil {
			fmt.Printf("%-22s %s\n", tool, badMark)
			missing++
			continue
		}
		fmt.Printf("%-22s %s\n", tool, okMark)
	}

	if !compat.Applicable() {
		fmt.Printf("%-22s not applicable on this platform\n", "native libraries")
		if missing > 0 {
			return fmt.Errorf("%d required tool(s) missing", missing)
		}
		return nil
	}

	prober := compat.NewProber(compat.ProberConfig{
		Executor:   executor,
		BinaryPath: filepath.Join(cfg.Database.BinDir, "postgres"),
		SearchGlobs: []string{
			filepath.Join(cfg.Database.DataDir, "..", "*", "bin", "postgres"),
		},
	})

	diag := prober.Diagnose(ctx)
	switch diag.Status {
	case compat.StatusOK:
		fmt.Printf("%-22s %s\n", "native libraries", okMark)

	case compat.StatusNotFound:
		fmt.Printf("%-22s binary not present yet (downloaded on first `stackdev dev`)\n", "native libraries")

	default:
		fmt.Printf("%-22s %s (%s)\n", "native libraries", badMark, diag.Status)
		if diag.Stderr != "" {
			fmt.Println(diag.Stderr)
		}

		confirmed, err := prompt.New().Confirm(
			"Attempt automatic remediation?",
			"This may install icu4c via Homebrew or build it from source.")
		if err != nil {
			if errors.Is(err, prompt.ErrCanceled) {
				return nil
			}
			return err
		}
		if !confirmed {
			return nil
		}

		name, err := prober.Remediate(ctx, prober.DefaultStrategies(diag))
		if err != nil {
			fmt.Fprintln(os.Stderr, "Automatic remediation failed. Manual steps:")
			for _, step := range compat.ManualInstructions(diag) {
				fmt.Fprintln(os.Stderr, step)
			}
			return err
		}
		fmt.Printf("Remediated via %s\n", name)
	}

	if missing > 0 {
		return fmt.Errorf("%d required tool(s) missing", missing)
	}
	return nil
}
