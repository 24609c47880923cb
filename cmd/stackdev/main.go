package main

import (
	"errors"
	"os"

	"github.com/wavedeck/stackdev/internal/cmd"
	"github.com/wavedeck/stackdev/internal/supervise"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// A failed child's exit code becomes ours; everything else is a
		// configuration or orchestrator error.
		var childErr *supervise.ChildFailedError
		if errors.As(err, &childErr) && childErr.ExitCode > 0 {
			os.Exit(childErr.ExitCode)
		}
		os.Exit(1)
	}
}
