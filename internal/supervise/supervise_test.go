package supervise

import (
	"bytes"
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavedeck/stackdev/internal/logging"
)

func requireUnixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("group tests drive children through sh")
	}
}

func shellCommand(name, script string, patterns PatternSet) Command {
	return Command{
		Name:     name,
		Color:    "63",
		Program:  "sh",
		Args:     []string{"-c", script},
		Patterns: patterns,
	}
}

func TestGroup_ReadyThenOperatorShutdown(t *testing.T) {
	requireUnixShell(t)

	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	g := NewGroup(
		[]Command{
			shellCommand("api", "echo server running; sleep 30", PatternSet{Ready: []string{"server running"}}),
		},
		WithOutput(&out),
		WithSummary("endpoints here"),
		WithKillGrace(time.Second),
		WithStartupNotify(func(service, line string) {
			if line == "server running" {
				close(ready)
			}
		}),
	)

	go func() {
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
		}
		// Give the group a beat to flush and go live.
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err := g.Run(ctx)
	assert.NoError(t, err, "operator shutdown is a clean exit")
	assert.Contains(t, out.String(), "server running")
	assert.Contains(t, out.String(), "endpoints here")
}

func TestGroup_OversizedLineIsNotAChildExit(t *testing.T) {
	requireUnixShell(t)

	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	g := NewGroup(
		[]Command{
			shellCommand("api",
				"head -c 2000000 /dev/zero | tr '\\0' x; echo; echo server running; sleep 30",
				PatternSet{Ready: []string{"server running"}}),
		},
		WithOutput(&out),
		WithSummary("endpoints here"),
		WithKillGrace(time.Second),
		WithStartupNotify(func(service, line string) {
			if line == "server running" {
				close(ready)
			}
		}),
	)

	go func() {
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
		}
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err := g.Run(ctx)
	assert.NoError(t, err, "a line past the scanner cap must not read as a child exit")
	assert.Contains(t, out.String(), "server running", "readiness lines after the long line still count")
	assert.Contains(t, out.String(), "endpoints here")
}

func TestGroup_ChildExitDuringStartup(t *testing.T) {
	requireUnixShell(t)

	var out bytes.Buffer
	g := NewGroup(
		[]Command{
			shellCommand("api", "echo booting; exit 3", PatternSet{Ready: []string{"never matches"}}),
		},
		WithOutput(&out),
		WithKillGrace(time.Second),
	)

	err := g.Run(context.Background())
	var childErr *ChildFailedError
	require.ErrorAs(t, err, &childErr)
	assert.Equal(t, "api", childErr.Name)
	assert.Equal(t, 3, childErr.ExitCode)
	assert.Contains(t, out.String(), "booting", "buffered output is flushed on failure")
}

func TestGroup_ErrorPatternAbortsStartup(t *testing.T) {
	requireUnixShell(t)

	var out bytes.Buffer
	g := NewGroup(
		[]Command{
			shellCommand("database", "echo 'FATAL:  could not bind'; sleep 30",
				PatternSet{Ready: []string{"ready to accept"}, Errors: []string{"FATAL:"}}),
		},
		WithOutput(&out),
		WithKillGrace(time.Second),
	)

	start := time.Now()
	err := g.Run(context.Background())
	var childErr *ChildFailedError
	require.ErrorAs(t, err, &childErr)
	assert.Equal(t, "database", childErr.Name)
	assert.Contains(t, childErr.Reason, "error during startup")
	assert.Less(t, time.Since(start), 15*time.Second, "abort must not wait out the sleep")
}

func TestGroup_PostReadyCleanExit(t *testing.T) {
	requireUnixShell(t)

	var out bytes.Buffer
	g := NewGroup(
		[]Command{
			shellCommand("api", "echo up; exit 0", PatternSet{Ready: []string{"up"}}),
		},
		WithOutput(&out),
		WithKillGrace(time.Second),
	)

	assert.NoError(t, g.Run(context.Background()))
}

func TestGroup_PostReadyCrashPropagatesCode(t *testing.T) {
	requireUnixShell(t)

	g := NewGroup(
		[]Command{
			shellCommand("api", "echo up; exit 7", PatternSet{Ready: []string{"up"}}),
		},
		WithOutput(&bytes.Buffer{}),
		WithKillGrace(time.Second),
	)

	err := g.Run(context.Background())
	var childErr *ChildFailedError
	require.ErrorAs(t, err, &childErr)
	assert.Equal(t, 7, childErr.ExitCode)
}

func TestGroup_TimeoutBackstopGoesLive(t *testing.T) {
	requireUnixShell(t)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := NewGroup(
		[]Command{
			shellCommand("api", "echo nothing matches; sleep 30", PatternSet{Ready: []string{"never"}}),
		},
		WithOutput(&out),
		WithSummary("endpoints here"),
		WithStartupTimeout(300*time.Millisecond),
		WithKillGrace(time.Second),
	)

	err := g.Run(ctx)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "nothing matches")
	assert.Contains(t, out.String(), "endpoints here", "timeout flushes and prints the summary anyway")
}

func TestGroup_CleanupsRunInReverseOrderOnFailure(t *testing.T) {
	requireUnixShell(t)

	var order []string
	g := NewGroup(
		[]Command{
			shellCommand("api", "exit 1", PatternSet{Ready: []string{"never"}}),
		},
		WithOutput(&bytes.Buffer{}),
		WithKillGrace(time.Second),
		WithCleanup(func() { order = append(order, "first") }),
		WithCleanup(func() { order = append(order, "second") }),
	)

	err := g.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestGroup_WritesServiceLogs(t *testing.T) {
	requireUnixShell(t)

	logsDir := t.TempDir()
	pm := logging.NewPathManager(logsDir)

	g := NewGroup(
		[]Command{
			shellCommand("api", "echo captured line; exit 0", PatternSet{Ready: []string{"captured"}}),
		},
		WithOutput(&bytes.Buffer{}),
		WithLogs(pm),
		WithKillGrace(time.Second),
	)

	require.NoError(t, g.Run(context.Background()))

	data, err := os.ReadFile(pm.ServiceLogPath("api"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "captured line")
}

func TestGroup_StartFailureUnknownBinary(t *testing.T) {
	g := NewGroup(
		[]Command{
			{Name: "api", Program: "definitely-not-a-real-binary-1b2c3", Patterns: PatternSet{}},
		},
		WithOutput(&bytes.Buffer{}),
		WithKillGrace(time.Second),
	)

	err := g.Run(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "start api")
}
