// Package supervise runs the session's child processes as a group: it
// spawns them, buffers their startup output until each one looks ready,
// then switches to live prefixed pass-through and tears the whole tree
// down when the session ends.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/wavedeck/stackdev/internal/logging"
	"github.com/wavedeck/stackdev/internal/slogger"
)

// Defaults for the startup detector and teardown.
const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultKillGrace      = 5 * time.Second
)

// Command describes one child process to supervise.
type Command struct {
	Name     string   // service name, used for log prefixes and pattern lookup
	Color    string   // lipgloss color for the prefix
	Program  string   // binary to run
	Args     []string // arguments
	Dir      string   // working directory (empty for inherited)
	Env      []string // KEY=VALUE pairs appended to the inherited environment
	Patterns PatternSet
}

// ChildFailedError reports a child that exited abnormally or matched an
// error pattern before becoming ready. A child killed during teardown
// carries exit code -1.
type ChildFailedError struct {
	Name     string
	ExitCode int
	Reason   string
}

func (e *ChildFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("service %q failed: %s (exit code %d)", e.Name, e.Reason, e.ExitCode)
	}
	return fmt.Sprintf("service %q exited with code %d", e.Name, e.ExitCode)
}

// Group supervises a set of child processes as one session.
type Group struct {
	commands       []Command
	out            io.Writer
	logs           *logging.PathManager
	startupTimeout time.Duration
	killGrace      time.Duration
	summary        string
	cleanups       []func()
	notify         func(service, line string)
	onLive         func()
}

// Option configures a Group.
type Option func(*Group)

// WithOutput sets the destination for child output and the endpoint
// summary. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(g *Group) { g.out = w }
}

// WithLogs enables per-service log capture via the given path manager.
func WithLogs(pm *logging.PathManager) Option {
	return func(g *Group) { g.logs = pm }
}

// WithStartupTimeout bounds how long the group buffers startup output
// waiting for readiness before flushing and going live anyway.
func WithStartupTimeout(d time.Duration) Option {
	return func(g *Group) { g.startupTimeout = d }
}

// WithKillGrace sets how long teardown waits between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(g *Group) { g.killGrace = d }
}

// WithSummary sets the endpoint summary printed once when the group goes
// live.
func WithSummary(s string) Option {
	return func(g *Group) { g.summary = s }
}

// WithCleanup registers a teardown function. Cleanups run in reverse
// registration order after the children are gone, whether or not the
// session ended cleanly.
func WithCleanup(fn func()) Option {
	return func(g *Group) { g.cleanups = append(g.cleanups, fn) }
}

// WithStartupNotify registers a callback invoked for every line buffered
// during the startup phase. Used to drive the waiting spinner.
func WithStartupNotify(fn func(service, line string)) Option {
	return func(g *Group) { g.notify = fn }
}

// WithOnLive registers a callback invoked once, just before the buffered
// startup output is flushed. Used to tear the waiting spinner down so it
// does not interleave with real output.
func WithOnLive(fn func()) Option {
	return func(g *Group) { g.onLive = fn }
}

// NewGroup creates a Group for the given commands.
func NewGroup(commands []Command, opts ...Option) *Group {
	g := &Group{
		commands:       commands,
		out:            os.Stdout,
		startupTimeout: DefaultStartupTimeout,
		killGrace:      DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// child is the runtime state for one supervised command.
type child struct {
	spec   Command
	cmd    *osexec.Cmd
	style  lipgloss.Style
	exited atomic.Bool
	code   atomic.Int64
}

func (c *child) done() bool { return c.exited.Load() }

// event is a line of output or an exit notification from one child.
type event struct {
	name string
	line string
	exit bool
}

// outLine is one buffered startup line.
type outLine struct {
	name string
	line string
}

// Run starts every child and supervises the session until a child exits,
// an error pattern fires during startup, or the context is cancelled by
// the operator. Cleanups always run before Run returns.
func (g *Group) Run(ctx context.Context) error {
	defer g.runCleanups()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slogger.L(ctx)

	// finished gates sends from the reader and waiter goroutines once the
	// main loop stops consuming events. It must be closed before waiting on
	// the errgroup or a blocked sender would hang teardown.
	finished := make(chan struct{})

	events := make(chan event, 256)
	eg := &errgroup.Group{}

	children := make([]*child, 0, len(g.commands))
	byName := make(map[string]*child, len(g.commands))
	for _, spec := range g.commands {
		ch, err := g.startChild(spec, events, finished, eg)
		if err != nil {
			g.killAll(children)
			close(finished)
			_ = eg.Wait()
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
		children = append(children, ch)
		byName[ch.spec.Name] = ch
		log.Debug("started service", "service", spec.Name, "pid", ch.cmd.Process.Pid)
	}

	patterns := make(map[string]PatternSet, len(g.commands))
	for _, spec := range g.commands {
		patterns[spec.Name] = spec.Patterns
	}
	detector := NewDetector(patterns)

	timer := time.NewTimer(g.startupTimeout)
	defer timer.Stop()

	var (
		buf       []outLine
		buffering = true
		failure   *ChildFailedError
	)

	if detector.AllReady() {
		g.goLive(buf, byName)
		buffering = false
	}

loop:
	for {
		select {
		case <-ctx.Done():
			if buffering {
				g.flush(buf, byName)
			}
			log.Debug("shutting down on operator request")
			break loop

		case <-timer.C:
			if buffering {
				log.Debug("startup timeout reached, going live")
				g.goLive(buf, byName)
				buffering = false
			}

		case ev := <-events:
			ch := byName[ev.name]
			if ev.exit {
				code := int(ch.code.Load())
				if buffering {
					g.flush(buf, byName)
					failure = &ChildFailedError{Name: ev.name, ExitCode: code, Reason: "exited during startup"}
				} else if code != 0 {
					failure = &ChildFailedError{Name: ev.name, ExitCode: code}
				}
				break loop
			}

			if !buffering {
				g.writeLine(ch, ev.line)
				continue
			}

			buf = append(buf, outLine{name: ev.name, line: ev.line})
			if g.notify != nil {
				g.notify(ev.name, ev.line)
			}
			becameReady, failed := detector.Observe(ev.name, ev.line)
			if failed {
				g.flush(buf, byName)
				failure = &ChildFailedError{Name: ev.name, ExitCode: -1, Reason: "error during startup"}
				break loop
			}
			if becameReady && detector.AllReady() {
				g.goLive(buf, byName)
				buffering = false
				timer.Stop()
			}
		}
	}

	g.killAll(children)
	close(finished)
	_ = eg.Wait()

	// A failure from a still-running child gets its real exit code now
	// that every waiter has finished.
	if failure != nil {
		failure.ExitCode = int(byName[failure.Name].code.Load())
		return failure
	}
	return nil
}

// startChild spawns one command with its output piped through a line
// scanner (and the per-service log file when enabled).
func (g *Group) startChild(spec Command, events chan<- event, finished <-chan struct{}, eg *errgroup.Group) (*child, error) {
	//nolint:gosec // G204: commands come from our own session assembly
	cmd := osexec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	pr, pw := io.Pipe()
	var w io.Writer = pw
	var tee *logging.TeeWriter
	if g.logs != nil {
		path, err := g.logs.EnsureServiceLog(spec.Name)
		if err != nil {
			return nil, err
		}
		tee, err = logging.NewTeeWriter(pw, path)
		if err != nil {
			return nil, err
		}
		w = tee
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		if tee != nil {
			_ = tee.Close()
		}
		return nil, err
	}

	ch := &child{
		spec:  spec,
		cmd:   cmd,
		style: lipgloss.NewStyle().Foreground(lipgloss.Color(spec.Color)).Bold(true),
	}

	// The scanner reports the exit after draining the pipe, so a child's
	// exit event never overtakes its final output lines.
	eg.Go(func() error {
		for {
			scanner := bufio.NewScanner(pr)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				select {
				case events <- event{name: spec.Name, line: scanner.Text()}:
				case <-finished:
					// Keep draining so the child never blocks on a full pipe.
				}
			}
			err := scanner.Err()
			if err == nil {
				// Real EOF: the waiter has recorded the exit code and
				// closed the pipe.
				break
			}
			if !errors.Is(err, bufio.ErrTooLong) {
				_, _ = io.Copy(io.Discard, pr)
				break
			}
			// An oversized line stops the scanner while the child is still
			// running. Resume on the same pipe; the remainder of the long
			// line shows up as truncated chunks instead of ending the
			// session with a phantom exit.
		}
		select {
		case events <- event{name: spec.Name, exit: true}:
		case <-finished:
		}
		return nil
	})

	eg.Go(func() error {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *osexec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		ch.code.Store(int64(code))
		ch.exited.Store(true)

		// Closing the pipe ends the scanner with the exit code already
		// recorded.
		_ = pw.Close()
		if tee != nil {
			_ = tee.Close()
		}
		return nil
	})

	return ch, nil
}

// goLive flushes the buffered startup output, prints the endpoint summary
// and switches the session to live pass-through.
func (g *Group) goLive(buf []outLine, byName map[string]*child) {
	g.flush(buf, byName)
	if g.summary != "" {
		fmt.Fprintln(g.out, g.summary)
	}
}

func (g *Group) flush(buf []outLine, byName map[string]*child) {
	if g.onLive != nil {
		g.onLive()
		g.onLive = nil
	}
	for _, l := range buf {
		g.writeLine(byName[l.name], l.line)
	}
}

func (g *Group) writeLine(ch *child, line string) {
	prefix := ch.style.Render(fmt.Sprintf("%-13s |", ch.spec.Name))
	fmt.Fprintf(g.out, "%s %s\n", prefix, line)
}

// killAll terminates every still-running child tree, escalating to a hard
// kill after the grace period.
func (g *Group) killAll(children []*child) {
	for _, ch := range children {
		if !ch.done() {
			terminateTree(ch.cmd)
		}
	}

	deadline := time.Now().Add(g.killGrace)
	for time.Now().Before(deadline) {
		if allExited(children) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, ch := range children {
		if !ch.done() {
			killTree(ch.cmd)
		}
	}
}

func allExited(children []*child) bool {
	for _, ch := range children {
		if !ch.done() {
			return false
		}
	}
	return true
}

func (g *Group) runCleanups() {
	for i := len(g.cleanups) - 1; i >= 0; i-- {
		g.cleanups[i]()
	}
}
