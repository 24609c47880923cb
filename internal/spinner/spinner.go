// Package spinner shows a spinner with the latest startup line from the
// supervised services while their output is still being buffered. It
// updates in place so the startup wait does not pollute the terminal.
package spinner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Spinner displays a spinner with ticker-style status updates fed through
// Push.
type Spinner struct {
	program *tea.Program
	lineCh  chan string
	done    chan struct{}
	once    sync.Once
	output  io.Writer
}

// New creates a Spinner writing to output (os.Stderr when nil).
func New(output io.Writer) *Spinner {
	if output == nil {
		output = os.Stderr
	}
	return &Spinner{
		lineCh: make(chan string, 100), // buffered so Push never blocks the supervisor
		done:   make(chan struct{}),
		output: output,
	}
}

// Push feeds one startup line from a service into the ticker display.
// Empty lines are dropped; a full channel drops the line rather than
// blocking the caller.
func (s *Spinner) Push(service, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	select {
	case s.lineCh <- fmt.Sprintf("[%s] %s", service, line):
	case <-s.done:
	default:
	}
}

// Start runs the spinner display. It blocks until Stop is called, so run
// it in a goroutine alongside the supervised startup.
func (s *Spinner) Start() error {
	width := 80
	if fd := int(os.Stderr.Fd()); term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			width = w
		}
	}

	m := newModel(s.lineCh, width)
	s.program = tea.NewProgram(m,
		tea.WithOutput(s.output),
		tea.WithoutSignalHandler(), // parent owns signal handling
	)

	_, err := s.program.Run()
	return err
}

// Stop clears the spinner line and shuts the display down. Safe to call
// more than once.
func (s *Spinner) Stop() {
	s.once.Do(func() {
		close(s.done)
		close(s.lineCh)
		if s.program != nil {
			s.program.Quit()
		}
	})
}

type model struct {
	spinner    spinner.Model
	statusLine string
	width      int
	lineCh     <-chan string
	quitting   bool
}

type lineMsg string

func newModel(lineCh <-chan string, width int) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner: sp,
		width:   width,
		lineCh:  lineCh,
	}
}

// Init implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForLine(m.lineCh),
	)
}

// Update implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case lineMsg:
		m.statusLine = string(msg)
		return m, waitForLine(m.lineCh)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.QuitMsg:
		m.quitting = true
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) View() string {
	if m.quitting {
		return "" // clear the line on exit
	}

	spinnerWidth := 3
	maxLineWidth := m.width - spinnerWidth
	if maxLineWidth < 10 {
		maxLineWidth = 10
	}

	return m.spinner.View() + " " + truncate(m.statusLine, maxLineWidth)
}

func waitForLine(lineCh <-chan string) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-lineCh
		if !ok {
			return tea.Quit()
		}
		return lineMsg(line)
	}
}

func truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return ""
	}
	if len(s) <= maxWidth {
		return s
	}
	return s[:maxWidth-3] + "..."
}
