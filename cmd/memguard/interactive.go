package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/config"
	"github.com/wippyai/capmem/factory"
	"github.com/wippyai/capmem/report"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	handleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const helpText = "acquire <owner> <size> • release <id> • revoke <owner> • quit"

type interactiveModel struct {
	err     error
	s       *session
	handles map[factory.HandleID]*factory.Handle
	result  string
	input   textinput.Model
}

func newInteractiveModel(s *session) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "acquire decoder 4KiB"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()
	return &interactiveModel{
		s:       s,
		handles: make(map[factory.HandleID]*factory.Handle),
		input:   ti,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "quit" || line == "q" {
				return m, tea.Quit
			}
			m.result, m.err = m.exec(line)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// exec runs one command line against the factory.
func (m *interactiveModel) exec(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	args := fields[1:]
	switch fields[0] {
	case "acquire", "a":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: acquire <owner> <size>")
		}
		owner, err := capability.ParseOwner(args[0])
		if err != nil {
			return "", err
		}
		size, err := config.ParseSize(args[1])
		if err != nil {
			return "", err
		}
		h, err := m.s.f.Acquire(owner, size)
		if err != nil {
			return "", err
		}
		m.handles[h.ID()] = h
		return fmt.Sprintf("handle %d: %s for %s", h.ID(), humanize.IBytes(size), owner), nil

	case "release", "r":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: release <id>")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return "", fmt.Errorf("bad handle id %q", args[0])
		}
		hid := factory.HandleID(id)
		err = m.s.f.ReleaseHandle(hid)
		delete(m.handles, hid)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("handle %d released", hid), nil

	case "revoke":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: revoke <owner>")
		}
		owner, err := capability.ParseOwner(args[0])
		if err != nil {
			return "", err
		}
		if !m.s.f.Revoke(owner, nil) {
			return fmt.Sprintf("%s not revocable", owner), nil
		}
		return fmt.Sprintf("%s revoked", owner), nil

	case "help", "?":
		return helpText, nil
	}
	return "", fmt.Errorf("unknown command %q", fields[0])
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("memguard"))
	b.WriteString(" ")
	b.WriteString(m.s.plan.Name)
	b.WriteString("\n\n")

	var tree bytes.Buffer
	if err := report.Render(&tree, m.s.f.Hierarchy(), nil, &report.Options{
		Format:      report.ASCII,
		Width:       24,
		Percentages: true,
	}); err != nil {
		b.WriteString(errorStyle.Render(err.Error()))
	} else {
		b.WriteString(tree.String())
	}

	b.WriteString("\nLive handles:\n")
	n := 0
	m.s.f.Handles(func(h factory.HandleInfo) bool {
		b.WriteString(handleStyle.Render(fmt.Sprintf("  #%-4d %-14s %-9s %s", h.ID, h.Owner, h.Kind, humanize.IBytes(h.Size))))
		b.WriteString("\n")
		n++
		return true
	})
	if n == 0 {
		b.WriteString("  none\n")
	}

	r := m.s.mon.Report()
	fmt.Fprintf(&b, "\nHealth %d/100, %d allocations, %d failed\n\n", r.HealthScore, r.TotalAllocations, r.FailedAllocations)

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	} else if m.result != "" {
		b.WriteString(resultStyle.Render(m.result))
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(helpText + " • esc exit"))
	return b.String()
}

func runInteractive(s *session) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("interactive mode needs a terminal")
	}
	m := newInteractiveModel(s)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
