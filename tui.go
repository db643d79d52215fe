package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"krack/session"
)

// TUI message types
type SnapshotMsg session.Snapshot
type AlertMsg struct{ Text string }

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func setTUIProgram(p *tea.Program) {
	tuiMu.Lock()
	tuiProgram = p
	tuiMu.Unlock()
}

func currentTUIProgram() *tea.Program {
	tuiMu.Lock()
	defer tuiMu.Unlock()
	return tuiProgram
}

// sendTUI delivers a message to the running program; false when no TUI is
// attached.
func sendTUI(msg tea.Msg) bool {
	p := currentTUIProgram()
	if p == nil {
		return false
	}
	p.Send(msg)
	return true
}

var (
	titleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
	listeningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	generatingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	idleStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	terminatedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	timerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	transcriptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	answerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	alertStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	helpStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type tuiModel struct {
	app           *app
	snap          session.Snapshot
	alerts        []string
	width, height int
}

func NewTUIProgram(a *app) *tea.Program {
	m := tuiModel{app: a}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		eng := m.app.engine
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			return m, func() tea.Msg {
				eng.Start(context.Background())
				return nil
			}
		case "a":
			return m, func() tea.Msg {
				eng.AnswerWithAI(context.Background())
				return nil
			}
		case "e":
			return m, func() tea.Msg {
				eng.End(context.Background())
				return nil
			}
		case "c":
			return m, func() tea.Msg {
				if err := eng.CopyAnswer(); err != nil {
					return AlertMsg{Text: err.Error()}
				}
				return AlertMsg{Text: "answer copied"}
			}
		}

	case SnapshotMsg:
		m.snap = session.Snapshot(msg)

	case AlertMsg:
		m.alerts = append(m.alerts, msg.Text)
		if len(m.alerts) > 3 {
			m.alerts = m.alerts[len(m.alerts)-3:]
		}
	}
	return m, nil
}

func stateLine(s session.State) string {
	switch s {
	case session.StateListening:
		return listeningStyle.Render("● LISTENING")
	case session.StateGenerating:
		return generatingStyle.Render("◐ GENERATING")
	case session.StateTerminated:
		return terminatedStyle.Render("■ TERMINATED")
	case session.StateResumePending:
		return idleStyle.Render("○ READY (press s to start)")
	}
	return idleStyle.Render("○ IDLE (no resume uploaded)")
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	wrapWidth := m.width - 4
	if wrapWidth < 20 {
		wrapWidth = 20
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("krack "+version) + "\n\n")
	b.WriteString(stateLine(m.snap.State) + "\n")

	timer := fmt.Sprintf("%02d:%02d", m.snap.Elapsed/60, m.snap.Elapsed%60)
	if m.snap.RemainingMinutes > 0 {
		timer += fmt.Sprintf("  ·  %.1f min left", m.snap.RemainingMinutes)
	}
	b.WriteString(timerStyle.Render(timer) + "\n\n")

	if m.snap.Transcript != "" {
		b.WriteString(dimStyle.Render("Transcript") + "\n")
		for _, line := range wrapText(m.snap.Transcript, wrapWidth) {
			b.WriteString(transcriptStyle.Render(line) + "\n")
		}
		b.WriteString("\n")
	}

	if n := len(m.snap.Questions); n > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("Answers (%d)", n)) + "\n")
		first := 0
		if n > 3 {
			first = n - 3
		}
		for _, qa := range m.snap.Questions[first:] {
			for _, line := range wrapText(fmt.Sprintf("Q%d: %s", qa.ID, qa.Question), wrapWidth) {
				b.WriteString(questionStyle.Render(line) + "\n")
			}
			for _, line := range wrapText(qa.Answer, wrapWidth) {
				b.WriteString(answerStyle.Render(line) + "\n")
			}
			b.WriteString("\n")
		}
	}

	for _, a := range m.alerts {
		b.WriteString(alertStyle.Render("⚠ "+a) + "\n")
	}
	if len(m.alerts) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("s start · a answer · c copy · e end · q quit"))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
