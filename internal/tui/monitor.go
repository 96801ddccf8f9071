// Package tui renders a live view of an acquisition run: progress, monitor
// readouts, the fitted orbit and the correction history. It subscribes to
// the corrector's event bus and drives the bot's Poll from its own tick.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/orbitctl/internal/correct"
	"github.com/san-kum/orbitctl/internal/orbit"
	"github.com/san-kum/orbitctl/internal/proc"
)

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
)

const maxLogLines = 8

// eventLog collects bus events for display. It is shared by pointer so the
// synchronous bus callbacks survive bubbletea's value-copied model.
type eventLog struct {
	lines []string
	posx  []float64
	fit   *orbit.FitOutcome
}

func (l *eventLog) add(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
}

type Model struct {
	cor      *correct.Corrector
	bot      *proc.Bot
	interval time.Duration
	ignore   int
	average  int

	log  *eventLog
	err  string
	done bool

	width  int
	height int
}

func NewMonitor(cor *correct.Corrector, bot *proc.Bot, interval time.Duration, ignore, average int) Model {
	if interval <= 0 {
		interval = proc.DefaultInterval
	}
	l := &eventLog{}
	cor.Bus().Subscribe(func(e correct.Event) {
		switch e := e.(type) {
		case correct.OpticChanged:
			if e.Step == correct.RestoreBaseline {
				l.add("optic restored to baseline")
			} else {
				l.add(fmt.Sprintf("optic %d", e.Step))
			}
		case correct.RecordAdded:
			l.add(fmt.Sprintf("record %d", e.Total))
			if rs := cor.Readouts(); len(rs) > 0 {
				l.posx = append(l.posx, rs[0].PosX)
			}
		case correct.FitUpdated:
			out := e.Outcome
			l.fit = &out
			l.add("fit updated")
		case correct.CorrectionComputed:
			l.add("correction proposed")
		case correct.RunFinished:
			l.add("finished")
		case correct.RunCancelled:
			l.add("cancelled by user")
		}
	})
	return Model{
		cor:      cor,
		bot:      bot,
		interval: interval,
		ignore:   ignore,
		average:  average,
		log:      l,
	}
}

func (m Model) Init() tea.Cmd { return m.tick() }

type tickMsg time.Time

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		if m.bot.Running() {
			if err := m.bot.Poll(); err != nil {
				m.err = err.Error()
				m.bot.Cancel()
			}
		}
		return m, m.tick()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.bot.Cancel()
		m.done = true
		return m, tea.Quit
	case "s":
		if err := m.bot.Start(m.ignore, m.average); err != nil {
			m.err = err.Error()
		} else {
			m.err = ""
		}
	case "c":
		m.bot.Cancel()
	case "[":
		m.cor.HistoryMove(-1)
	case "]":
		m.cor.HistoryMove(+1)
	case "a":
		if err := m.cor.Apply(); err != nil {
			m.err = err.Error()
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("  " + cyan.Render("orbitctl") + "  " +
		dim.Render(m.cor.Name()+"  mode "+m.cor.Mode().String()) + "\n")
	b.WriteString(dimmer.Render("  "+strings.Repeat("─", 46)) + "\n\n")

	b.WriteString("  " + m.stateLine() + "\n")
	b.WriteString("  " + m.progressBar(40) + "\n\n")

	for _, r := range m.cor.Readouts() {
		b.WriteString("  " + white.Render(fmt.Sprintf("%-10s", r.Name)) +
			dim.Render(fmt.Sprintf(" x %9.6f  y %9.6f", r.PosX, r.PosY)) + "\n")
	}

	if len(m.log.posx) >= 2 {
		graph := asciigraph.Plot(m.log.posx,
			asciigraph.Height(5),
			asciigraph.Width(44),
			asciigraph.Caption("posx at "+m.cor.Monitors()[0]))
		b.WriteString("\n" + indent(graph, "  ") + "\n")
	}

	b.WriteString("\n" + m.fitLine() + m.historyLine())

	if m.err != "" {
		b.WriteString("  " + red.Render(m.err) + "\n")
	}
	for _, line := range m.log.lines {
		b.WriteString("  " + dimmer.Render(line) + "\n")
	}

	b.WriteString("\n" + dim.Render("  s start   c cancel   [ ] history   a apply   q quit") + "\n")
	return b.String()
}

func (m Model) stateLine() string {
	switch m.bot.State() {
	case proc.Running:
		return yellow.Render("running")
	case proc.Finished:
		return green.Render("finished")
	case proc.Cancelled:
		return red.Render("cancelled")
	}
	return dim.Render("idle")
}

func (m Model) progressBar(width int) string {
	total := m.bot.TotalOps()
	if total == 0 {
		return dimmer.Render(strings.Repeat("░", width))
	}
	filled := m.bot.Progress() * width / total
	if filled > width {
		filled = width
	}
	bar := cyan.Render(strings.Repeat("█", filled)) +
		dimmer.Render(strings.Repeat("░", width-filled))
	return bar + dim.Render(fmt.Sprintf(" %d/%d", m.bot.Progress(), total))
}

func (m Model) fitLine() string {
	fit := m.log.fit
	if fit == nil {
		return ""
	}
	line := "  " + white.Render("fit ") + magenta.Render(fmt.Sprintf(
		"x %.6f  px %.6f  y %.6f  py %.6f", fit.X[0], fit.X[1], fit.X[2], fit.X[3])) +
		dim.Render(fmt.Sprintf("  χ² %.3g", fit.ChiSquared))
	if fit.Singular {
		line += "  " + yellow.Render("singular")
	}
	return line + "\n"
}

func (m Model) historyLine() string {
	if m.cor.HistoryLen() == 0 {
		return ""
	}
	line := "  " + white.Render("history ") +
		dim.Render(fmt.Sprintf("%d/%d", m.cor.HistoryIndex()+1, m.cor.HistoryLen()))
	if top := m.cor.TopResults(); top != nil {
		parts := make([]string, 0, len(top))
		for _, name := range m.cor.Variables() {
			if v, ok := top[name]; ok {
				parts = append(parts, fmt.Sprintf("%s %.5f", name, v))
			}
		}
		line += "  " + dim.Render(strings.Join(parts, "  "))
	}
	return line + "\n"
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
