// Package tui provides a Bubble Tea viewer for the persisted usage record.
package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/report"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// ── Styles ────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)

	tabSepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")).
			Background(lipgloss.Color("235"))

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)
)

// ── Tab definitions ─────────────────

type tabID int

const (
	tabUsage tabID = iota
	tabHistory
	tabDiagnostics
	tabCount
)

var tabNames = [tabCount]string{"Usage", "History", "Diagnostics"}

// ── Messages ────────────────────

type recordMsg struct {
	rec *record.Record
	err error
}

type changedMsg struct{}

type tickMsg time.Time

type refreshedMsg struct{ err error }

// ── Model ────────────────────

// Model is the root Bubble Tea model for the viewer.
type Model struct {
	path      string
	rec       *record.Record
	loadErr   error
	activeTab tabID
	viewports [tabCount]viewport.Model
	bar       progress.Model
	width     int
	height    int
	ready     bool
	notice    string

	reload  <-chan struct{}
	refresh func() error
	now     func() time.Time
}

// Option configures a Model.
type Option func(*Model)

// WithReload re-reads the record whenever ch fires.
func WithReload(ch <-chan struct{}) Option { return func(m *Model) { m.reload = ch } }

// WithRefresh binds the "r" key to fn.
func WithRefresh(fn func() error) Option { return func(m *Model) { m.refresh = fn } }

// WithClock sets the time source used for ages.
func WithClock(now func() time.Time) Option { return func(m *Model) { m.now = now } }

// New creates a viewer for the record at path.
func New(path string, opts ...Option) Model {
	m := Model{
		path: path,
		rec:  record.Empty(0),
		bar:  progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		now:  time.Now,
	}
	for _, o := range opts {
		o(&m)
	}
	return m
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), tick(), m.waitReload())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "shift+tab", "h", "left":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
			return m, nil
		case "1", "2", "3":
			m.activeTab = tabID(msg.String()[0] - '1')
			return m, nil
		case "r":
			if m.refresh == nil {
				return m, nil
			}
			m.notice = "refresh requested"
			fn := m.refresh
			return m, func() tea.Msg { return refreshedMsg{err: fn()} }
		}
		var cmd tea.Cmd
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd

	case recordMsg:
		if msg.err != nil {
			m.loadErr = msg.err
		} else {
			m.rec, m.loadErr = msg.rec, nil
		}
		m.rebuild()
		return m, nil

	case changedMsg:
		return m, tea.Batch(m.load(), m.waitReload())

	case tickMsg:
		m.rebuild()
		return m, tick()

	case refreshedMsg:
		if msg.err != nil {
			m.notice = "refresh failed: " + msg.err.Error()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.bar.Width = max(m.width-40, 10)
		m.initViewports()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	title := titleStyle.Width(m.width).Render("  capwatch  " + filepath.Base(m.path))

	var tabParts []string
	for i := tabID(0); i < tabCount; i++ {
		label := fmt.Sprintf(" %d %s ", i+1, tabNames[i])
		if i == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < tabCount-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	content := m.viewports[m.activeTab].View()

	hint := "  ←/→ tab  ↑/↓ scroll  1-3 jump  q quit"
	if m.refresh != nil {
		hint += "  r refresh"
	}
	if m.notice != "" {
		hint += "  · " + m.notice
	}
	right := m.statusText()
	pad := max(m.width-lipgloss.Width(hint)-lipgloss.Width(right)-2, 1)
	statusBar := statusBarStyle.Width(m.width).Render(hint + strings.Repeat(" ", pad) + right)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, content, statusBar)
}

func (m *Model) statusText() string {
	if m.loadErr != nil {
		return errorStyle.Render("unreadable record")
	}
	age, ok := m.rec.Age(m.now())
	if !ok {
		return dimStyle.Render("no data")
	}
	s := "updated " + report.HumanizeAge(age)
	if age > report.StaleAfter {
		return warnStyle.Render(s + " (stale)")
	}
	return s
}

// ── Commands ───────────────────

func (m Model) load() tea.Cmd {
	path := m.path
	return func() tea.Msg {
		rec, err := record.Read(path)
		return recordMsg{rec: rec, err: err}
	}
}

func (m Model) waitReload() tea.Cmd {
	ch := m.reload
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(30*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// ── Viewport management ───────────────────

func (m *Model) initViewports() {
	vpHeight := max(m.height-3, 1)
	for i := tabID(0); i < tabCount; i++ {
		vp := viewport.New(m.width, vpHeight)
		vp.SetContent(m.renderTab(i))
		m.viewports[i] = vp
	}
}

func (m *Model) rebuild() {
	if !m.ready {
		return
	}
	for i := tabID(0); i < tabCount; i++ {
		m.viewports[i].SetContent(m.renderTab(i))
	}
}

// ── Tab renderers ───────────────────

func (m *Model) renderTab(t tabID) string {
	switch t {
	case tabUsage:
		return m.renderUsage()
	case tabHistory:
		return m.renderHistory()
	case tabDiagnostics:
		return m.renderDiagnostics()
	}
	return ""
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func statusBadge(s usage.Status) string {
	switch s {
	case usage.StatusOK:
		return okStyle.Render(string(s))
	case usage.StatusPartial:
		return warnStyle.Render(string(s))
	}
	return errorStyle.Render(string(s))
}

func (m *Model) renderUsage() string {
	var sb strings.Builder
	sb.WriteString(heading("Usage"))

	if m.loadErr != nil {
		sb.WriteString(errorStyle.Render("  "+m.loadErr.Error()) + "\n")
	}
	cur := m.rec.Current
	if cur == nil {
		sb.WriteString(dimStyle.Render("  (no usage data yet)") + "\n")
		return sb.String()
	}

	now := m.now()
	for _, id := range usage.ComponentIDs {
		label := labelStyle.Render(fmt.Sprintf("  %-16s", id.Label()))
		c, ok := cur.Component(id)
		if !ok {
			sb.WriteString(label + "  " + dimStyle.Render("n/a") + "\n\n")
			continue
		}
		fmt.Fprintf(&sb, "%s  %s %3d%%\n", label, m.bar.ViewAs(float64(c.Percent)/100), c.Percent)
		if reset := resetLine(c, now); reset != "" {
			sb.WriteString(dimStyle.Render("  "+strings.Repeat(" ", 16)+"  "+reset) + "\n")
		}
		if trend := report.TrendText(m.rec.Projections[id], c, now); trend != "" {
			sb.WriteString(timeStyle.Render("  "+strings.Repeat(" ", 16)+"  "+trend) + "\n")
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "  Status %s", statusBadge(cur.Status))
	if cur.Diagnostics.UsedFallback {
		sb.WriteString(dimStyle.Render("  (fallback extraction)"))
	}
	sb.WriteString("\n")
	if a := m.rec.LastAttempt; a != nil && a.Status == usage.StatusError {
		fmt.Fprintf(&sb, "  Last attempt %s %s  %s\n",
			errorStyle.Render(a.ErrorKind),
			timeStyle.Render(report.HumanizeAge(now.Sub(a.At))),
			dimStyle.Render(a.Message))
	}
	return sb.String()
}

func resetLine(c usage.Component, now time.Time) string {
	if c.ResetAt != nil && c.ResetAt.After(now) {
		return fmt.Sprintf("resets in %s (%s)", c.ResetAt.Sub(now).Round(time.Minute), c.ResetAt.Local().Format("Mon 15:04"))
	}
	return c.RawResetText
}

func (m *Model) renderHistory() string {
	var sb strings.Builder
	h := m.rec.History
	sb.WriteString(heading(fmt.Sprintf("History (%d of %d)", len(h), m.rec.Capacity)))
	if len(h) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}

	sb.WriteString(dimStyle.Render(fmt.Sprintf("  %-19s  %8s  %8s  %8s", "time", "session", "weekly", "opus")) + "\n")
	for i := len(h) - 1; i >= 0; i-- {
		p := h[i]
		cells := make([]string, len(usage.ComponentIDs))
		for j, id := range usage.ComponentIDs {
			if v, ok := p.Percents[id]; ok {
				cells[j] = fmt.Sprintf("%7d%%", v)
			} else {
				cells[j] = fmt.Sprintf("%8s", "-")
			}
		}
		ts := timeStyle.Render(p.Timestamp.Local().Format("2006-01-02 15:04:05"))
		sb.WriteString("  " + ts + "  " + strings.Join(cells, "  ") + "\n")
	}
	return sb.String()
}

func (m *Model) renderDiagnostics() string {
	var sb strings.Builder
	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-14s", label)) + "  " + value + "\n")
	}

	sb.WriteString(heading("Record"))
	row("Path:", m.path)
	row("Schema:", m.rec.SchemaVersion)
	if md := m.rec.Metadata; md.LastUpdate != nil {
		row("Written:", md.LastUpdate.Local().Format("2006-01-02 15:04:05 MST"))
		row("Writer:", md.ApplicationVersion)
	}

	if cur := m.rec.Current; cur != nil {
		sb.WriteString(heading("Current snapshot"))
		row("Attempt:", cur.AttemptID)
		row("Scraped:", cur.ScrapedAt.Local().Format("2006-01-02 15:04:05 MST"))
		row("Found:", fmt.Sprintf("%d of %d", cur.FoundCount, len(usage.ComponentIDs)))
		row("Strategies:", strings.Join(cur.Diagnostics.StrategiesTried, " → "))
		for _, c := range cur.Components {
			row(string(c.ID)+":", fmt.Sprintf("%q %q [%s]", c.RawPercentText, c.RawResetText, c.Confidence))
		}
	}

	if a := m.rec.LastAttempt; a != nil {
		sb.WriteString(heading("Last attempt"))
		row("Attempt:", a.AttemptID)
		row("At:", a.At.Local().Format("2006-01-02 15:04:05 MST"))
		row("Status:", statusBadge(a.Status))
		if a.ErrorKind != "" {
			row("Error:", a.ErrorKind)
		}
		if a.Message != "" {
			row("Message:", a.Message)
		}
	}
	return sb.String()
}

// Run starts the viewer. The record is reloaded whenever it changes on disk;
// refresh, if non-nil, is bound to the "r" key.
func Run(path string, refresh func() error) error {
	ch, stop, err := Watch(path)
	if err != nil {
		return err
	}
	defer stop()

	p := tea.NewProgram(New(path, WithReload(ch), WithRefresh(refresh)), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
