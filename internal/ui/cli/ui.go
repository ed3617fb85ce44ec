package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	coreapp "grammargate/internal/core/app"
	"grammargate/internal/data/audit"
	"grammargate/internal/engine/registry"
)

var (
	titleStyle = lipgloss.NewStyle().
			MarginLeft(2).
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true).
			Render

	docStyle = lipgloss.NewStyle().Margin(1, 2)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	issueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)
)

type item struct {
	title, desc string
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title + i.desc }

type panelMode int

const (
	panelGrammars panelMode = iota
	panelAttempts
)

// snapshotMsg carries the registry and audit state after a load pass.
type snapshotMsg struct {
	entries  []registry.Entry
	attempts []audit.Record
	report   coreapp.DirectoryReport
	err      error
}

type model struct {
	grammarList list.Model
	attemptList list.Model
	mode        panelMode
	reload      func() tea.Msg

	languages  int
	failed     int
	issues     int
	lastErr    error
	lastUpdate time.Time
	reloading  bool
}

func initialModel(reload func() tea.Msg) model {
	grammarList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	grammarList.Title = "Registered Grammars"
	grammarList.SetShowStatusBar(false)
	grammarList.SetFilteringEnabled(true)

	attemptList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	attemptList.Title = "Load Attempts"
	attemptList.SetShowStatusBar(false)
	attemptList.SetFilteringEnabled(true)

	return model{
		grammarList: grammarList,
		attemptList: attemptList,
		mode:        panelGrammars,
		reload:      reload,
		lastUpdate:  time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return handleKeyActions(msg, m)
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		width := msg.Width - h
		height := msg.Height - v - 6
		if height < 5 {
			height = 5
		}
		m.grammarList.SetSize(width, height)
		m.attemptList.SetSize(width, height)
	case snapshotMsg:
		m.reloading = false
		m.languages = len(msg.entries)
		m.failed = len(msg.report.Failed)
		m.issues = len(msg.report.Issues)
		m.lastErr = msg.err
		m.lastUpdate = time.Now()

		items := make([]list.Item, 0, len(msg.entries))
		for _, e := range msg.entries {
			items = append(items, item{
				title: e.Language,
				desc:  fmt.Sprintf("%s abi=%d symbols=%d states=%d %s", e.Format, e.Version, e.SymbolCount, e.StateCount, e.Origin),
			})
		}
		m.grammarList.SetItems(items)

		attempts := make([]list.Item, 0, len(msg.attempts))
		for _, rec := range msg.attempts {
			title := rec.Language
			if title == "" {
				title = rec.Origin
			}
			desc := fmt.Sprintf("%s %s", rec.At.Local().Format("15:04:05"), rec.Outcome)
			if rec.Kind != "" {
				desc += " (" + rec.Kind + ")"
			}
			attempts = append(attempts, item{title: title, desc: desc})
		}
		m.attemptList.SetItems(attempts)
		return m, nil
	}

	var cmd tea.Cmd
	if m.mode == panelGrammars {
		m.grammarList, cmd = m.grammarList.Update(msg)
	} else {
		m.attemptList, cmd = m.attemptList.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	status := statusStyle.Render(fmt.Sprintf("Last update: %v | %d languages",
		m.lastUpdate.Format("15:04:05"), m.languages))

	var summary string
	switch {
	case m.lastErr != nil:
		summary = failStyle.Render(m.lastErr.Error())
	case m.failed == 0 && m.issues == 0:
		summary = successStyle.Render("All grammars passed")
	default:
		summary = fmt.Sprintf("%s | %s",
			failStyle.Render(fmt.Sprintf("%d failed", m.failed)),
			issueStyle.Render(fmt.Sprintf("%d issues", m.issues)))
	}
	if m.reloading {
		summary += " " + statusStyle.Render("reloading...")
	}

	header := fmt.Sprintf("%s\n%s | %s\n", titleStyle("Grammar Gate"), status, summary)
	help := statusStyle.Render("tab: switch panel | r: reload | /: filter | q: quit")

	body := m.grammarList.View()
	if m.mode == panelAttempts {
		body = m.attemptList.View()
	}
	return docStyle.Render(header + "\n" + help + "\n\n" + body)
}
