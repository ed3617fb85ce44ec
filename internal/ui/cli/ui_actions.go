package cli

import (
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
)

func handleKeyActions(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	filtering := m.grammarList.FilterState() == list.Filtering || m.attemptList.FilterState() == list.Filtering
	if !filtering {
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			if m.mode == panelGrammars {
				m.mode = panelAttempts
			} else {
				m.mode = panelGrammars
			}
			return m, nil
		case "r":
			if m.reload == nil || m.reloading {
				return m, nil
			}
			m.reloading = true
			return m, m.reload
		}
	}

	var cmd tea.Cmd
	if m.mode == panelGrammars {
		m.grammarList, cmd = m.grammarList.Update(msg)
	} else {
		m.attemptList, cmd = m.attemptList.Update(msg)
	}
	return m, cmd
}
