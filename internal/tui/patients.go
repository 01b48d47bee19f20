package tui

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/4xmen/hamdam/internal/overview"
	"github.com/4xmen/hamdam/pkg/i18n"
)

const previewWidth = 48

type Overview interface {
	Load(ctx context.Context) error
	Unmount()
	Items() []overview.Item
	Changes() <-chan struct{}
}

type loadedMsg struct{ err error }

// Patients lists a therapist's conversations with live previews. Enter picks
// a patient, see Selected.
type Patients struct {
	list    Overview
	cursor  int
	chosen  int
	loading bool
	err     error
	width   int
}

func NewPatients(list Overview) Patients {
	return Patients{list: list, loading: true}
}

// Selected returns the patient picked with enter, 0 when the list was left.
func (m Patients) Selected() int {
	return m.chosen
}

func (m Patients) Init() tea.Cmd {
	return tea.Batch(loadCmd(m.list), waitForChange(m.list.Changes()))
}

func loadCmd(list Overview) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), mountTimeout)
		defer cancel()
		return loadedMsg{err: list.Load(ctx)}
	}
}

func (m Patients) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.list.Unmount()
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.list.Items())-1 {
				m.cursor++
			}
		case "enter":
			items := m.list.Items()
			if m.cursor < len(items) {
				m.chosen = items[m.cursor].Patient.ID
				m.list.Unmount()
				return m, tea.Quit
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case loadedMsg:
		m.loading = false
		m.err = msg.err

	case changedMsg:
		return m, waitForChange(m.list.Changes())
	}
	return m, nil
}

func (m Patients) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(i18n.Translate("Patients")) + "\n\n")

	items := m.list.Items()
	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(i18n.Translate(m.err.Error())) + "\n")
	case len(items) == 0 && m.loading:
		b.WriteString(mutedStyle.Render(i18n.Translate("Connecting...")) + "\n")
	case len(items) == 0:
		b.WriteString(mutedStyle.Render(i18n.Translate("No patients yet.")) + "\n")
	}

	for i, item := range items {
		line := item.Patient.Title()
		if item.Last != nil {
			line += "  " + mutedStyle.Render(truncate(item.Last.Content, previewWidth))
			if when := item.When(); when != "" {
				line += "  " + mutedStyle.Render(when)
			}
		}
		if i == m.cursor {
			b.WriteString(selectedItemStyle.Render(line) + "\n")
		} else {
			b.WriteString(unselectedItemStyle.Render(line) + "\n")
		}
	}

	b.WriteString("\n" + mutedStyle.Render("↑/↓ select • enter open • q quit"))
	if m.width > 0 {
		return lipgloss.NewStyle().MaxWidth(m.width).Render(b.String())
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
