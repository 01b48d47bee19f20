// Package tui renders the conversation and overview view models in the
// terminal with bubbletea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/4xmen/hamdam/internal/conversation"
	"github.com/4xmen/hamdam/internal/models"
	"github.com/4xmen/hamdam/internal/ws"
	"github.com/4xmen/hamdam/pkg/i18n"
)

const (
	headerTimeLayout   = "Mon Jan 2, 15:04"
	expandedTimeLayout = "15:04:05"
	mountTimeout       = 30 * time.Second
)

// Conversation is the part of conversation.Model the chat screen drives.
type Conversation interface {
	Mount(ctx context.Context) error
	Unmount()
	State() conversation.State
	Counterparty() *models.User
	Rows() []conversation.Row
	SetInput(text string)
	Input() string
	Send() bool
	Toggle(id int) bool
	Changes() <-chan struct{}
}

// ConnectionMsg reports a connection state change to a running program.
type ConnectionMsg ws.State

type mountedMsg struct{ err error }

type changedMsg struct{}

type Chat struct {
	conv       Conversation
	therapist  bool
	connection ws.State

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	selected int // message id, 0 when nothing is selected
	width    int
	height   int
}

// NewChat builds the chat screen. therapist selects the wording shown when
// the counterparty cannot be resolved.
func NewChat(conv Conversation, therapist bool, connection ws.State) Chat {
	input := textinput.New()
	input.Placeholder = i18n.Translate("Type a message...")
	input.CharLimit = 4096
	input.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = mutedStyle

	return Chat{
		conv:       conv,
		therapist:  therapist,
		connection: connection,
		input:      input,
		viewport:   viewport.New(80, 20),
		spinner:    s,
	}
}

func (m Chat) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, mountCmd(m.conv), waitForChange(m.conv.Changes()))
}

func mountCmd(conv Conversation) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), mountTimeout)
		defer cancel()
		return mountedMsg{err: conv.Mount(ctx)}
	}
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m Chat) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.conv.Unmount()
			return m, tea.Quit
		case "enter":
			m.conv.SetInput(m.input.Value())
			if m.conv.Send() {
				m.input.SetValue(m.conv.Input())
			}
			return m, nil
		case "up":
			m.moveSelection(-1)
			m.refresh(false)
			return m, nil
		case "down":
			m.moveSelection(1)
			m.refresh(false)
			return m, nil
		case " ":
			if m.selected != 0 && m.input.Value() == "" {
				m.conv.Toggle(m.selected)
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = max(msg.Height-6, 3)
		m.input.Width = msg.Width - 6
		m.refresh(true)

	case mountedMsg:
		m.refresh(true)
		return m, nil

	case changedMsg:
		m.refresh(m.selected == 0)
		return m, waitForChange(m.conv.Changes())

	case ConnectionMsg:
		m.connection = ws.State(msg)
		return m, nil

	case spinner.TickMsg:
		if m.conv.State() != conversation.Loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// moveSelection steps through messages; -1 is towards older ones.
func (m *Chat) moveSelection(step int) {
	rows := chronological(m.conv.Rows())
	if len(rows) == 0 {
		m.selected = 0
		return
	}

	idx := -1
	for i, row := range rows {
		if row.Message.ID == m.selected {
			idx = i
			break
		}
	}

	switch {
	case idx < 0 && step < 0:
		idx = len(rows) - 1
	case idx < 0:
		return
	default:
		idx += step
	}

	if idx < 0 {
		idx = 0
	}
	if idx >= len(rows) {
		m.selected = 0
		return
	}
	m.selected = rows[idx].Message.ID
}

func (m *Chat) refresh(bottom bool) {
	m.viewport.SetContent(renderRows(m.conv.Rows(), m.conv.Counterparty(), m.selected, m.viewport.Width))
	if bottom {
		m.viewport.GotoBottom()
	}
}

func (m Chat) View() string {
	header := headerStyle.Render(m.title() + "  " + m.connectionLabel())

	var body string
	switch m.conv.State() {
	case conversation.Loading:
		body = m.spinner.View() + " " + mutedStyle.Render(i18n.Translate("Connecting..."))
	case conversation.NoCounterparty:
		body = errorStyle.Render(m.noCounterpartyNotice())
	case conversation.Failed:
		body = errorStyle.Render(i18n.Translate("Could not load messages."))
	default:
		if len(m.conv.Rows()) == 0 {
			body = mutedStyle.Render(i18n.Translate("No messages yet."))
		} else {
			body = m.viewport.View()
		}
	}

	footer := footerStyle.Render(m.input.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m Chat) title() string {
	if cp := m.conv.Counterparty(); cp != nil {
		return titleStyle.Render(cp.Title())
	}
	return titleStyle.Render("hamdam")
}

func (m Chat) connectionLabel() string {
	label := i18n.Translate(m.connection.String())
	if m.connection == ws.StateConnected {
		return ownMessageStyle.Render("● " + label)
	}
	return mutedStyle.Render("○ " + label)
}

func (m Chat) noCounterpartyNotice() string {
	if m.therapist {
		return i18n.Translate("The user has not given permission to chat with them.")
	}
	return i18n.Translate("No therapist assigned to you yet.")
}

// chronological returns rows oldest first.
func chronological(rows []conversation.Row) []conversation.Row {
	out := make([]conversation.Row, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row
	}
	return out
}

// renderRows lays the newest-first rows out oldest at the top.
func renderRows(rows []conversation.Row, counterparty *models.User, selected, width int) string {
	if width < 20 {
		width = 20
	}

	initial := "?"
	if counterparty != nil && counterparty.Name != "" {
		r, _ := utf8.DecodeRuneInString(counterparty.Name)
		initial = strings.ToUpper(string(r))
	}

	var b strings.Builder
	for _, row := range chronological(rows) {
		sent := row.Message.SentAt().Local()

		if row.ShowTimestamp {
			stamp := "-"
			if !sent.IsZero() {
				stamp = sent.Format(headerTimeLayout)
			}
			b.WriteString(lipgloss.PlaceHorizontal(width, lipgloss.Center, mutedStyle.Render(stamp)))
			b.WriteString("\n")
		}

		marker := "  "
		if row.Message.ID == selected {
			marker = selectedStyle.Render("› ")
		}

		var line string
		if row.FromSelf {
			line = lipgloss.PlaceHorizontal(width-2, lipgloss.Right, ownMessageStyle.Render(row.Message.Content))
		} else {
			avatar := "   "
			if row.ShowAvatar {
				avatar = avatarStyle.Render(" "+initial) + " "
			}
			line = avatar + otherMessageStyle.Render(row.Message.Content)
		}
		b.WriteString(marker + line + "\n")

		if row.Expanded && !sent.IsZero() {
			detail := mutedStyle.Render(fmt.Sprintf("sent %s", sent.Format(expandedTimeLayout)))
			if row.FromSelf {
				detail = lipgloss.PlaceHorizontal(width, lipgloss.Right, detail)
			} else {
				detail = "     " + detail
			}
			b.WriteString(detail + "\n")
		}
	}
	return b.String()
}
