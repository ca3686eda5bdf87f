package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-segkv/pkg/protocol"
	"github.com/dd0wney/cluso-segkv/pkg/validation"
)

// maxTranscript is how many exchanges stay on screen.
const maxTranscript = 200

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			MarginLeft(2).
			MarginTop(1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF00FF")).
			Bold(true)

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type keyMap struct {
	Enter key.Binding
	Prev  key.Binding
	Next  key.Binding
	Clear key.Binding
	Quit  key.Binding
}

var keys = keyMap{
	Enter: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	Prev: key.NewBinding(
		key.WithKeys("up"),
		key.WithHelp("up", "previous command"),
	),
	Next: key.NewBinding(
		key.WithKeys("down"),
		key.WithHelp("down", "next command"),
	),
	Clear: key.NewBinding(
		key.WithKeys("ctrl+l"),
		key.WithHelp("ctrl+l", "clear"),
	),
	Quit: key.NewBinding(
		key.WithKeys("esc", "ctrl+c", "ctrl+d"),
		key.WithHelp("esc", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.Prev, k.Clear, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Enter, k.Prev, k.Next},
		{k.Clear, k.Quit},
	}
}

type exchange struct {
	command string
	reply   string
	failed  bool
}

type model struct {
	conn    roundTripper
	addr    string
	input   textinput.Model
	help    help.Model
	keys    keyMap
	height  int
	pending string

	transcript []exchange
	history    []string
	histPos    int
}

// replyMsg carries the outcome of one round trip.
type replyMsg struct {
	command string
	reply   string
	err     error
}

func newModel(conn roundTripper, addr string) model {
	ti := textinput.New()
	ti.Placeholder = "get 1 | set 1 some value"
	ti.Prompt = "> "
	ti.PromptStyle = promptStyle
	ti.CharLimit = validation.MaxValueBytes
	ti.Width = 60
	ti.Focus()

	return model{
		conn:  conn,
		addr:  addr,
		input: ti,
		help:  help.New(),
		keys:  keys,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

// checkCommand parses line locally so malformed commands and values the
// store would refuse never reach the server.
func checkCommand(line string) (protocol.Operation, error) {
	op, err := protocol.Parse(line)
	if err != nil {
		return op, err
	}
	if op.Kind == protocol.KindSet {
		if err := validation.ValidateValue(op.Value); err != nil {
			return op, err
		}
	}
	return op, nil
}

func send(conn roundTripper, line string) tea.Cmd {
	return func() tea.Msg {
		reply, err := conn.Do(line)
		return replyMsg{command: line, reply: reply, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.help.Width = msg.Width
		m.input.Width = max(msg.Width-6, 10)
		return m, nil

	case replyMsg:
		m.pending = ""
		if msg.err != nil {
			m.record(exchange{command: msg.command, reply: msg.err.Error(), failed: true})
			return m, tea.Quit
		}
		m.record(exchange{command: msg.command, reply: msg.reply, failed: protocol.IsErrorReply(msg.reply)})
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Clear):
			m.transcript = nil
			return m, nil

		case key.Matches(msg, m.keys.Prev):
			if m.histPos > 0 {
				m.histPos--
				m.input.SetValue(m.history[m.histPos])
				m.input.CursorEnd()
			}
			return m, nil

		case key.Matches(msg, m.keys.Next):
			if m.histPos < len(m.history)-1 {
				m.histPos++
				m.input.SetValue(m.history[m.histPos])
			} else {
				m.histPos = len(m.history)
				m.input.SetValue("")
			}
			m.input.CursorEnd()
			return m, nil

		case key.Matches(msg, m.keys.Enter):
			if m.pending != "" {
				return m, nil
			}
			line := m.input.Value()
			if strings.TrimSpace(line) == "" {
				return m, nil
			}
			m.input.SetValue("")
			m.history = append(m.history, line)
			m.histPos = len(m.history)

			if _, err := checkCommand(line); err != nil {
				m.record(exchange{command: line, reply: err.Error(), failed: true})
				return m, nil
			}
			m.pending = line
			return m, send(m.conn, line)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) record(e exchange) {
	m.transcript = append(m.transcript, e)
	if len(m.transcript) > maxTranscript {
		m.transcript = m.transcript[len(m.transcript)-maxTranscript:]
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("segkv %s", m.addr)))
	b.WriteString("\n")

	var lines []string
	for _, e := range m.visible() {
		lines = append(lines, promptStyle.Render("> ")+e.command)
		if e.failed {
			lines = append(lines, errorStyle.Render(e.reply))
		} else {
			lines = append(lines, replyStyle.Render(e.reply))
		}
	}
	if m.pending != "" {
		lines = append(lines, promptStyle.Render("> ")+m.pending, pendingStyle.Render("waiting for reply..."))
	}
	lines = append(lines, m.input.View())
	b.WriteString(contentStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// visible trims the transcript to what fits above the prompt.
func (m model) visible() []exchange {
	if m.height <= 0 {
		return m.transcript
	}
	room := (m.height - 8) / 2
	if room < 1 {
		room = 1
	}
	if len(m.transcript) > room {
		return m.transcript[len(m.transcript)-room:]
	}
	return m.transcript
}
