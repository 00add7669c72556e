package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"

	"github.com/muurk/dtp/internal/event"
)

// Sender delivers a payload to the peer. *client.Client satisfies it.
type Sender interface {
	Send(payload any) error
}

// ChatConfig configures a ChatModel
type ChatConfig struct {
	Server   string             // Shown in the status line
	Nickname string             // Sent along with each message when set
	Sender   Sender             // Where typed messages go
	Events   <-chan event.Event // Receive and Disconnect events to display
}

// chatKeyMap defines key bindings for the chat screen
type chatKeyMap struct {
	Send   key.Binding
	Scroll key.Binding
	Quit   key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k chatKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.Scroll, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k chatKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Send, k.Scroll, k.Quit}}
}

// Messages
type (
	eventMsg        event.Event
	eventsClosedMsg struct{}
	sendResultMsg   struct {
		text string
		err  error
	}
)

// ChatModel is an interactive chat over a client connection
type ChatModel struct {
	cfg ChatConfig

	input      textinput.Model
	transcript viewport.Model
	help       help.Model
	spinner    spinner.Model
	keys       chatKeyMap

	lines     []string
	pending   int
	connected bool
	width     int
	height    int
	now       func() time.Time
}

// NewChatModel creates a chat screen for an established connection
func NewChatModel(cfg ChatConfig) ChatModel {
	width, height := GetTerminalSize()

	input := textinput.New()
	input.Placeholder = "Type a message"
	input.CharLimit = 4096
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = SpinnerStyle

	m := ChatModel{
		cfg:        cfg,
		input:      input,
		transcript: viewport.New(width-2, 10),
		help:       help.New(),
		spinner:    sp,
		keys: chatKeyMap{
			Send: key.NewBinding(
				key.WithKeys("enter"),
				key.WithHelp("enter", "send"),
			),
			Scroll: key.NewBinding(
				key.WithKeys("pgup", "pgdown"),
				key.WithHelp("pgup/pgdn", "scroll"),
			),
			Quit: key.NewBinding(
				key.WithKeys("ctrl+c", "esc"),
				key.WithHelp("esc", "quit"),
			),
		},
		connected: true,
		now:       time.Now,
	}
	m.resize(width, height)
	m.appendLine(SystemMessageStyle.Render("connected to " + cfg.Server))
	return m
}

// Init implements tea.Model
func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.cfg.Events))
}

func waitForEvent(events <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m ChatModel) send(text string) tea.Cmd {
	var payload any = text
	if m.cfg.Nickname != "" {
		payload = map[string]any{"from": m.cfg.Nickname, "text": text}
	}
	sender := m.cfg.Sender
	return func() tea.Msg {
		return sendResultMsg{text: text, err: sender.Send(payload)}
	}
}

// Update implements tea.Model
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Send):
			text := strings.TrimSpace(m.input.Value())
			if text == "" || !m.connected {
				return m, nil
			}
			m.input.Reset()
			m.pending++
			return m, tea.Batch(m.send(text), m.spinner.Tick)
		case key.Matches(msg, m.keys.Scroll):
			var cmd tea.Cmd
			m.transcript, cmd = m.transcript.Update(msg)
			return m, cmd
		}

	case spinner.TickMsg:
		if m.pending == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sendResultMsg:
		m.pending--
		if msg.err != nil {
			m.appendLine(ErrorMessageStyle.Render("send failed: " + msg.err.Error()))
		} else {
			m.appendLine(m.stamp() + OwnMessageStyle.Render("you: ") + msg.text)
		}
		return m, nil

	case eventMsg:
		switch msg.Kind {
		case event.Receive:
			m.appendLine(m.stamp() + PeerMessageStyle.Render("server: ") + FormatPayload(msg.Payload))
		case event.Disconnect:
			m.connected = false
			m.input.Blur()
			m.appendLine(SystemMessageStyle.Render("disconnected by server"))
		}
		return m, waitForEvent(m.cfg.Events)

	case eventsClosedMsg:
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m ChatModel) View() string {
	var status string
	if m.connected {
		status = StatusConnectedStyle.Render(OnlineMarker + " " + m.cfg.Server)
	} else {
		status = StatusDisconnectedStyle.Render(FailureMarker + " disconnected")
	}
	if m.pending > 0 {
		status += " " + m.spinner.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		HeaderTitleStyle.Render("DTP CHAT")+"  "+status,
		TranscriptBoxStyle(m.width).Render(m.transcript.View()),
		m.input.View(),
		m.help.View(m.keys),
	)
}

// Transcript returns the rendered transcript lines
func (m ChatModel) Transcript() []string {
	return m.lines
}

// Pending returns the number of sends still in flight
func (m ChatModel) Pending() int {
	return m.pending
}

// Connected reports whether the model still considers the peer reachable
func (m ChatModel) Connected() bool {
	return m.connected
}

func (m *ChatModel) resize(width, height int) {
	m.width = clampWidth(width)
	m.height = height

	// title, input and help take a line each; the box border takes two
	body := height - 5
	if body < 3 {
		body = 3
	}
	m.transcript.Width = m.width - 2
	m.transcript.Height = body
	m.input.Width = m.width - 4
	m.help.Width = m.width
}

func (m *ChatModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.transcript.SetContent(strings.Join(m.lines, "\n"))
	m.transcript.GotoBottom()
}

func (m ChatModel) stamp() string {
	return TimestampStyle.Render(m.now().Format("15:04:05")) + " "
}

// FormatPayload renders a received payload as one line of text. Chat
// messages ({"from", "text"}) are shown as "from: text", strings as they
// are, anything else as JSON.
func FormatPayload(payload any) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]any:
		if text, ok := p["text"].(string); ok {
			if from, ok := p["from"].(string); ok && from != "" {
				return from + ": " + text
			}
			return text
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

// RunChat runs the chat screen until the user quits
func RunChat(cfg ChatConfig) error {
	p := tea.NewProgram(NewChatModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
